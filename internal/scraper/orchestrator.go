package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RIDCorix/Amazcope-sub000/internal/fetcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Outcome is the terminal result of one entity's fetch, handed to the commit
// callback. Listing is nil when the provider reported the listing gone.
type Outcome struct {
	Entity      storage.Entity
	Listing     *fetcher.Listing
	Unreachable bool
	At          time.Time
}

// CommitFunc consumes a completed fetch. It runs on a worker goroutine and
// must be safe for concurrent invocation across entities.
type CommitFunc func(ctx context.Context, outcome Outcome) error

// Summary reports batch results. A failing entity never fails the batch; it
// is counted here instead.
type Summary struct {
	Attempted   int
	Succeeded   int
	Failed      int
	Unreachable int
	Abandoned   int
	Coalesced   int
	Errors      map[int64]error
}

// Options tune the batch runner.
type Options struct {
	Workers        int
	AttemptTimeout time.Duration
	Retry          Policy
}

// Runner fetches due entities with bounded concurrency. The in-flight set is
// owned by the Runner instance: a request for an entity whose fetch is still
// outstanding is coalesced, never queued twice.
type Runner struct {
	fetcher fetcher.ListingFetcher
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewRunner constructs a batch runner.
func NewRunner(f fetcher.ListingFetcher, opts Options, logger zerolog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 20 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultPolicy
	}

	return &Runner{
		fetcher:  f,
		opts:     opts,
		logger:   logger.With().Str("component", "scrape_runner").Logger(),
		inflight: make(map[int64]struct{}),
	}
}

type result struct {
	entityID int64
	status   status
	err      error
}

type status int

const (
	statusSucceeded status = iota
	statusFailed
	statusUnreachable
)

// RunBatch fetches every entity in the due-set and invokes commit per
// completed entity. It returns when all entities finished or ctx expired,
// whichever is first. Entities still in flight at the deadline are counted
// abandoned: their fetches run to completion detached from ctx and commit
// normally, they just aren't waited for.
func (r *Runner) RunBatch(ctx context.Context, entities []storage.Entity, commit CommitFunc) Summary {
	summary := Summary{Errors: make(map[int64]error)}

	queued := make([]storage.Entity, 0, len(entities))
	for _, entity := range entities {
		if r.markInFlight(entity.ID) {
			queued = append(queued, entity)
		} else {
			summary.Coalesced++
		}
	}
	summary.Attempted = len(queued)
	if len(queued) == 0 {
		return summary
	}

	jobs := make(chan storage.Entity, len(queued))
	results := make(chan result, len(queued))
	for _, entity := range queued {
		jobs <- entity
	}
	close(jobs)

	// Stragglers keep running past the sweep deadline and still commit;
	// detaching here is what makes that possible.
	detached := context.WithoutCancel(ctx)

	workers := r.opts.Workers
	if workers > len(queued) {
		workers = len(queued)
	}
	for i := 0; i < workers; i++ {
		go r.worker(ctx, detached, jobs, results, commit)
	}

	received := 0
	for received < len(queued) {
		select {
		case res := <-results:
			received++
			switch res.status {
			case statusSucceeded:
				summary.Succeeded++
			case statusUnreachable:
				summary.Unreachable++
			case statusFailed:
				summary.Failed++
				summary.Errors[res.entityID] = res.err
			}
		case <-ctx.Done():
			summary.Abandoned = len(queued) - received
			return summary
		}
	}

	return summary
}

func (r *Runner) worker(ctx, detached context.Context, jobs <-chan storage.Entity, results chan<- result, commit CommitFunc) {
	for entity := range jobs {
		// Don't start new work after the deadline; the collector already
		// counts unstarted jobs as abandoned.
		select {
		case <-ctx.Done():
			r.clearInFlight(entity.ID)
			continue
		default:
		}

		res := r.processEntity(detached, entity, commit)
		r.clearInFlight(entity.ID)
		results <- res
	}
}

func (r *Runner) processEntity(ctx context.Context, entity storage.Entity, commit CommitFunc) (res result) {
	res = result{entityID: entity.ID}

	defer func() {
		if rec := recover(); rec != nil {
			res.status = statusFailed
			res.err = fmt.Errorf("entity pipeline panicked: %v", rec)
			r.logger.Error().Int64("entity_id", entity.ID).Interface("panic", rec).Msg("recovered entity panic")
		}
	}()

	listing, err := r.fetchWithRetry(ctx, entity)
	switch {
	case err == nil:
		outcome := Outcome{Entity: entity, Listing: listing, At: listing.FetchedAt}
		if commitErr := commit(ctx, outcome); commitErr != nil {
			res.status = statusFailed
			res.err = commitErr
			return res
		}
		res.status = statusSucceeded
	case err == errUnreachable:
		outcome := Outcome{Entity: entity, Unreachable: true, At: time.Now().UTC()}
		if commitErr := commit(ctx, outcome); commitErr != nil {
			res.status = statusFailed
			res.err = commitErr
			return res
		}
		res.status = statusUnreachable
	default:
		res.status = statusFailed
		res.err = err
	}
	return res
}

var errUnreachable = errors.New("listing unreachable")

// fetchWithRetry runs bounded attempts with exponential backoff. NotFound is
// terminal and surfaces as errUnreachable without retrying.
func (r *Runner) fetchWithRetry(ctx context.Context, entity storage.Entity) (*fetcher.Listing, error) {
	policy := r.opts.Retry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		listing, err := r.fetcher.Fetch(attemptCtx, entity.ASIN, entity.Marketplace)
		cancel()

		if err == nil {
			return listing, nil
		}
		if errors.Is(err, fetcher.ErrNotFound) {
			return nil, errUnreachable
		}
		if !fetcher.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempt)
		r.logger.Debug().
			Int64("entity_id", entity.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient fetch failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("fetch attempts exhausted: %w", lastErr)
}

func (r *Runner) markInFlight(entityID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[entityID]; busy {
		return false
	}
	r.inflight[entityID] = struct{}{}
	return true
}

func (r *Runner) clearInFlight(entityID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, entityID)
}
