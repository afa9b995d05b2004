package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals a definitive "listing is gone" answer from the
// provider. Not retryable; the entity gets marked unlisted.
var ErrNotFound = errors.New("fetcher: listing not found")

// TransientError wraps timeouts, rate-limit responses, and provider-side
// failures that are worth retrying.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient fetch error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Listing is the raw scraped payload for one marketplace listing. Optional
// fields are pointers so an absent key is distinguishable from a zero.
type Listing struct {
	ASIN         string
	Marketplace  string
	Title        string
	Price        *float64
	Currency     *string
	Rating       *float64
	Rank         *int64
	ReviewCount  *int64
	InStock      *bool
	Availability string
	Raw          json.RawMessage
	FetchedAt    time.Time
}

// ListingFetcher retrieves fresh listing data from the scraping provider.
type ListingFetcher interface {
	Fetch(ctx context.Context, asin, marketplace string) (*Listing, error)
}
