package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/RIDCorix/Amazcope-sub000/internal/config"
	"github.com/RIDCorix/Amazcope-sub000/internal/detector"
	"github.com/RIDCorix/Amazcope-sub000/internal/dispatcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/fetcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/normalizer"
	"github.com/RIDCorix/Amazcope-sub000/internal/scheduler"
	"github.com/RIDCorix/Amazcope-sub000/internal/scraper"
	"github.com/RIDCorix/Amazcope-sub000/internal/service"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.ListingFetcher {
	return fetcher.NewProvider(fetcher.ProviderOptions{
		BaseURL:   a.Config.Scraper.BaseURL,
		APIKey:    a.Config.Scraper.APIKey,
		UserAgent: a.Config.Scraper.UserAgent,
		Timeout:   a.Config.Scraper.RequestTimeout,
	}, a.Logger)
}

func (a *App) newRunner() *scraper.Runner {
	return scraper.NewRunner(a.newFetcher(), scraper.Options{
		Workers:        a.Config.Scraper.Workers,
		AttemptTimeout: a.Config.Scraper.RequestTimeout,
		Retry: scraper.Policy{
			MaxAttempts: a.Config.Scraper.MaxAttempts,
			BaseDelay:   a.Config.Scraper.RetryBaseDelay,
			MaxDelay:    a.Config.Scraper.RetryMaxDelay,
		},
	}, a.Logger)
}

func (a *App) newTransports() []dispatcher.Transport {
	transports := []dispatcher.Transport{dispatcher.NewInAppTransport()}

	if a.Config.Alerting.Webhook.Enabled {
		transports = append(transports, dispatcher.NewWebhookTransport(
			a.Config.Alerting.Webhook.RequestTimeout,
			a.Config.Alerting.Webhook.UserAgent,
			a.Logger,
		))
	}
	if a.Config.Alerting.Email.Enabled {
		email := a.Config.Alerting.Email
		transports = append(transports, dispatcher.NewEmailTransport(dispatcher.EmailOptions{
			Host:     email.Host,
			Port:     email.Port,
			From:     email.From,
			Username: email.Username,
			Password: email.Password,
		}, a.Logger))
	}
	return transports
}

func (a *App) newDispatcher(store *storage.Store) *dispatcher.Dispatcher {
	return dispatcher.New(store, store, a.newTransports(), dispatcher.Options{
		RateLimit:        a.Config.Alerting.RateLimit,
		RateWindow:       a.Config.Alerting.RateWindow,
		DeliveryAttempts: a.Config.Alerting.DeliveryAttempts,
		RetryDelay:       a.Config.Alerting.RetryDelay,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) *service.Service {
	norm := normalizer.New(store, store, a.Logger)
	det := detector.New(store, a.Logger)
	disp := a.newDispatcher(store)
	return service.New(a.Config, sched, a.newRunner(), norm, det, disp, store, store, store, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured")
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(store, sched)

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Sweep runs one cycle immediately and exits.
func (a *App) Sweep(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured")
	}
	defer closeStore()

	svc := a.newService(store, nil)
	return svc.Sweep(ctx, time.Now().UTC())
}

// TrackOptions configure listing registration.
type TrackOptions struct {
	ASIN         string
	Marketplace  string
	Title        string
	RefreshEvery time.Duration
	Deactivate   bool
}

// ExportOptions hold parameters for exporting an entity's history.
type ExportOptions struct {
	ASIN        string
	Marketplace string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	What  string
	Limit int
}

// SimulateOptions configure a synthetic price transition.
type SimulateOptions struct {
	PrevPrice  float64
	NewPrice   float64
	WebhookURL string
	Email      string
}
