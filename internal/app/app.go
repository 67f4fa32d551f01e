// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/api"
	"github.com/JakeFAU/linewatch/internal/clock/system"
	"github.com/JakeFAU/linewatch/internal/config"
	"github.com/JakeFAU/linewatch/internal/dispatcher"
	eventsmemory "github.com/JakeFAU/linewatch/internal/events/memory"
	eventspubsub "github.com/JakeFAU/linewatch/internal/events/pubsub"
	"github.com/JakeFAU/linewatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/linewatch/internal/fetcher/colly"
	"github.com/JakeFAU/linewatch/internal/fetcher/fixture"
	"github.com/JakeFAU/linewatch/internal/fetcher/headless"
	"github.com/JakeFAU/linewatch/internal/fetcher/promote"
	"github.com/JakeFAU/linewatch/internal/id/uuid"
	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
	"github.com/JakeFAU/linewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/linewatch/internal/push/webpush"
	"github.com/JakeFAU/linewatch/internal/retry"
	"github.com/JakeFAU/linewatch/internal/scheduler"
	"github.com/JakeFAU/linewatch/internal/service"
	"github.com/JakeFAU/linewatch/internal/statuscache"
	"github.com/JakeFAU/linewatch/internal/storage"
	"github.com/JakeFAU/linewatch/internal/storage/gcs"
	"github.com/JakeFAU/linewatch/internal/storage/local"
	storagememory "github.com/JakeFAU/linewatch/internal/storage/memory"
	"github.com/JakeFAU/linewatch/internal/storage/postgres"
	"github.com/JakeFAU/linewatch/internal/storage/sqlite"
)

// App holds the shared, long-lived services for one process.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     linestatus.SubscriberStore
	Cache     *statuscache.Cache
	Scheduler *scheduler.Scheduler
	Service   *service.Service
	Server    *api.Server
	// Cron is nil when the built-in schedule is disabled.
	Cron *scheduler.Cron

	closers []func() error
}

// Option overrides a collaborator, mainly for tests.
type Option func(*overrides)

type overrides struct {
	clock     linestatus.Clock
	driver    linestatus.PageDriver
	transport linestatus.PushTransport
	store     linestatus.SubscriberStore
	events    linestatus.EventPublisher
}

// WithClock replaces the system clock.
func WithClock(c linestatus.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithDriver replaces the configured page driver.
func WithDriver(d linestatus.PageDriver) Option {
	return func(o *overrides) { o.driver = d }
}

// WithTransport replaces the Web Push transport.
func WithTransport(t linestatus.PushTransport) Option {
	return func(o *overrides) { o.transport = t }
}

// WithStore replaces the configured subscriber backend.
func WithStore(s linestatus.SubscriberStore) Option {
	return func(o *overrides) { o.store = s }
}

// WithEvents replaces the configured event sink.
func WithEvents(p linestatus.EventPublisher) Option {
	return func(o *overrides) { o.events = p }
}

// New builds every service from the loader's current configuration. It fails
// fast when a backend cannot be reached. adminToken is consulted per request
// so the token can change while serving; nil falls back to the static value.
func New(ctx context.Context, cfg config.Config, adminToken func() string, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	clock := ov.clock
	if clock == nil {
		clock = system.New()
	}

	driver := ov.driver
	driverName := "custom"
	if driver == nil {
		var err error
		driver, driverName, err = a.buildDriver(cfg, clock)
		if err != nil {
			return nil, err
		}
	}

	statusFetcher, err := fetcher.New(driver, clock, fetcher.Config{
		DriverName:     driverName,
		NormalMarker:   cfg.Line.NormalMarker,
		AttemptTimeout: cfg.Fetcher.AttemptTimeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Fetcher.MaxAttempts,
			BaseDelay:   cfg.Fetcher.BaseDelay,
			MaxDelay:    cfg.Fetcher.MaxDelay,
			Jitter:      true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	a.Cache, err = statuscache.New(statusFetcher, clock, cfg.Cache.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("build status cache: %w", err)
	}

	transport := ov.transport
	if transport == nil {
		t, err := webpush.New(webpush.Config{
			PublicKey:  cfg.VAPID.PublicKey,
			PrivateKey: cfg.VAPID.PrivateKey,
			Subject:    cfg.VAPID.Subject,
			TTL:        cfg.VAPID.TTL,
			Urgency:    cfg.VAPID.Urgency,
		})
		if err != nil {
			return nil, fmt.Errorf("build web push transport (generate keys with `linewatch vapid`): %w", err)
		}
		transport = t
	}
	var limiter dispatcher.Limiter
	if cfg.Dispatch.RatePerSec > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: cfg.Dispatch.RatePerSec, Burst: cfg.Dispatch.Burst})
	}
	templates := dispatcher.NewTemplates(cfg.Line.Name, cfg.Line.Icon, cfg.Line.Badge, clock)
	disp, err := dispatcher.New(transport, limiter, templates, dispatcher.Config{
		MaxParallel: cfg.Dispatch.MaxParallel,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	a.Store = ov.store
	if a.Store == nil {
		a.Store, err = a.buildStore(ctx, cfg, clock)
		if err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, a.Store.Close)

	events := ov.events
	if events == nil {
		events, err = a.buildEvents(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	a.Scheduler, err = scheduler.New(a.Cache, a.Store, disp, templates, events, uuid.New(), clock, scheduler.Config{
		Line:            cfg.Line.Name,
		Cooldown:        cfg.Scheduler.Cooldown,
		MonitorInterval: cfg.Scheduler.MonitorInterval,
		CheckTimeout:    cfg.Scheduler.CheckTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	a.closers = append(a.closers, a.Scheduler.Close)

	if cfg.Scheduler.Cron.Enabled {
		a.Cron, err = scheduler.NewCron(a.Scheduler, scheduler.CronConfig{
			Spec:         cfg.Scheduler.Cron.Spec,
			Timezone:     cfg.Scheduler.Cron.Timezone,
			CheckTimeout: cfg.Scheduler.CheckTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build cron: %w", err)
		}
	}

	a.Service, err = service.New(a.Scheduler, a.Cache, a.Store, disp, templates, logger)
	if err != nil {
		return nil, fmt.Errorf("build service: %w", err)
	}

	if adminToken == nil {
		token := cfg.Auth.AdminToken
		adminToken = func() string { return token }
	}
	a.Server = api.NewServer(a.Service, api.Options{
		AdminToken:     adminToken,
		VAPIDPublicKey: cfg.VAPID.PublicKey,
		Ready:          a.ready,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
	}, logger)

	ok = true
	logger.Info("application services initialized",
		zap.String("line", cfg.Line.Name),
		zap.String("driver", driverName),
		zap.String("store", cfg.Store.Backend),
		zap.String("events", cfg.Events.Sink),
		zap.Bool("cron", a.Cron != nil),
	)
	return a, nil
}

func (a *App) buildDriver(cfg config.Config, clock linestatus.Clock) (linestatus.PageDriver, string, error) {
	switch cfg.Fetcher.Driver {
	case config.DriverHeadless:
		d, err := a.headlessDriver(cfg)
		return d, config.DriverHeadless, err
	case config.DriverStatic:
		d, err := staticDriver(cfg)
		return d, config.DriverStatic, err
	case config.DriverAuto:
		probe, err := staticDriver(cfg)
		if err != nil {
			return nil, "", err
		}
		hd, err := a.headlessDriver(cfg)
		if err != nil {
			return nil, "", err
		}
		d, err := promote.New(probe, hd, clock, cfg.Fetcher.ProbeBackoff, a.Logger)
		if err != nil {
			return nil, "", fmt.Errorf("build auto driver: %w", err)
		}
		return d, config.DriverAuto, nil
	case config.DriverFixture:
		return fixture.New(cfg.Fetcher.Fixture.Texts, cfg.Fetcher.Fixture.Delay), config.DriverFixture, nil
	default:
		return nil, "", fmt.Errorf("unknown fetcher driver: %s", cfg.Fetcher.Driver)
	}
}

func (a *App) headlessDriver(cfg config.Config) (*headless.Driver, error) {
	d, err := headless.NewChromedp(headless.Config{
		URL:               cfg.Line.URL,
		Selector:          cfg.Line.Selector,
		SelectorKind:      cfg.Line.SelectorKind,
		MaxParallel:       cfg.Fetcher.Headless.MaxParallel,
		UserAgent:         cfg.Fetcher.UserAgent,
		AcceptLanguage:    cfg.Fetcher.AcceptLanguage,
		NavigationTimeout: cfg.Fetcher.Headless.NavigationTimeout,
		ElementTimeout:    cfg.Fetcher.Headless.ElementTimeout,
		ExecPath:          cfg.Fetcher.Headless.ExecPath,
		NoSandbox:         cfg.Fetcher.Headless.NoSandbox,
	})
	if err != nil {
		return nil, fmt.Errorf("build headless driver: %w", err)
	}
	a.closers = append(a.closers, func() error { d.Close(); return nil })
	return d, nil
}

func staticDriver(cfg config.Config) (*collyfetcher.Driver, error) {
	d, err := collyfetcher.New(collyfetcher.Config{
		URL:            cfg.Line.URL,
		Selector:       cfg.Fetcher.Static.Selector,
		UserAgent:      cfg.Fetcher.UserAgent,
		AcceptLanguage: cfg.Fetcher.AcceptLanguage,
		Timeout:        cfg.Fetcher.Static.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build static driver: %w", err)
	}
	return d, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.Config, clock linestatus.Clock) (linestatus.SubscriberStore, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		a.Logger.Warn("using in-memory subscriber store; subscriptions are lost on restart")
		return storagememory.New(clock), nil
	case config.BackendFile:
		blob, err := local.New(local.Config{BaseDir: cfg.Store.File.Dir, Name: cfg.Store.File.Name})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file store: %w", err)
		}
		return storage.NewDocumentStore(blob, clock, a.Logger)
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blob, err := gcs.New(client, gcs.Config{Bucket: cfg.Store.GCS.Bucket, Object: cfg.Store.GCS.Object})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gcs store: %w", err)
		}
		return storage.NewDocumentStore(blob, clock, a.Logger)
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.SQLite.Path}, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		pg := cfg.Store.Postgres
		s, err := postgres.NewSubscriberStore(ctx, postgres.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			EnsureSchema:    pg.EnsureSchema,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

func (a *App) buildEvents(ctx context.Context, cfg config.Config) (linestatus.EventPublisher, error) {
	switch cfg.Events.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkMemory:
		return eventsmemory.New(cfg.Events.MemoryCapacity), nil
	case config.SinkPubSub:
		p, err := eventspubsub.Open(ctx, eventspubsub.Config{
			ProjectID: cfg.Events.PubSub.ProjectID,
			TopicID:   cfg.Events.PubSub.TopicID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize pubsub sink: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event sink: %s", cfg.Events.Sink)
	}
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.Store.Count(ctx); err != nil {
		return fmt.Errorf("subscriber store: %w", err)
	}
	return nil
}

// Close releases every service in reverse dependency order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing application service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
