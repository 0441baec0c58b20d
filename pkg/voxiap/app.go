package voxiap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/catalog"
	"github.com/voxjournal/purchases/internal/circuitbreaker"
	"github.com/voxjournal/purchases/internal/config"
	"github.com/voxjournal/purchases/internal/debugserver"
	"github.com/voxjournal/purchases/internal/idempotency"
	"github.com/voxjournal/purchases/internal/journal"
	"github.com/voxjournal/purchases/internal/ledger"
	"github.com/voxjournal/purchases/internal/lifecycle"
	"github.com/voxjournal/purchases/internal/logger"
	"github.com/voxjournal/purchases/internal/metrics"
	"github.com/voxjournal/purchases/internal/pricing"
	"github.com/voxjournal/purchases/internal/reconcile"
	"github.com/voxjournal/purchases/internal/store"
)

// App wires the purchase reconciler components for embedding or standalone
// running. The platform store gateway is injected: the native billing bridge
// lives outside this module.
type App struct {
	Config      *config.Config
	Connection  *store.Connection
	Listener    *store.Listener
	Catalog     *catalog.Catalog
	Pricing     *pricing.Table
	Ledger      *ledger.Client
	Journal     journal.Journal
	Coordinator *reconcile.Coordinator

	logger          zerolog.Logger
	breaker         *circuitbreaker.Manager
	debugServer     *debugserver.Server
	resourceManager *lifecycle.Manager
	cancelRun       context.CancelFunc
}

// Option configures App construction.
type Option func(*options)

type options struct {
	journal  journal.Journal
	credits  idempotency.Store
	registry prometheus.Registerer
	logger   *zerolog.Logger
}

// WithJournal injects a custom audit journal backend.
func WithJournal(j journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithCreditCache injects a custom credit record cache.
func WithCreditCache(s idempotency.Store) Option {
	return func(o *options) { o.credits = s }
}

// WithRegistry sets the Prometheus registry metrics register against.
func WithRegistry(r prometheus.Registerer) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger overrides the logger built from config.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// NewApp assembles the reconciler around the given store gateway.
func NewApp(cfg *config.Config, gateway store.Gateway, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("voxiap: config required")
	}
	if gateway == nil {
		return nil, errors.New("voxiap: store gateway required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "vox-purchases",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app := &App{
		Config:          cfg,
		logger:          appLogger,
		resourceManager: lifecycle.NewManager(),
	}

	metricsCollector := metrics.New(optState.registry)

	app.breaker = circuitbreaker.NewManager(breakerConfig(cfg.CircuitBreaker))

	app.Ledger = ledger.NewClient(cfg.Ledger, app.breaker, metricsCollector, appLogger)
	app.Catalog = catalog.New(gateway, app.breaker, cfg.Catalog.CacheTTL.Duration, metricsCollector, appLogger)
	app.Pricing = pricing.NewTable(cfg.Pricing.Products)

	if optState.journal != nil {
		app.Journal = optState.journal
	} else {
		jrnl, err := journal.New(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
		app.Journal = jrnl
		app.resourceManager.Register("journal", jrnl)
	}

	credits := optState.credits
	if credits == nil {
		memCredits := idempotency.NewMemoryStore()
		app.resourceManager.RegisterFunc("credit-cache", func() error {
			memCredits.Stop()
			return nil
		})
		credits = memCredits
	}

	app.Connection = store.NewConnection(gateway)
	app.Listener = store.NewListener(gateway, cfg.Store.EventBuffer)

	app.Coordinator = reconcile.New(
		gateway,
		app.Listener,
		app.Ledger,
		app.Catalog,
		app.Pricing,
		app.Journal,
		credits,
		reconcile.WithLogger(appLogger),
		reconcile.WithMetrics(metricsCollector),
		reconcile.WithBreaker(app.breaker),
		reconcile.WithRetryConfig(reconcile.RetryConfig{
			MaxAttempts:     cfg.Ledger.Retry.MaxAttempts,
			InitialInterval: cfg.Ledger.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Ledger.Retry.MaxInterval.Duration,
			Multiplier:      cfg.Ledger.Retry.Multiplier,
		}),
	)

	if cfg.Debug.Enabled {
		app.debugServer = debugserver.New(cfg.Debug, app.Journal, app.Coordinator, app.breaker, nil, appLogger)
	}

	return app, nil
}

// Start connects to the store, validates the catalog against the pricing
// table, begins consuming the event stream, and replays the store's pending
// queue. It returns once the replay completes; event processing continues in
// the background until Close.
func (a *App) Start(ctx context.Context) error {
	connectCtx := ctx
	if a.Config.Store.ConnectTimeout.Duration > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, a.Config.Store.ConnectTimeout.Duration)
		defer cancel()
	}
	if err := a.Connection.Connect(connectCtx); err != nil {
		return err
	}
	a.resourceManager.Register("store-connection", a.Connection)

	// A mapped product missing from the catalog is a deployment mistake;
	// surface it at startup, not mid-purchase.
	products, err := a.Catalog.Products(ctx, a.Pricing.ProductIDs())
	if err != nil {
		a.logger.Warn().Err(err).Msg("voxiap.catalog_prefetch_failed")
	} else if err := a.Pricing.ValidateAgainst(products); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	go a.Listener.Run(runCtx)
	go a.Coordinator.Run(runCtx)

	if err := a.Coordinator.Replay(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("voxiap.replay_failed")
	}

	if a.debugServer != nil {
		go func() {
			if err := a.debugServer.ListenAndServe(); err != nil {
				a.logger.Error().Err(err).Msg("voxiap.debug_server_stopped")
			}
		}()
		a.resourceManager.RegisterFunc("debug-server", func() error {
			return a.debugServer.Shutdown(context.Background())
		})
	}

	a.logger.Info().
		Str("package_name", a.Config.Store.PackageName).
		Int("mapped_products", len(a.Pricing.ProductIDs())).
		Msg("voxiap.started")

	return nil
}

// Purchase starts a purchase flow for a mapped product.
func (a *App) Purchase(ctx context.Context, productID string) error {
	return a.Coordinator.Purchase(ctx, productID)
}

// Close stops event processing and releases all owned resources.
func (a *App) Close() error {
	if a.cancelRun != nil {
		a.cancelRun()
	}
	return a.resourceManager.Close()
}

func breakerConfig(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		Enabled:   cfg.Enabled,
		LedgerAPI: breakerService(cfg.LedgerAPI),
		StoreAPI:  breakerService(cfg.StoreAPI),
	}
}

func breakerService(cfg config.BreakerServiceConfig) circuitbreaker.BreakerConfig {
	return circuitbreaker.BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// Config is an exported alias of the configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for embedding consumers.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
