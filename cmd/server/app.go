package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/tandem-api/internal/broadcast"
	"github.com/phrazzld/tandem-api/internal/cache"
	"github.com/phrazzld/tandem-api/internal/concurrency"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/delivery"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/platform/memory"
	"github.com/phrazzld/tandem-api/internal/platform/postgres"
	"github.com/phrazzld/tandem-api/internal/platform/redis"
	"github.com/phrazzld/tandem-api/internal/realtime"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"github.com/phrazzld/tandem-api/internal/store"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// busBuffer is how many decoded events a bus subscription holds before
// the relay reads them.
const busBuffer = 1024

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// Infrastructure; db and redis are nil when not configured.
	db      *sql.DB
	redis   *goredis.Client
	metrics *metrics.Prometheus

	entityStore store.EntityStore
	cache       *cache.Layer
	bus         events.Bus

	jwtService  *auth.JWTService
	broadcaster *broadcast.Broadcaster
	controller  *concurrency.Controller

	hub     *realtime.Hub
	manager *realtime.Manager
	queue   *delivery.Queue
	pool    *delivery.Pool
	relay   *broadcast.Relay
}

// newApplication creates a new application instance with all dependencies
// initialized. Nothing is started until Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewPrometheus(),
	}

	if err := app.setupStorage(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes)

	publishGuard := guard.ConfigFromSettings("publish", cfg.Delivery)
	publishGuard.Metrics = app.metrics
	publishGuard.Logger = logger
	app.broadcaster = broadcast.NewBroadcaster(app.bus, guard.New(publishGuard), logger)

	app.controller = concurrency.NewController(app.entityStore, app.cache, app.broadcaster, app.metrics, logger)

	deliveryPolicy := guard.ConfigFromSettings("delivery", cfg.Delivery).Policy
	app.hub = realtime.NewHub(realtime.HubConfig{Policy: deliveryPolicy}, app.metrics, logger)
	realtimeCfg := realtime.ConfigFromSettings(cfg.Realtime)
	realtimeCfg.Entities = app.controller
	app.manager = realtime.NewManager(
		realtimeCfg,
		app.hub,
		app.jwtService,
		app.broadcaster,
		app.metrics,
		logger,
	)

	app.queue = delivery.NewQueue(cfg.Delivery.QueueSize, logger)
	app.pool = delivery.NewPool(app.queue, app.hub.Deliver, delivery.PoolConfig{
		WorkerCount: cfg.Delivery.WorkerCount,
	}, logger)

	app.relay, err = broadcast.NewRelay(app.bus, app.queue, app.cache, broadcast.RelayConfig{}, app.metrics, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	logger.Info("application initialized successfully")
	return app, nil
}

// setupStorage opens the entity store, the shared cache tier and the event
// bus. Without Redis the cache tier and bus stay inside this process.
func (app *application) setupStorage(ctx context.Context) error {
	cfg := app.config

	switch cfg.Database.Driver {
	case "postgres":
		db, err := setupAppDatabase(ctx, cfg, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		if err := postgres.Migrate(ctx, db, app.logger, "up"); err != nil {
			return err
		}
		app.entityStore = postgres.NewPostgresEntityStore(db, app.logger)
	default:
		app.logger.Warn("using in-memory entity store; data is lost on restart")
		app.entityStore = memory.NewEntityStore(app.logger)
	}

	var backend cache.Backend
	if cfg.Redis.URL != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		app.redis = client
		backend = redis.NewCacheBackend(client)
		app.bus = redis.NewBus(client, cfg.Redis.Channel, busBuffer, app.logger)
		app.logger.Info("redis connection established", "channel", cfg.Redis.Channel)
	} else {
		app.logger.Warn("redis not configured; events stay inside this process")
		backend = memory.NewCacheBackend()
		app.bus = events.NewMemoryBus(busBuffer, app.logger)
	}

	app.cache = cache.New(cache.Options{
		Backend:       backend,
		LocalCapacity: cfg.Cache.LocalCapacity,
		TTL:           time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Metrics:       app.metrics,
		Logger:        app.logger,
	})
	return nil
}

// Run starts the background workers and the HTTP server and blocks until ctx
// is cancelled, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)

	app.pool.Start()
	go func() {
		relayDone <- app.relay.Run(relayCtx)
		close(relayDone)
	}()

	select {
	case <-app.relay.Ready():
	case err := <-relayDone:
		cancelRelay()
		app.stopPool()
		app.cleanup()
		return fmt.Errorf("relay failed to start: %w", err)
	case <-ctx.Done():
		cancelRelay()
		<-relayDone
		app.stopPool()
		app.cleanup()
		return nil
	}

	serveErr := app.startHTTPServer(ctx, app.setupRouter(), relayDone)

	err := app.shutdown(cancelRelay, relayDone)
	app.cleanup()
	return multierr.Append(serveErr, err)
}

// shutdown stops the relay, drains the delivery queue into the still-open
// sockets, and only then closes them.
func (app *application) shutdown(cancelRelay context.CancelFunc, relayDone <-chan error) error {
	timeout := time.Duration(app.config.Server.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	cancelRelay()
	select {
	case relayErr := <-relayDone:
		if relayErr != nil {
			err = multierr.Append(err, fmt.Errorf("relay: %w", relayErr))
		}
	case <-ctx.Done():
		err = multierr.Append(err, errors.New("relay did not stop before deadline"))
	}

	if stopErr := app.pool.Stop(ctx); stopErr != nil {
		err = multierr.Append(err, fmt.Errorf("delivery drain: %w", stopErr))
	}

	if shutdownErr := app.manager.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("websocket shutdown: %w", shutdownErr))
	}
	return err
}

func (app *application) stopPool() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = app.pool.Stop(ctx)
}

// cleanup releases the bus, Redis and the database. Errors are logged.
func (app *application) cleanup() {
	var err error
	if app.bus != nil {
		err = multierr.Append(err, app.bus.Close())
	}
	if app.redis != nil {
		err = multierr.Append(err, app.redis.Close())
	}
	if app.db != nil {
		err = multierr.Append(err, app.db.Close())
	}

	for _, e := range multierr.Errors(err) {
		app.logger.Error("error releasing resource", "error", e)
	}
	app.logger.Info("application shutdown completed")
}
