package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang-tick-hub/internal/api"
	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/config"
	"golang-tick-hub/internal/feed"
	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/instrument"
	"golang-tick-hub/internal/orders"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/storage"
	"golang-tick-hub/internal/subscription"
	"golang-tick-hub/internal/tick"
)

// Application wires the hub, its collaborators and the HTTP server
type Application struct {
	config *config.Config

	// Storage
	statusCache session.StatusCache
	redisCache  *storage.RedisStatusCache
	journal     *storage.PostgresJournal
	instruments *instrument.Database

	// Core components
	sessions  *session.Store
	validator *session.Validator
	adapter   *feed.Adapter
	hub       *hub.Hub
	orders    *orders.Service

	// HTTP server
	server *http.Server

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	failed chan error
}

func main() {
	log.Printf("🚀 Starting Tick Hub - authenticated market data fan-out")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create application: %v", err)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		log.Fatalf("❌ Failed to start application: %v", err)
	}

	select {
	case <-sigChan:
		log.Printf("🛑 Received shutdown signal")
	case err := <-app.failed:
		log.Printf("❌ Fatal component error: %v", err)
	}

	if err := app.Stop(); err != nil {
		log.Printf("⚠️ Error during shutdown: %v", err)
	}

	log.Printf("✅ Application shutdown complete")
}

func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		failed: make(chan error, 2),
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeComponents() error {
	cfg := app.config

	// Shared session status cache
	if cfg.Database.Redis.URL != "" {
		log.Printf("📦 Connecting session status cache to Redis...")
		cache, err := storage.NewRedisStatusCache(app.ctx, cfg.Database.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis status cache: %w", err)
		}
		app.redisCache = cache
		app.statusCache = cache
	} else {
		log.Printf("📦 REDIS_URL not set, using in-process status cache")
		app.statusCache = session.NewMemoryCache()
	}

	// Order journal
	var journal orders.Journal
	if cfg.Database.Postgres.URL != "" {
		log.Printf("📊 Initializing Postgres order journal...")
		pg, err := storage.NewPostgresJournal(app.ctx, cfg.Database.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize order journal: %w", err)
		}
		pg.SetPoolLimits(cfg.Database.Postgres.MaxOpenConns, cfg.Database.Postgres.MaxIdleConns)
		app.journal = pg
		journal = pg
	} else {
		log.Printf("📊 POSTGRES_URL not set, journaling orders in memory")
		journal = orders.NewMemoryJournal()
	}

	// Instrument metadata
	if cfg.Database.SQLite.Path != "" {
		log.Printf("📊 Initializing instrument database...")
		db, err := instrument.NewDatabase(cfg.Database.SQLite.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize instrument database: %w", err)
		}
		app.instruments = db

		if db.Len() == 0 && cfg.Database.SQLite.InstrumentsURL != "" {
			log.Printf("🔄 Instrument database is empty, fetching instrument list...")
			if n, err := db.Fetch(app.ctx, cfg.Database.SQLite.InstrumentsURL); err != nil {
				log.Printf("⚠️ Warning: Failed to fetch instruments: %v", err)
			} else {
				log.Printf("✅ Imported %d instruments", n)
			}
		}
	}

	// Session validation
	brokerClient := broker.NewClient(cfg.BrokerClientConfig())
	app.sessions = session.NewStore()
	app.validator = session.NewValidator(cfg.SessionOptions(), brokerClient, brokerClient, app.statusCache, app.sessions)

	// Upstream feed and fan-out
	app.adapter = feed.NewAdapter(cfg.FeedAdapterConfig(), tick.NewNormalizer())
	registry := subscription.NewRegistry()
	app.hub = hub.New(cfg.HubOptions(), registry, app.adapter, app.validator)
	app.validator.OnInvalidate(app.hub.DisconnectSession)

	// Orders and HTTP surface. A nil *instrument.Database must not become a
	// non-nil interface value.
	var lookups orders.Instruments
	var catalog api.Instruments
	if app.instruments != nil {
		lookups = app.instruments
		catalog = app.instruments
	}
	app.orders = orders.NewService(brokerClient, app.validator, lookups, journal)

	server := api.NewServer(api.Options{
		Debug:            cfg.App.Debug,
		Development:      cfg.IsDevelopment(),
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AutoSessionToken: cfg.App.AutoSessionToken,
		LoginURL:         cfg.Hub.LoginURL,
		SecureCookies:    cfg.IsProduction(),
	}, api.Dependencies{
		Sessions:    app.sessions,
		Validator:   app.validator,
		Hub:         app.hub,
		Registry:    registry,
		Instruments: catalog,
		Orders:      app.orders,
		Feed:        app.adapter,
		Auth:        brokerClient,
		Storage:     app.storageStats,
	})

	app.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Printf("✅ All components initialized successfully")
	return nil
}

func (app *Application) Start() error {
	log.Printf("🚀 Starting tick hub...")

	// Background routine sweep
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.validator.Monitor(app.ctx)
	}()

	// Upstream supervision
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.hub.Run(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.failed <- err
		}
	}()

	// HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		log.Printf("🌐 HTTP server listening on %s", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.failed <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	log.Printf("✅ Tick hub started successfully")
	log.Printf("🌐 WebSocket endpoint: ws://%s/ws/ticker", app.server.Addr)
	return nil
}

func (app *Application) Stop() error {
	log.Printf("🛑 Stopping application...")

	// Stop HTTP server first so no new connections arrive
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}

	app.cancel()
	app.hub.Shutdown("shutdown")

	app.wg.Wait()
	app.closeStorage()

	log.Printf("✅ Application stopped successfully")
	return nil
}

// storageStats reports on the Redis cache and Postgres journal when configured
func (app *Application) storageStats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"status_cache": "memory",
		"journal":      "memory",
	}
	if app.redisCache != nil {
		if cacheStats, err := app.redisCache.GetStats(ctx); err != nil {
			stats["status_cache"] = map[string]interface{}{"error": err.Error()}
		} else {
			stats["status_cache"] = cacheStats
		}
	}
	if app.journal != nil {
		if journalStats, err := app.journal.GetStats(ctx); err != nil {
			stats["journal"] = map[string]interface{}{"error": err.Error()}
		} else {
			stats["journal"] = journalStats
		}
	}
	return stats
}

func (app *Application) closeStorage() {
	if app.instruments != nil {
		app.instruments.Close()
	}
	if app.journal != nil {
		app.journal.Close()
	}
	if app.redisCache != nil {
		app.redisCache.Close()
	}
}
