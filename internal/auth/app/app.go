package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/aussiebroadwan/authcore/internal/auth/http"
	"github.com/aussiebroadwan/authcore/internal/auth/keystore"
	"github.com/aussiebroadwan/authcore/internal/auth/notify"
	"github.com/aussiebroadwan/authcore/internal/auth/service"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	redisstore "github.com/aussiebroadwan/authcore/internal/auth/store/drivers/redis"
	"github.com/aussiebroadwan/authcore/internal/auth/telemetry"
	"github.com/aussiebroadwan/authcore/pkg/httpx"
	"github.com/aussiebroadwan/authcore/pkg/slogx"
	"golang.org/x/sync/errgroup"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"

	serviceName = "authcore"
)

// Application encapsulates the auth service application with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	providers *telemetry.Providers
	metrics   *telemetry.Metrics
	keys      *keystore.Keystore
	db        store.Store
	redis     *redisstore.Store // nil unless AUTH_REFRESH_STORE=redis
	mqtt      *notify.MQTT      // nil unless AUTH_MQTT_BROKER is set
	notifier  notify.Notifier

	credentials service.CredentialStore

	// Services
	auditRecorder       *service.AuditRecorder
	keyRotationService  *service.KeyRotationService
	keyCache            *service.KeyCache
	tokenService        *service.TokenService
	refreshService      *service.RefreshService
	housekeepingService *service.HousekeepingService
	rotationScheduler   *service.KeyRotationScheduler

	// HTTP server
	server *http.Server
	router *httpapi.Router

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises an Application.
type Option func(*Application)

// WithCredentials sets the principal lookup used by the refresh lifecycle.
// Without it an empty in-memory store is used and every principal is
// unknown.
func WithCredentials(c service.CredentialStore) Option {
	return func(app *Application) { app.credentials = c }
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// New creates a new Application instance with all dependencies initialized
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	app := &Application{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		app.logger = slogx.New(slogx.Config{
			Service: serviceName,
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}
	if app.credentials == nil {
		app.credentials = service.NewMemoryCredentials()
	}

	if err := app.initTelemetry(ctx); err != nil {
		return nil, err
	}

	if err := app.initStores(ctx); err != nil {
		app.closeResources(ctx)
		return nil, err
	}

	app.initNotifier()
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Handler returns the HTTP handler, for embedding or tests.
func (app *Application) Handler() http.Handler { return app.router }

// Tokens returns the access token service.
func (app *Application) Tokens() *service.TokenService { return app.tokenService }

// Refresh returns the refresh token lifecycle service.
func (app *Application) Refresh() *service.RefreshService { return app.refreshService }

// Rotation returns the signing key rotation service.
func (app *Application) Rotation() *service.KeyRotationService { return app.keyRotationService }

// Run listens on the configured port and blocks until ctx is cancelled or
// the server fails, then shuts everything down.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", app.server.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.rotationScheduler.Start()
	app.housekeepingService.Start()

	app.logger.Info("auth service starting", "addr", ln.Addr().String(), "version", BuildVersion)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutdown requested")
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the application. It is safe to call more
// than once.
func (app *Application) Shutdown() error {
	app.shutdownOnce.Do(func() {
		app.logger.Info("shutting down auth service...")

		// Give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
		defer cancel()

		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("graceful server shutdown failed", "error", err)
			if err := app.server.Close(); err != nil {
				app.logger.Error("error closing server", "error", err)
			}
		}

		app.rotationScheduler.Stop()
		app.housekeepingService.Stop()

		if err := app.auditRecorder.Close(ctx); err != nil {
			app.logger.Error("audit queue not drained", "error", err)
		}

		app.shutdownErr = app.closeResources(ctx)
		app.logger.Info("auth service stopped")
	})
	return app.shutdownErr
}

// closeResources releases connections in reverse order of creation. Nil
// resources are skipped so it also cleans up after a partial New.
func (app *Application) closeResources(ctx context.Context) error {
	var errs []error

	if app.mqtt != nil {
		app.mqtt.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis", "error", err)
			errs = append(errs, err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			errs = append(errs, err)
		}
	}
	if app.providers != nil {
		if err := app.providers.Shutdown(ctx); err != nil {
			app.logger.Error("error flushing telemetry", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// initTelemetry sets up tracing and metrics. Without an OTLP endpoint both
// stay in-process.
func (app *Application) initTelemetry(ctx context.Context) error {
	providers, err := telemetry.NewProviders(ctx, telemetry.Config{
		Endpoint:    app.cfg.OTLPEndpoint,
		Insecure:    app.cfg.OTLPInsecure,
		ServiceName: serviceName,
		Version:     BuildVersion,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	providers.SetGlobal()
	app.providers = providers

	metrics, err := telemetry.NewMetrics(providers.MeterProvider)
	if err != nil {
		_ = providers.Shutdown(ctx)
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	app.metrics = metrics
	return nil
}

// initStores opens the keystore, the relational database and, when
// configured, redis.
func (app *Application) initStores(ctx context.Context) error {
	keys, err := openKeystore(app.cfg, app.logger)
	if err != nil {
		return err
	}
	app.keys = keys

	db, err := openDatabase(ctx, app.cfg, app.logger)
	if err != nil {
		return err
	}
	app.db = db

	if app.cfg.RefreshStore == RefreshStoreRedis {
		rs, err := openRedis(ctx, app.cfg, app.logger)
		if err != nil {
			return err
		}
		app.redis = rs
	}
	return nil
}

// initNotifier connects to MQTT when a broker is configured. A broker that
// is down at startup is logged and rotation continues without notifications.
func (app *Application) initNotifier() {
	app.notifier = notify.Nop{}
	if app.cfg.MQTTBroker == "" {
		return
	}

	m, err := notify.NewMQTT(notify.MQTTConfig{
		Broker:      app.cfg.MQTTBroker,
		ClientID:    app.cfg.MQTTClientID,
		Username:    app.cfg.MQTTUsername,
		Password:    app.cfg.MQTTPassword,
		TopicPrefix: app.cfg.MQTTTopicPrefix,
		JWKSURL:     app.cfg.JWKSURL,
	}, app.logger)
	if err != nil {
		app.logger.Warn("key rotation notifications disabled", "broker", app.cfg.MQTTBroker, "error", err)
		return
	}

	app.mqtt = m
	app.notifier = m
	app.logger.Info("key rotation notifications enabled", "broker", app.cfg.MQTTBroker, "topic", notify.Topic(app.cfg.MQTTTopicPrefix))
}

// refreshTokens picks the configured refresh token store.
func (app *Application) refreshTokens() store.RefreshTokens {
	if app.redis != nil {
		return app.redis
	}
	return app.db.RefreshTokens()
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	app.auditRecorder = service.NewAuditRecorder(app.db.AuditLog(), app.logger, service.AuditConfig{
		BufferSize:  app.cfg.AuditBufferSize,
		MaxAttempts: app.cfg.AuditMaxAttempts,
		Metrics:     app.metrics,
	})

	app.keyRotationService = &service.KeyRotationService{
		Keys:         app.keys,
		Audit:        app.auditRecorder,
		Notifier:     app.notifier,
		Metrics:      app.metrics,
		Logger:       app.logger,
		Algorithm:    app.cfg.Algorithm,
		RSABits:      app.cfg.RSABits,
		GracePeriods: app.cfg.GracePeriods,
	}

	app.keyCache = service.NewKeyCache(app.keys, app.cfg.KeyCacheTTL, app.cfg.GracePeriods)

	app.tokenService = &service.TokenService{
		Rotation:  app.keyRotationService,
		Cache:     app.keyCache,
		Logger:    app.logger,
		Issuer:    app.cfg.Issuer,
		Audience:  app.cfg.Audience,
		AccessTTL: app.cfg.AccessTTL,
		Leeway:    app.cfg.Leeway,
	}

	tokens := app.refreshTokens()

	app.refreshService = &service.RefreshService{
		Tokens:         tokens,
		Credentials:    app.credentials,
		Audit:          app.auditRecorder,
		Metrics:        app.metrics,
		Logger:         app.logger,
		TTL:            app.cfg.RefreshTTL,
		StorageTimeout: app.cfg.StorageTimeout,
	}

	app.housekeepingService = service.NewHousekeepingService(tokens, app.logger, app.cfg.CleanupInterval)
	app.housekeepingService.AuditLog = app.db.AuditLog()
	app.housekeepingService.Cache = app.keyCache
	app.housekeepingService.Rotation = app.keyRotationService
	app.housekeepingService.RefreshRetention = app.cfg.RefreshRetention
	app.housekeepingService.AuditRetention = app.cfg.AuditRetention
	app.housekeepingService.KeyPurgeAfter = app.cfg.KeyPurgeAfter

	app.rotationScheduler = service.NewKeyRotationScheduler(app.keyRotationService, app.logger, app.cfg.RotationInterval)
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(app.tokenService, app.db, BuildVersion, app.logger)
	if app.redis != nil {
		router.RefreshStore = app.redis
	}
	if n := app.cfg.JWKSRateLimit; n > 0 {
		router.JWKSLimit = httpx.RateLimitConfig{
			RequestsPerWindow: n,
			Window:            time.Minute,
			Burst:             n,
		}
	}
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
