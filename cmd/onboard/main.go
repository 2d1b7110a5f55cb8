// Package main is the entry point for the DROP vendor onboarding server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/backend"
	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/internal/identity"
	"github.com/pitabwire/droponboard/internal/metadata"
	"github.com/pitabwire/droponboard/internal/notify"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/openapi"
	"github.com/pitabwire/droponboard/internal/session"
	"github.com/pitabwire/droponboard/internal/submission"
	"github.com/pitabwire/droponboard/internal/transport"
	"github.com/pitabwire/droponboard/internal/upload"
	"github.com/pitabwire/droponboard/internal/validation"
	"github.com/pitabwire/droponboard/internal/wizard"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	restoreGlobals := zap.ReplaceGlobals(logger)
	defer restoreGlobals()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "drop-onboard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the backend contract, if one is configured.
	var contract *openapi.Index
	if cfg.Backend.SpecFile != "" {
		contract = openapi.NewIndex()
		if err := contract.Load(cfg.Backend.SpecFile, ""); err != nil {
			logger.Error("OpenAPI contract load failed", zap.Error(err))
			return 1
		}
		metrics.SetOpenAPIOperationsIndexed(float64(len(contract.AllOperationIDs())))
	}

	// Step 5: Load definitions, validate, compile rules, build registry.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	if verrs := definition.NewValidator().Validate(defs, contract); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	validators, err := validation.CompileAll(defs)
	if err != nil {
		logger.Error("validation rule compilation failed", zap.Error(err))
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(len(defs)))

	// Step 6: Initialize the session store.
	store, storeCloser, err := buildSessionStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Initialize the idempotency store (optional).
	receipts, receiptsCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	// Step 8: Open the upload bucket.
	bucket, err := upload.OpenBucket(ctx, cfg.Uploads.BucketURL)
	if err != nil {
		logger.Error("upload bucket initialization failed", zap.Error(err))
		return 1
	}
	uploads := upload.NewStore(bucket, cfg.Uploads.MaxBytes, upload.WithMetrics(metrics))

	// Step 9: Build backend clients, each behind its own circuit breaker.
	newClient := func(name, endpoint string) *backend.Client {
		cb := cfg.Backend.CircuitBreaker
		return backend.NewClient(name, endpoint,
			backend.WithTimeout(cfg.Backend.Timeout),
			backend.WithCircuitBreaker(backend.NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)),
			backend.WithMetrics(metrics),
			backend.WithLogger(logger),
		)
	}
	identityBackend := newClient("identity", cfg.Backend.IdentityEndpoint)
	createBackend := newClient("create", cfg.Backend.CreateEndpoint)
	identityClient := identity.NewClient(identityBackend)

	gwOpts := []submission.GatewayOption{
		submission.WithFileSource(uploads),
		submission.WithLogger(logger),
	}
	if contract != nil {
		gwOpts = append(gwOpts, submission.WithContract(contract))
	}
	gateway := submission.NewGateway(createBackend, gwOpts...)

	// Step 10: Build the wizard controller and providers.
	ctrlOpts := []wizard.Option{
		wizard.WithIdentityVerifier(identityClient),
		wizard.WithMetrics(metrics),
		wizard.WithLogger(logger),
		wizard.WithSessionTTL(cfg.Session.TTL),
		wizard.WithStaleSubmitAfter(cfg.Session.StaleSubmitAfter),
	}
	if receipts != nil {
		ctrlOpts = append(ctrlOpts, wizard.WithIdempotencyStore(receipts, cfg.Idempotency.Store.DefaultTTL))
	}
	controller := wizard.NewController(registry, validators, store, gateway, ctrlOpts...)
	descriptors := metadata.NewSessionProvider(registry)

	sessions, err := session.NewManager(cfg.Session)
	if err != nil {
		logger.Error("session manager initialization failed", zap.Error(err))
		return 1
	}

	// Step 11: Build HTTP router.
	sessionCheck := observability.Check{}
	if hc, ok := store.(observability.HealthChecker); ok {
		sessionCheck = observability.Depends("session_store", hc)
	}
	receiptCheck := observability.Check{}
	if hc, ok := receipts.(observability.HealthChecker); ok {
		receiptCheck = observability.Depends("idempotency_store", hc)
	}
	identityCheck := observability.Depends("identity_backend", identityBackend)
	identityCheck.Soft = true
	createCheck := observability.Depends("create_backend", createBackend)
	createCheck.Soft = true

	readiness := observability.NewReadiness(
		observability.Loaded("definitions", func() bool { return len(registry.AllWizards()) > 0 }, "no wizard definitions loaded"),
		observability.Loaded("openapi_index", func() bool {
			return contract == nil || len(contract.AllOperationIDs()) > 0
		}, "backend contract has no operations"),
		sessionCheck,
		observability.Depends("upload_store", uploads),
		receiptCheck,
		identityCheck,
		createCheck,
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Registry:    registry,
		Controller:  controller,
		Descriptors: descriptors,
		Sessions:    sessions,
		Uploads:     uploads,
		Metrics:     metrics,
		Readiness:   readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Session.SweepInterval > 0 {
		go runSessionSweeper(bgCtx, controller, uploads, cfg.Session.SweepInterval, logger)
	}
	if cfg.Notify.Enabled {
		listener := notify.NewListener(cfg.Notify.URL, cfg.Notify.EventTypes, cfg.Notify.DialTimeout, logger)
		listener.Handle(notify.LogHandler(logger))
		listener.Handle(notify.MetricsHandler(metrics))
		go func() {
			if err := listener.Run(bgCtx); err != nil {
				logger.Error("notification channel closed", zap.Error(err))
			}
		}()
	}

	// Step 13: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("wizards", len(defs)),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if receiptsCloser != nil {
		receiptsCloser()
	}
	if err := uploads.Close(); err != nil {
		logger.Error("upload bucket close error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSessionStore creates the wizard session store based on config.
func buildSessionStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (wizard.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory session store; sessions do not survive restarts")
		return wizard.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("session store: ping redis: %w", err)
		}
		return wizard.NewRedisStore(client, cfg.KeyPrefix), func() { client.Close() }, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		store := wizard.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: migrate: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the submission receipt cache based on config.
// It returns nil when idempotency keys are disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (wizard.IdempotencyStore, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			logger.Warn("idempotency redis address not configured, using in-memory store",
				zap.String("env", cfg.Store.AddrEnv))
			return submission.NewMemoryReceiptStore(), nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		return submission.NewRedisReceiptStore(client), func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return submission.NewMemoryReceiptStore(), nil
	}
}

// runSessionSweeper periodically deletes expired sessions and their uploads.
func runSessionSweeper(ctx context.Context, controller *wizard.Controller, uploads *upload.Store, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := controller.ExpireSessions(ctx)
			if err != nil {
				logger.Error("session sweep failed", zap.Error(err))
			}
			for _, id := range deleted {
				if err := uploads.DeleteSession(ctx, id); err != nil {
					logger.Warn("failed to delete uploads for expired session",
						zap.String("session_id", id), zap.Error(err))
				}
			}
			if len(deleted) > 0 {
				logger.Info("expired sessions swept", zap.Int("count", len(deleted)))
			}
		}
	}
}
