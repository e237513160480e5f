// Package main is the entry point for the claimflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/audit"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/events"
	"github.com/pitabwire/claimflow/internal/filestore"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/maintenance"
	"github.com/pitabwire/claimflow/internal/notification"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/transport"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// claimStore is the claim persistence the server and the orphan sweep share.
type claimStore interface {
	workflow.ClaimStore
	maintenance.ReferenceSource
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open stores.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	claims, closeClaims, err := buildClaimStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("claim store initialization failed", zap.Error(err))
		return 1
	}
	closers = append(closers, closeClaims)

	auditStore, closeAudit, err := buildAuditStore(ctx, cfg.Audit.Store, logger)
	if err != nil {
		logger.Error("audit store initialization failed", zap.Error(err))
		return 1
	}
	closers = append(closers, closeAudit)

	notes, closeNotes, err := buildNotificationStore(ctx, cfg.Notifications, logger)
	if err != nil {
		logger.Error("notification store initialization failed", zap.Error(err))
		return 1
	}
	closers = append(closers, closeNotes)
	notifier := notification.NewService(notes, notification.StaticDirectory(cfg.Notifications.AdminIDs), logger)

	blobs, err := buildBlobStore(ctx, cfg.Blobs, logger)
	if err != nil {
		logger.Error("blob store initialization failed", zap.Error(err))
		return 1
	}

	idem, closeIdem, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	closers = append(closers, closeIdem)

	// Step 5: Build the workflow engine and its event gateway.
	gateway, err := events.NewGateway(cfg.Events, auditStore, notifier, logger, metrics)
	if err != nil {
		logger.Error("event gateway initialization failed", zap.Error(err))
		return 1
	}

	required, err := requiredDocuments(cfg.Workflow.RequiredDocuments)
	if err != nil {
		logger.Error("invalid required documents", zap.Error(err))
		return 1
	}
	engine := workflow.NewEngine(claims, workflow.NewEvaluator(required...), gateway, logger,
		workflow.WithMetrics(metrics),
		workflow.WithBlobDeleter(blobs),
	)

	// Step 6: Build the HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		ClaimStore:        claims,
		AuditStore:        auditStore,
		NotificationStore: notifier,
		BlobStore:         blobs,
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}

	deps := transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Engine:        engine,
		Blobs:         blobs,
		Audit:         auditStore,
		Notifications: notifier,
		Authenticate:  transport.JWTAuthenticator(cfg.Identity, jwks, logger),
		Readiness:     readiness,
	}
	if idem != nil {
		deps.Idempotency = idem
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Start background jobs.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Maintenance.OrphanSweepInterval > 0 {
		sweeper := maintenance.NewSweeper(claims, blobs, cfg.Maintenance.OrphanGracePeriod, logger, metrics)
		go sweeper.Run(bgCtx, cfg.Maintenance.OrphanSweepInterval)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("required_documents", documentNames(engine.Evaluator().Required())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// Step 8: Graceful shutdown. Requests drain first, then queued events,
	// then the stores the events write to.
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

	if err := gateway.Close(shutdownCtx); err != nil {
		logger.Error("event gateway shutdown error", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildClaimStore creates the claim store based on config.
func buildClaimStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (claimStore, func(), error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory claim store")
		return workflow.NewMemoryClaimStore(), func() {}, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("claim store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("claim store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("claim store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("claim store: ping: %w", err)
	}

	store := workflow.NewPgClaimStore(pool)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	logger.Info("connected to PostgreSQL claim store")
	return store, pool.Close, nil
}

// buildAuditStore creates the audit store based on config.
func buildAuditStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (audit.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory audit store")
		return audit.NewMemoryStore(), func() {}, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("audit store: %s environment variable not set", cfg.DSNEnv)
	}
	store, err := audit.OpenPgStore(dsn, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Warn("audit store close failed", zap.Error(err))
		}
	}
	if err := store.HealthCheck(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("audit store: ping: %w", err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	logger.Info("connected to PostgreSQL audit store")
	return store, closeStore, nil
}

// buildNotificationStore creates the notification inbox store based on config.
func buildNotificationStore(ctx context.Context, cfg config.NotificationsConfig, logger *zap.Logger) (notification.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory notification store")
		return notification.NewMemoryStore(), func() {}, nil
	}

	client, err := connectRedis(ctx, cfg.AddrEnv, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("notification store: %w", err)
	}
	logger.Info("connected to Redis notification store")
	return notification.NewRedisStore(client), func() { _ = client.Close() }, nil
}

// buildBlobStore creates the document blob store based on config.
func buildBlobStore(ctx context.Context, cfg config.BlobsConfig, logger *zap.Logger) (filestore.BlobStore, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory blob store; documents are lost on restart")
		return filestore.NewMemoryStore(), nil
	}

	store, err := filestore.NewMinioStore(ctx, cfg.Endpoint,
		os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv), cfg.UseSSL, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to object storage",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)
	return store, nil
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotent replay is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.Store.Driver == "memory" {
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	}

	client, err := connectRedis(ctx, cfg.Store.AddrEnv, cfg.Store.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("idempotency store: %w", err)
	}
	logger.Info("connected to Redis idempotency store")
	return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func connectRedis(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}

// requiredDocuments parses the configured required document types. An empty
// list keeps the default set.
func requiredDocuments(raw []string) ([]model.DocumentType, error) {
	out := make([]model.DocumentType, 0, len(raw))
	for _, r := range raw {
		t, err := model.ParseDocumentType(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func documentNames(types []model.DocumentType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
