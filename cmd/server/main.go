package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"gatekeeper/internal/authz"
	"gatekeeper/internal/events"
	"gatekeeper/internal/events/kafka"
	"gatekeeper/internal/events/logpub"
	eventredis "gatekeeper/internal/events/redis"
	"gatekeeper/internal/identity"
	"gatekeeper/internal/identity/backend"
	"gatekeeper/internal/identity/keyset"
	identityMetrics "gatekeeper/internal/identity/metrics"
	"gatekeeper/internal/identity/token"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/httpserver"
	"gatekeeper/internal/platform/logger"
	"gatekeeper/internal/platform/metrics"
	platformredis "gatekeeper/internal/platform/redis"
	sessionHandler "gatekeeper/internal/sessions/handler"
	sessionMetrics "gatekeeper/internal/sessions/metrics"
	"gatekeeper/internal/sessions/service"
	"gatekeeper/internal/sessions/store/memory"
	"gatekeeper/internal/sessions/store/postgres"
	sessionredis "gatekeeper/internal/sessions/store/redis"
	httptransport "gatekeeper/internal/transport/http"
	"gatekeeper/pkg/platform/circuit"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("gatekeeper stopped", "error", err)
		os.Exit(1)
	}
}

// infra holds connections that outlive a single component and must be closed
// on shutdown.
type infra struct {
	redis *platformredis.Client
	db    *sql.DB
}

func (i *infra) close(log *slog.Logger) {
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			log.Warn("failed to close redis client", "error", err)
		}
	}
	if i.db != nil {
		if err := i.db.Close(); err != nil {
			log.Warn("failed to close database", "error", err)
		}
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deps infra
	defer deps.close(log)

	if cfg.Redis.URL != "" {
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		deps.redis = client
		log.Info("connected to redis")
	}
	if cfg.SessionStore == config.StorePostgres {
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		deps.db = db
		log.Info("connected to postgres")
	}

	publisher, err := buildPublisher(ctx, cfg, deps, log)
	if err != nil {
		return err
	}
	emitter := events.NewEmitter(publisher, log)

	store, locker, err := buildSessionStore(ctx, cfg, deps, log)
	if err != nil {
		return err
	}
	sessions, err := service.New(store, locker, service.Config{MaxSessions: cfg.MaxSessions},
		service.WithEmitter(emitter),
		service.WithLogger(log),
		service.WithMetrics(sessionMetrics.New()),
	)
	if err != nil {
		return err
	}

	idMetrics := identityMetrics.New()
	keys := keyset.New(
		keyset.WithMaxAge(cfg.JWKSMaxAge),
		keyset.WithRefreshCooldown(cfg.JWKSCooldown),
		keyset.WithFetchTimeout(cfg.JWKSFetchTimeout),
		keyset.WithLogger(log),
		keyset.WithMetrics(idMetrics),
	)
	verifier := token.NewVerifier(keys, cfg.JWKSURL,
		token.WithClaimsCache(cfg.TokenCacheSize, cfg.TokenCacheTTL),
		token.WithMetrics(idMetrics),
	)
	resolver := backend.New(cfg.AuthBackendURL,
		backend.WithSessionPath(cfg.AuthBackendSessionPath),
		backend.WithTimeout(cfg.AuthBackendTimeout),
		backend.WithBreaker(circuit.New("auth-backend")),
		backend.WithLogger(log),
		backend.WithMetrics(idMetrics),
	)
	assembler := identity.NewAssembler(resolver, verifier, cfg.Issuer, cfg.Audience,
		identity.WithRevocationChecker(sessions),
		identity.WithLogger(log),
		identity.WithMetrics(idMetrics),
	)

	corsOptions := httptransport.DefaultCORSOptions(cfg.CORSOrigins)
	router := httptransport.NewRouter(httptransport.RouterOptions{
		Logger:         log,
		Identity:       assembler,
		Sessions:       sessionHandler.New(sessions, log),
		AdminAPIToken:  cfg.AdminAPIToken,
		CORSOptions:    &corsOptions,
		HTTPMetrics:    metrics.New(),
		AuthzMetrics:   authz.NewMetrics(),
		HealthChecks:   healthChecks(deps),
		MetricsHandler: metrics.Handler(),
	})
	if cfg.AdminAPIToken == "" {
		log.Warn("ADMIN_API_TOKEN not set, internal session routes are disabled")
	}

	srv := httpserver.New(cfg.Addr, router, log)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("gatekeeper listening",
			"addr", cfg.Addr,
			"session_store", cfg.SessionStore,
			"event_bus", cfg.EventBus,
			"max_sessions", cfg.MaxSessions,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}
	// Flush queued events before the bus connections go away.
	if err := emitter.Close(shutdownCtx); err != nil {
		log.Warn("event emitter did not drain", "error", err)
	}
	published, failed, dropped := emitter.Stats()
	log.Info("gatekeeper stopped",
		"events_published", published,
		"events_failed", failed,
		"events_dropped", dropped,
	)
	return nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

func buildSessionStore(ctx context.Context, cfg config.Server, deps infra, log *slog.Logger) (service.Store, service.Locker, error) {
	switch cfg.SessionStore {
	case config.StoreRedis:
		return sessionredis.New(deps.redis.Client),
			sessionredis.NewLocker(deps.redis.Client,
				sessionredis.WithLockWait(cfg.LockWait),
				sessionredis.WithLockerLogger(log),
			), nil
	case config.StorePostgres:
		store := postgres.New(deps.db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate session schema: %w", err)
		}
		return store, postgres.NewAdvisoryLocker(deps.db,
			postgres.WithLockTimeout(cfg.LockWait),
			postgres.WithLockerLogger(log),
		), nil
	default:
		log.Warn("using in-memory session store, sessions are lost on restart and not shared across instances")
		return memory.New(), memory.NewLocker(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Server, deps infra, log *slog.Logger) (events.Publisher, error) {
	switch cfg.EventBus {
	case config.BusRedis:
		return eventredis.New(deps.redis.Client, eventredis.WithChannel(cfg.EventsTopic)), nil
	case config.BusKafka:
		pub, err := kafka.New(ctx, kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.EventsTopic})
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return logpub.New(log), nil
	}
}

func healthChecks(deps infra) map[string]httptransport.HealthCheck {
	checks := map[string]httptransport.HealthCheck{}
	if deps.redis != nil {
		checks["redis"] = deps.redis.Health
	}
	if deps.db != nil {
		checks["postgres"] = deps.db.PingContext
	}
	return checks
}
