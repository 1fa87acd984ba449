package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/liquorledger/liquorledger/internal/observability"
	"github.com/liquorledger/liquorledger/internal/platform/cache"
	"github.com/liquorledger/liquorledger/internal/platform/db"
	"github.com/liquorledger/liquorledger/internal/reconcile"
	"github.com/liquorledger/liquorledger/internal/shared"
)

// Stores holds the connections shared by the server, the worker and the CLI.
type Stores struct {
	Pool *pgxpool.Pool
	// Redis is nil when Redis did not answer at startup; caching and
	// cross-process locks are then disabled and advisory locks remain.
	Redis *redis.Client
}

// OpenStores connects to Postgres and, best effort, to Redis.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	stores := &Stores{Pool: pool}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running without cache and distributed locks", slog.Any("error", err))
		return stores, nil
	}
	stores.Redis = client
	return stores, nil
}

// Close releases every connection.
func (s *Stores) Close(logger *slog.Logger) {
	if s == nil {
		return
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Checks lists the readiness probes for the stores.
func (s *Stores) Checks() map[string]Pinger {
	checks := map[string]Pinger{"postgres": s.Pool}
	if s.Redis != nil {
		checks["redis"] = PingFunc(func(ctx context.Context) error {
			return s.Redis.Ping(ctx).Err()
		})
	}
	return checks
}

// NewReconcileService wires the engine over the stores.
func NewReconcileService(cfg *Config, stores *Stores, logger *slog.Logger, metrics *observability.Metrics) (*reconcile.Service, *cache.Versioned) {
	balances := cache.NewVersioned(stores.Redis, cfg.BalanceCacheTTL)
	svc := reconcile.NewService(
		reconcile.NewRepository(stores.Pool),
		shared.NewAuditLogger(stores.Pool),
		reconcile.ServiceConfig{AllowNegativeBalance: cfg.LedgerAllowNegativeBalance},
		reconcile.WithLocker(cache.NewLocker(stores.Redis, cfg.LedgerLockTTL)),
		reconcile.WithCache(balances),
		reconcile.WithMetrics(metrics),
		reconcile.WithLogger(logger.With(slog.String("component", "reconcile"))),
	)
	return svc, balances
}
