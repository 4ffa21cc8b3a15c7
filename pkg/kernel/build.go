package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/govkernel/pkg/config"
	"github.com/Mindburn-Labs/govkernel/pkg/policy"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
	"github.com/Mindburn-Labs/govkernel/pkg/sandbox"
)

// Build opens every component described by cfg and pol and returns a kernel
// that owns them. pol may be nil for built-in defaults. Close releases the
// recorder, the Redis client and the Postgres pool.
func Build(ctx context.Context, cfg *config.Config, pol *config.KernelPolicy, opts ...Option) (*Kernel, error) {
	if pol == nil {
		pol = &config.KernelPolicy{}
	}
	logger := slog.Default()
	var closers []func() error
	fail := func(err error) (*Kernel, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	limiter, closeLimiter := limiterStore(cfg, pol.RateLimiter)
	if closeLimiter != nil {
		closers = append(closers, closeLimiter)
	}

	engineOpts := []policy.Option{
		policy.WithLimiterStore(limiter),
		policy.WithLogger(logger.With("component", "policy")),
	}
	if pol.DefaultQuota != nil {
		engineOpts = append(engineOpts, policy.WithDefaultQuota(*pol.DefaultQuota))
	}
	if len(pol.Rules) > 0 {
		engineOpts = append(engineOpts, policy.WithRules(pol.Rules))
	}
	engine, err := policy.NewEngine(engineOpts...)
	if err != nil {
		return fail(fmt.Errorf("policy engine: %w", err))
	}
	for _, spec := range pol.Quotas {
		engine.SetQuota(spec.AgentID, policy.NewQuotaFromSpec(spec))
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("quota database: %w", err))
		}
		closers = append(closers, db.Close)
		if err := engine.LoadQuotas(ctx, policy.NewPostgresQuotaStore(db)); err != nil {
			return fail(err)
		}
	}

	sb := sandbox.New(pol.SandboxConfig(), sandbox.WithLogger(logger.With("component", "sandbox")))

	rec, err := recorder.Open(ctx, cfg.DBPath,
		recorder.WithBatchSize(cfg.BatchSize),
		recorder.WithFlushInterval(cfg.FlushInterval),
		recorder.WithLogger(logger.With("component", "flight_recorder")),
	)
	if err != nil {
		return fail(fmt.Errorf("flight recorder: %w", err))
	}
	closers = append(closers, rec.Close)

	opts = append([]Option{WithShadowMode(cfg.ShadowMode || pol.ShadowMode)}, opts...)
	k := New(engine, sb, rec, opts...)
	k.closers = closers
	k.logger.InfoContext(ctx, "kernel ready",
		"db_path", cfg.DBPath,
		"shadow_mode", k.shadow,
		"quotas", len(pol.Quotas),
		"rules", len(engine.Rules()),
		"rate_limiter", pol.RateLimiter.Kind,
	)
	return k, nil
}

// limiterStore picks the rate limiter backend. A Redis address in the
// environment selects Redis when the policy does not name a kind.
func limiterStore(cfg *config.Config, rl config.RateLimiterConfig) (policy.LimiterStore, func() error) {
	kind := rl.Kind
	addr := rl.RedisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	if kind == "" && addr != "" {
		kind = config.LimiterRedis
	}

	switch kind {
	case config.LimiterTokenBucket:
		return policy.NewTokenBucketStore(), nil
	case config.LimiterRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
		})
		return policy.NewRedisSlidingWindowStoreWithClient(rdb), rdb.Close
	default:
		return policy.NewSlidingWindowStore(), nil
	}
}
