// Package app provides application initialization and dependency
// wiring. Setup builds every component in dependency order and returns
// a container whose Close releases them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ficous/sage/db"
	"github.com/ficous/sage/internal/cache"
	"github.com/ficous/sage/internal/chunker"
	"github.com/ficous/sage/internal/concept"
	"github.com/ficous/sage/internal/config"
	"github.com/ficous/sage/internal/index"
	"github.com/ficous/sage/internal/log"
	"github.com/ficous/sage/internal/notes"
	"github.com/ficous/sage/internal/provider"
	"github.com/ficous/sage/internal/resilience"
	"github.com/ficous/sage/internal/retrieval"
	"github.com/ficous/sage/internal/review"
	"github.com/ficous/sage/internal/sage"
	"github.com/ficous/sage/internal/summary"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	DBPool    *pgxpool.Pool
	Provider  *provider.Client
	Index     *index.Store
	Notes     *notes.Store
	Retriever *retrieval.Retriever
	Cache     *cache.Cache
	Summaries *summary.Maintainer
	Concepts  *concept.Store
	Cards     *review.Store
	Grader    *review.Grader
	Sage      *sage.Service

	redisClient *redis.Client
}

// Setup creates and initializes the application. On error everything
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Config{})
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	a.Provider = provideProvider(cfg, logger)

	a.Index, err = index.New(pool, a.Provider, chunker.DefaultChunkSize, chunker.DefaultOverlap, logger)
	if err != nil {
		return nil, fmt.Errorf("creating content index: %w", err)
	}

	a.Notes, err = notes.NewStore(pool, a.Index, logger)
	if err != nil {
		return nil, fmt.Errorf("creating note store: %w", err)
	}

	a.Retriever = retrieval.New(a.Provider, a.Index, logger)
	a.Cache = provideCache(ctx, a, cfg, logger)

	a.Summaries, err = summary.New(pool, a.Provider, a.Notes, logger)
	if err != nil {
		return nil, fmt.Errorf("creating summary maintainer: %w", err)
	}

	a.Concepts, err = concept.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating concept store: %w", err)
	}

	a.Cards, err = review.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating card store: %w", err)
	}

	a.Grader, err = review.NewGrader(a.Provider)
	if err != nil {
		return nil, fmt.Errorf("creating grader: %w", err)
	}

	a.Sage, err = sage.New(sage.Config{
		Notes:     a.Notes,
		Retriever: a.Retriever,
		Cache:     a.Cache,
		Completer: a.Provider,
		Summaries: a.Summaries,
		Concepts:  a.Concepts,
		Cards:     a.Cards,
		Grader:    a.Grader,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sage service: %w", err)
	}

	return a, nil
}

// Close gracefully releases all resources.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Warn("closing redis client", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
}

// provideDBPool runs migrations and creates the PostgreSQL pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func provideProvider(cfg *config.Config, logger log.Logger) *provider.Client {
	pcfg := provider.DefaultConfig(cfg.APIKey)
	pcfg.ChatModel = cfg.ChatModel
	pcfg.EmbeddingModel = cfg.EmbeddingModel
	pcfg.Dimension = cfg.Dimension
	pcfg.Retry.MaxAttempts = cfg.RetryMaxAttempts
	pcfg.Breaker = resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
	}
	return provider.New(pcfg, logger)
}

// provideCache selects the shared Redis backend when configured,
// falling back to the in-process map. A Redis that cannot be dialed at
// startup is reported and skipped; later backend errors degrade to
// cache misses.
func provideCache(ctx context.Context, a *App, cfg *config.Config, logger log.Logger) *cache.Cache {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid redis URL, using in-process cache", "error", err)
		} else {
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable, using in-process cache", "error", err)
				_ = client.Close()
			} else {
				a.redisClient = client
				return cache.New(cache.NewRedis(client, logger), cfg.CacheTTL(), logger)
			}
		}
	}
	return cache.New(cache.NewMemory(), cfg.CacheTTL(), logger)
}
