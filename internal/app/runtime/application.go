// Package runtime wires the circulation service to its backends: the repository
// selected by BACKEND, the catalog cache, cover storage and the realtime feed.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/librarysingkat/circulation/internal/cache"
	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/database"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/metrics"
	"github.com/librarysingkat/circulation/internal/middleware"
	"github.com/librarysingkat/circulation/services/circulation"
	"github.com/librarysingkat/circulation/services/circulation/postgres"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
	"github.com/librarysingkat/circulation/supabase/client"
)

// Options configures New.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Tokens supplies the caller's access token so PostgREST applies row level
	// security as that user. Nil uses the anon key.
	Tokens supabase.TokenSource
	// Realtime enables the change feed when the config also enables it.
	Realtime bool
}

// Application holds the wired service and the connections it owns.
type Application struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Supabase *client.Client
	Service  *circulation.Service

	db     *sqlx.DB
	redis  *redis.Client
	memory *cache.MemoryStore
}

// realtimeTokenTTL bounds the token minted for each realtime connection.
const realtimeTokenTTL = time.Hour

// New connects the configured backends and builds the circulation service.
func New(ctx context.Context, opts Options) (*Application, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("runtime requires a config")
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(circulation.ServiceID, cfg.LogLevel, cfg.LogFormat)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	app := &Application{Config: cfg, Logger: opts.Logger, Metrics: opts.Metrics}

	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		sb, err := app.newSupabaseClient()
		if err != nil {
			return nil, err
		}
		app.Supabase = sb
	}

	repo, err := app.newRepository(ctx, opts.Tokens)
	if err != nil {
		app.Close()
		return nil, err
	}

	store, err := app.newCacheStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	svcCfg := circulation.Config{
		Repository: repo,
		Cache:      store,
		Metrics:    opts.Metrics,
		Logger:     opts.Logger,
		Policy:     cfg.Policy,
	}
	if app.Supabase != nil && cfg.Policy.CoverBucket != "" {
		svcCfg.Covers = app.Supabase.Storage().From(cfg.Policy.CoverBucket)
	}
	if opts.Realtime && cfg.RealtimeEnabled && app.Supabase != nil {
		rt := client.NewRealtimeClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
		if cfg.SupabaseJWTSecret != "" {
			rt.SetTokenSource(realtimeTokens(middleware.NewAuthMiddleware(cfg.SupabaseJWTSecret, opts.Logger, nil), opts.Logger))
		} else {
			opts.Logger.Warn("SUPABASE_JWT_SECRET not set; realtime joins with the anon key and loan changes will not be delivered")
		}
		svcCfg.Realtime = rt
	}

	svc, err := circulation.New(svcCfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Service = svc

	opts.Logger.WithFields(map[string]interface{}{
		"backend":  cfg.Backend,
		"cache":    cacheKind(app.redis),
		"realtime": svcCfg.Realtime != nil,
		"covers":   svcCfg.Covers != nil,
	}).Info("Circulation runtime ready")
	return app, nil
}

// realtimeTokens mints an authenticated token per realtime connection so row
// level security lets loan changes through. Errors fall back to the anon key.
func realtimeTokens(issuer *middleware.AuthMiddleware, logger *logging.Logger) func() string {
	return func() string {
		token, err := issuer.IssueToken(circulation.ServiceID+"-realtime", realtimeTokenTTL)
		if err != nil {
			logger.WithError(err).Warn("Failed to mint realtime token")
			return ""
		}
		return token
	}
}

func (a *Application) newSupabaseClient() (*client.Client, error) {
	sb, _, err := client.NewEnhanced(client.EnhancedConfig{
		Config: client.Config{
			URL:    a.Config.SupabaseURL,
			APIKey: a.Config.SupabaseAnonKey,
		},
		RetryConfig:          client.DefaultRetryConfig(),
		CircuitBreakerConfig: client.DefaultCircuitBreakerConfig(),
		EnableResilience:     true,
		OnRetry: func(req *http.Request, attempt int, cause error) {
			a.Metrics.RecordRetry(req.Method)
			a.Logger.WithFields(map[string]interface{}{
				"method":  req.Method,
				"path":    req.URL.Path,
				"attempt": attempt,
			}).WithError(cause).Debug("Retrying Supabase request")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return sb, nil
}

func (a *Application) newRepository(ctx context.Context, tokens supabase.TokenSource) (supabase.Repository, error) {
	switch a.Config.Backend {
	case config.BackendPostgres:
		db, err := database.Open(ctx, a.Config.DatabaseURL, database.DefaultOptions())
		if err != nil {
			return nil, err
		}
		a.db = db
		return postgres.New(db, a.Metrics), nil
	default:
		if a.Supabase == nil {
			return nil, fmt.Errorf("supabase backend requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
		opts := []supabase.Option{supabase.WithRecorder(a.Metrics)}
		if tokens != nil {
			opts = append(opts, supabase.WithTokenSource(tokens))
		}
		return supabase.NewRepository(a.Supabase, opts...), nil
	}
}

func (a *Application) newCacheStore(ctx context.Context) (cache.Store, error) {
	if a.Config.RedisURL == "" {
		a.memory = cache.NewMemoryStore()
		return a.memory, nil
	}
	rdb, err := cache.NewRedisClient(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.redis = rdb
	return cache.NewRedisStore(rdb, circulation.ServiceID+":"), nil
}

// StartCacheEviction drops expired entries from the in-process cache every
// interval until ctx is done. It does nothing when Redis backs the cache.
func (a *Application) StartCacheEviction(ctx context.Context, interval time.Duration) {
	if a.memory == nil {
		return
	}
	a.memory.StartEviction(ctx, interval, func(evicted, remaining int) {
		if evicted > 0 {
			a.Logger.WithFields(map[string]interface{}{
				"evicted":   evicted,
				"remaining": remaining,
			}).Debug("Evicted expired cache entries")
		}
	})
}

// DB is the Postgres handle in BACKEND=postgres mode, otherwise nil.
func (a *Application) DB() *sqlx.DB {
	return a.db
}

// Close releases the database and Redis connections.
func (a *Application) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing database connection")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing redis connection")
		}
	}
}

func cacheKind(rdb *redis.Client) string {
	if rdb != nil {
		return "redis"
	}
	return "memory"
}
