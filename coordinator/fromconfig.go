package coordinator

import (
	"context"
	"time"

	"github.com/agentuity/plotcache/cache"
	"github.com/agentuity/plotcache/config"
	"github.com/agentuity/plotcache/logger"
	"github.com/agentuity/plotcache/session"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// ownedRedisBackend closes the client it was opened with.
type ownedRedisBackend struct {
	cache.Backend
	client *redis.Client
}

func (b *ownedRedisBackend) Stats(ctx context.Context) (cache.BackendStats, error) {
	return b.Backend.(cache.BackendStatser).Stats(ctx)
}

func (b *ownedRedisBackend) Close() error {
	return errors.CombineErrors(b.Backend.Close(), b.client.Close())
}

// OpenBackend opens the persistent backend named by cfg: the SQLite file at
// persistentPath or the Redis server at redisURL. The returned backend owns
// any connection it opened.
func OpenBackend(ctx context.Context, cfg *config.Config, log logger.Logger) (cache.Backend, error) {
	opts := []cache.Option{
		cache.WithMaxBytes(int64(cfg.PersistentMaxBytes)),
		cache.WithQueryTimeout(time.Duration(cfg.QueryTimeout)),
		cache.WithPrefix(cfg.RedisPrefix),
	}
	switch {
	case cfg.PersistentPath != "":
		backend, err := cache.NewSQLiteBackend(ctx, cfg.PersistentPath, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "error opening persistent cache %s", cfg.PersistentPath)
		}
		log.Debug("persistent cache at %s", cfg.PersistentPath)
		return backend, nil
	case cfg.RedisURL != "":
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing redisURL")
		}
		client := redis.NewClient(ropts)
		pctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.QueryTimeout))
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			// the breaker takes over from here; lookups miss until redis is back.
			log.Warn("persistent cache redis at %s is not reachable: %v", ropts.Addr, err)
		} else {
			log.Debug("persistent cache at redis %s prefix %s", ropts.Addr, cfg.RedisPrefix)
		}
		return &ownedRedisBackend{Backend: cache.NewRedisBackend(client, opts...), client: client}, nil
	}
	return nil, errors.Wrap(ErrScopeNotConfigured, "no persistentPath or redisURL")
}

// NewFromConfig returns a Coordinator wired from cfg. Options are applied
// after the ones derived from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = cfg.Logger()
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	maxBytes := int64(cfg.MaxBytes)
	memory := func() cache.Store { return cache.NewMemory(cache.WithMaxBytes(maxBytes)) }

	var fitter Fitter = ClientFit{}
	if cfg.ImageFit {
		fitter = ImageFit{}
	}
	base := []Option{
		WithLogger(log),
		WithPolicy(policy),
		WithProcessStore(memory()),
		WithSessions(session.NewManager(memory)),
		WithFitter(fitter),
		WithDefaultScope(cfg.DefaultScope()),
	}
	var persistent cache.Store
	if cfg.HasPersistentBackend() {
		backend, err := OpenBackend(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		persistent = cache.NewTiered(memory(), cache.NewPersistent(backend,
			cache.WithMaxBytes(int64(cfg.PersistentMaxBytes)),
			cache.WithBreaker(cfg.Breaker()),
		))
		base = append(base, WithPersistentStore(persistent))
	}
	c, err := New(append(base, opts...)...)
	if err != nil {
		if persistent != nil {
			persistent.Close()
		}
		return nil, err
	}
	return c, nil
}
