package factory

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sukryu/pStore/internal/config"
	"github.com/sukryu/pStore/pkg/store/cache"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/dynamic/mongo"
	"github.com/sukryu/pStore/pkg/store/dynamic/sqlite"
)

// Error is the class of factory failures.
var Error = errs.Class("factory")

const redisPrefix = "pstore:"

// StoreFactory opens storage adapters and schema caches from configuration.
// Adapters are shared per database so every controller built from one
// factory sees the same storage.
type StoreFactory interface {
	NewAdapter(ctx context.Context, cfg config.DatabaseConfig) (dynamic.StorageAdapter, error)
	NewSchemaCache(ctx context.Context, cfg config.CacheConfig) (*cache.SchemaCache, error)
	Close() error
	GetStats() map[string]interface{}
}

type storeFactory struct {
	log      *zap.Logger
	mu       sync.RWMutex
	adapters map[string]dynamic.StorageAdapter
	closers  []func() error
}

func NewStoreFactory(log *zap.Logger) StoreFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &storeFactory{
		log:      log,
		adapters: make(map[string]dynamic.StorageAdapter),
	}
}

func (f *storeFactory) NewAdapter(ctx context.Context, cfg config.DatabaseConfig) (dynamic.StorageAdapter, error) {
	f.mu.RLock()
	a, exists := f.adapters[cfg.Key()]
	f.mu.RUnlock()

	if exists {
		return a, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if a, exists = f.adapters[cfg.Key()]; exists {
		return a, nil
	}

	a, err := f.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.adapters[cfg.Key()] = a
	f.log.Info("Opened storage adapter", zap.String("driver", cfg.Driver), zap.String("database", cfg.Name))
	return a, nil
}

func (f *storeFactory) open(ctx context.Context, cfg config.DatabaseConfig) (dynamic.StorageAdapter, error) {
	switch cfg.Driver {
	case "sqlite":
		a, err := sqlite.Open(f.log.Named("sqlite"), cfg.DSN)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "mongo":
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		a, err := mongo.Open(ctx, f.log.Named("mongo"), cfg.DSN, cfg.Name)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, Error.New("unsupported database driver %q", cfg.Driver)
}

// NewSchemaCache builds the cache backend named by cfg. A namespace keeps
// the entries of one application apart from others on the same backend.
func (f *storeFactory) NewSchemaCache(ctx context.Context, cfg config.CacheConfig) (*cache.SchemaCache, error) {
	var backend cache.Cache
	switch cfg.Driver {
	case "", "memory":
		backend = cache.NewMemory(cfg.TTL, cfg.CleanupInterval)
	case "redis":
		r, err := cache.OpenRedis(ctx, f.log.Named("cache"), cfg.Address, redisPrefix, cfg.TTL)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.closers = append(f.closers, r.Close)
		f.mu.Unlock()
		backend = r
	default:
		return nil, Error.New("unsupported cache driver %q", cfg.Driver)
	}
	if cfg.Namespace != "" {
		backend = cache.NewNamespaced(backend, cfg.Namespace)
	}
	return cache.NewSchemaCache(f.log.Named("cache"), backend, cfg.TTL), nil
}

func (f *storeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var group errs.Group
	for key, a := range f.adapters {
		group.Add(a.Close())
		delete(f.adapters, key)
	}
	for _, c := range f.closers {
		group.Add(c())
	}
	f.closers = nil
	return group.Err()
}

type statser interface {
	GetStats() map[string]interface{}
}

func (f *storeFactory) GetStats() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := make(map[string]interface{})
	for key, a := range f.adapters {
		if s, ok := a.(statser); ok {
			stats[key] = s.GetStats()
		}
	}
	return stats
}
