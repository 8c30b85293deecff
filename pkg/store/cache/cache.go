package cache

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of cache backend failures.
var Error = errs.Class("cache")

// Cache is a string key/value store with per-entry TTL. A ttl of zero means
// the backend default.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// PrefixClearer is implemented by backends that can drop a key range.
type PrefixClearer interface {
	ClearPrefix(ctx context.Context, prefix string) error
}
