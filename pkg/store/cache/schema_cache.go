package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sukryu/pStore/pkg/store/schema"
)

const (
	allClassesKey   = "__all_classes__"
	schemaKeyPrefix = "__schema:"
)

// SchemaCache keeps whole schemas in a Cache. Backend failures are logged and
// reported as misses so a broken cache never fails a request.
type SchemaCache struct {
	log   *zap.Logger
	cache Cache
	ttl   time.Duration
}

func NewSchemaCache(log *zap.Logger, c Cache, ttl time.Duration) *SchemaCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SchemaCache{log: log, cache: c, ttl: ttl}
}

// GetAllClasses returns the cached class list. ok is false on a miss; an
// empty list with ok true is a cached empty database.
func (c *SchemaCache) GetAllClasses(ctx context.Context) ([]*schema.Schema, bool) {
	val, ok := c.get(ctx, allClassesKey)
	if !ok {
		return nil, false
	}
	all, err := schema.UnmarshalSchemas([]byte(val))
	if err != nil {
		c.log.Warn("Failed to decode cached class list", zap.Error(err))
		return nil, false
	}
	return all, true
}

// SetAllClasses stores the list and every class in it.
func (c *SchemaCache) SetAllClasses(ctx context.Context, all []*schema.Schema) {
	if all == nil {
		all = []*schema.Schema{}
	}
	data, err := schema.MarshalSchemas(all)
	if err != nil {
		c.log.Warn("Failed to encode class list", zap.Error(err))
		return
	}
	c.put(ctx, allClassesKey, string(data))
	for _, s := range all {
		c.SetOneSchema(ctx, s.ClassName, s)
	}
}

func (c *SchemaCache) GetOneSchema(ctx context.Context, className string) (*schema.Schema, bool) {
	if val, ok := c.get(ctx, schemaKeyPrefix+className); ok {
		s, err := schema.UnmarshalSchema([]byte(val))
		if err == nil {
			return s, true
		}
		c.log.Warn("Failed to decode cached schema", zap.String("class", className), zap.Error(err))
	}
	all, ok := c.GetAllClasses(ctx)
	if !ok {
		return nil, false
	}
	for _, s := range all {
		if s.ClassName == className {
			return s, true
		}
	}
	return nil, false
}

func (c *SchemaCache) SetOneSchema(ctx context.Context, className string, s *schema.Schema) {
	data, err := schema.MarshalSchema(s)
	if err != nil {
		c.log.Warn("Failed to encode schema", zap.String("class", className), zap.Error(err))
		return
	}
	c.put(ctx, schemaKeyPrefix+className, string(data))
}

// Clear drops every schema entry.
func (c *SchemaCache) Clear(ctx context.Context) {
	if err := c.cache.Del(ctx, allClassesKey); err != nil {
		c.log.Warn("Failed to clear cached class list", zap.Error(err))
	}
	var err error
	if pc, ok := c.cache.(PrefixClearer); ok {
		err = pc.ClearPrefix(ctx, schemaKeyPrefix)
	} else {
		err = c.cache.Clear(ctx)
	}
	if err != nil {
		c.log.Warn("Failed to clear schema cache", zap.Error(err))
	}
}

func (c *SchemaCache) get(ctx context.Context, key string) (string, bool) {
	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("Schema cache get failed, falling back to storage", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return val, ok
}

func (c *SchemaCache) put(ctx context.Context, key, value string) {
	if err := c.cache.Put(ctx, key, value, c.ttl); err != nil {
		c.log.Warn("Schema cache put failed", zap.String("key", key), zap.Error(err))
	}
}
