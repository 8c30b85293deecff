package factory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sukryu/pStore/internal/config"
	"github.com/sukryu/pStore/pkg/store/schema"
)

func TestStoreFactory_NewAdapter(t *testing.T) {
	f := NewStoreFactory(zaptest.NewLogger(t))
	t.Cleanup(func() { assert.NoError(t, f.Close()) })
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}

	a, err := f.NewAdapter(ctx, cfg)
	require.NoError(t, err)
	again, err := f.NewAdapter(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = a.CreateClass(ctx, "Stuff", schema.InjectDefaultSchema(&schema.Schema{ClassName: "Stuff"}))
	require.NoError(t, err)
	exists, err := again.ClassExists(ctx, "Stuff")
	require.NoError(t, err)
	assert.True(t, exists)

	stats := f.GetStats()
	require.Contains(t, stats, cfg.Key())
	assert.Contains(t, stats[cfg.Key()], "open_connections")

	_, err = f.NewAdapter(ctx, config.DatabaseConfig{Driver: "postgres", DSN: "x"})
	assert.True(t, Error.Has(err))
}

func TestStoreFactory_NewSchemaCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	stuff := []*schema.Schema{schema.InjectDefaultSchema(&schema.Schema{ClassName: "Stuff"})}

	tests := []struct {
		name string
		cfg  config.CacheConfig
	}{
		{name: "memory", cfg: config.CacheConfig{Driver: "memory", TTL: time.Minute, CleanupInterval: time.Minute}},
		{name: "memory namespaced", cfg: config.CacheConfig{Driver: "memory", Namespace: "app1", TTL: time.Minute}},
		{name: "redis namespaced", cfg: config.CacheConfig{Driver: "redis", Address: "redis://" + mr.Addr(), Namespace: "app1", TTL: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewStoreFactory(zaptest.NewLogger(t))
			t.Cleanup(func() { assert.NoError(t, f.Close()) })

			sc, err := f.NewSchemaCache(ctx, tt.cfg)
			require.NoError(t, err)
			sc.SetAllClasses(ctx, stuff)
			all, ok := sc.GetAllClasses(ctx)
			require.True(t, ok)
			require.Len(t, all, 1)
			assert.Equal(t, "Stuff", all[0].ClassName)
		})
	}

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, redisPrefix+"app1:")
	}

	f := NewStoreFactory(nil)
	_, err := f.NewSchemaCache(ctx, config.CacheConfig{Driver: "memcached"})
	assert.True(t, Error.Has(err))
}
