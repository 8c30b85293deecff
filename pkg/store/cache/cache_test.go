package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sukryu/pStore/pkg/store/schema"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	server := miniredis.RunT(t)
	r, err := OpenRedis(context.Background(), zaptest.NewLogger(t), "redis://"+server.Addr(), "pstore:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return server, r
}

func testBackend(t *testing.T, c Cache) {
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "empty", "", 0))
	val, ok, err := c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok, "an empty value is a hit")
	assert.Equal(t, "", val)

	require.NoError(t, c.Put(ctx, "a", "1", 0))
	require.NoError(t, c.Put(ctx, "b", "2", 0))
	require.NoError(t, c.Del(ctx, "a"))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx))
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
}

func TestMemory(t *testing.T) {
	testBackend(t, NewMemory(time.Minute, 0))
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Minute, 0)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "short", "x", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok, _ := m.Get(ctx, "short")
	assert.False(t, ok)
}

func TestRedis(t *testing.T) {
	_, r := setupRedis(t)
	testBackend(t, r)
}

func TestRedis_TTLAndPrefix(t *testing.T) {
	server, r := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, server.Set("foreign", "keep"))
	require.NoError(t, r.Put(ctx, "k", "v", 0))
	assert.True(t, server.Exists("pstore:k"))
	assert.Equal(t, time.Minute, server.TTL("pstore:k"))

	server.FastForward(2 * time.Minute)
	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Put(ctx, "k2", "v", 0))
	require.NoError(t, r.Clear(ctx))
	assert.False(t, server.Exists("pstore:k2"))
	assert.True(t, server.Exists("foreign"))
}

func TestRedis_ClearPrefixIsLiteral(t *testing.T) {
	server, r := setupRedis(t)
	ctx := context.Background()

	for _, k := range []string{"a*1", "abc", "[ab]1", "a1", "b?2", "bx2"} {
		require.NoError(t, r.Put(ctx, k, "v", 0))
	}

	tests := []struct {
		prefix string
		gone   []string
		kept   []string
	}{
		{prefix: "a*", gone: []string{"a*1"}, kept: []string{"abc", "a1"}},
		{prefix: "[ab]", gone: []string{"[ab]1"}, kept: []string{"a1"}},
		{prefix: "b?", gone: []string{"b?2"}, kept: []string{"bx2"}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			require.NoError(t, r.ClearPrefix(ctx, tt.prefix))
			for _, k := range tt.gone {
				assert.False(t, server.Exists("pstore:"+k), k)
			}
			for _, k := range tt.kept {
				assert.True(t, server.Exists("pstore:"+k), k)
			}
		})
	}
}

func TestRedis_Unreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()
	_, err := OpenRedis(context.Background(), nil, "redis://"+addr, "", time.Minute)
	require.Error(t, err)
	assert.True(t, Error.Has(err))
}

func TestNamespaced(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory(time.Minute, 0)
	app1 := NewNamespaced(inner, "app1")
	app2 := NewNamespaced(inner, "app2")

	require.NoError(t, app1.Put(ctx, "k", "one", 0))
	require.NoError(t, app2.Put(ctx, "k", "two", 0))

	v, ok, _ := app1.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	require.NoError(t, app1.Clear(ctx))
	_, ok, _ = app1.Get(ctx, "k")
	assert.False(t, ok)
	v, ok, _ = app2.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "two", v)
}

func TestSchemaCache(t *testing.T) {
	ctx := context.Background()
	sc := NewSchemaCache(zaptest.NewLogger(t), NewNamespaced(NewMemory(time.Minute, 0), "app"), time.Minute)

	_, ok := sc.GetAllClasses(ctx)
	assert.False(t, ok)

	sc.SetAllClasses(ctx, nil)
	all, ok := sc.GetAllClasses(ctx)
	assert.True(t, ok, "cached empty is not a miss")
	assert.Empty(t, all)

	stuff := &schema.Schema{
		ClassName:             "Stuff",
		Fields:                map[string]schema.FieldType{"bacon": {Type: schema.TypeNumber}},
		ClassLevelPermissions: schema.DefaultCLP(),
		Indexes:               map[string]schema.Index{"_id_": {"_id": 1}},
	}
	sc.SetAllClasses(ctx, []*schema.Schema{stuff})

	got, ok := sc.GetOneSchema(ctx, "Stuff")
	require.True(t, ok)
	assert.Equal(t, stuff, got)

	_, ok = sc.GetOneSchema(ctx, "Other")
	assert.False(t, ok)

	sc.Clear(ctx)
	_, ok = sc.GetOneSchema(ctx, "Stuff")
	assert.False(t, ok)
	_, ok = sc.GetAllClasses(ctx)
	assert.False(t, ok)
}

func TestSchemaCache_BackendDownIsMiss(t *testing.T) {
	server, r := setupRedis(t)
	ctx := context.Background()
	sc := NewSchemaCache(zaptest.NewLogger(t), r, time.Minute)
	sc.SetAllClasses(ctx, []*schema.Schema{{ClassName: "Stuff", Fields: map[string]schema.FieldType{}}})

	server.Close()
	_, ok := sc.GetAllClasses(ctx)
	assert.False(t, ok)
	sc.SetOneSchema(ctx, "Stuff", &schema.Schema{ClassName: "Stuff"})
	sc.Clear(ctx)
}
