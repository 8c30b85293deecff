package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// setupAdapter connects to PSTORE_TEST_MONGO_URL and uses a throwaway
// database. Tests are skipped without it.
func setupAdapter(t *testing.T) *Adapter {
	uri := os.Getenv("PSTORE_TEST_MONGO_URL")
	if uri == "" {
		t.Skip("PSTORE_TEST_MONGO_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := Open(ctx, zaptest.NewLogger(t), uri, "pstore_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.db.Drop(context.Background())
		_ = a.Close()
	})
	return a
}

func stuffSchema() *schema.Schema {
	return schema.ToAdapterSchema(&schema.Schema{
		ClassName: "Stuff",
		Fields: map[string]schema.FieldType{
			"name":  {Type: schema.TypeString},
			"count": {Type: schema.TypeNumber},
			"owner": {Type: schema.TypePointer, TargetClass: "_User"},
		},
	})
}

func TestAdapter_Classes(t *testing.T) {
	a := setupAdapter(t)
	ctx := context.Background()

	_, err := a.CreateClass(ctx, "Stuff", stuffSchema())
	require.NoError(t, err)
	_, err = a.CreateClass(ctx, "Stuff", stuffSchema())
	assert.True(t, errors.Is(err, errors.ErrDuplicateClass))

	require.NoError(t, a.AddFieldIfNotExists(ctx, "Stuff", "tags", schema.FieldType{Type: schema.TypeArray}))
	require.NoError(t, a.AddFieldIfNotExists(ctx, "Stuff", "tags", schema.FieldType{Type: schema.TypeString}))

	s, err := a.GetClass(ctx, "Stuff")
	require.NoError(t, err)
	assert.Equal(t, schema.TypeArray, s.Fields["tags"].Type)
	assert.Equal(t, schema.FieldType{Type: schema.TypePointer, TargetClass: "_User"}, s.Fields["owner"])

	clp := schema.CLP{"find": map[string]interface{}{"*": true}}
	require.NoError(t, a.SetClassLevelPermissions(ctx, "Stuff", clp))
	err = a.SetClassLevelPermissions(ctx, "Missing", clp)
	assert.True(t, errors.Is(err, errors.ErrClassNotFound))

	all, err := a.GetAllClasses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Stuff", all[0].ClassName)

	require.NoError(t, a.DeleteClass(ctx, "Stuff"))
	_, err = a.GetClass(ctx, "Stuff")
	assert.True(t, errors.Is(err, errors.ErrClassNotFound))
}

func TestAdapter_Objects(t *testing.T) {
	a := setupAdapter(t)
	ctx := context.Background()
	s := stuffSchema()
	_, err := a.CreateClass(ctx, "Stuff", s)
	require.NoError(t, err)

	owner := map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "abcdefghij"}
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, a.CreateObject(ctx, "Stuff", s, map[string]interface{}{
			"objectId": name + "000000000",
			"name":     name,
			"count":    i,
			"owner":    owner,
		}))
	}

	rows, err := a.Find(ctx, "Stuff", s, map[string]interface{}{"owner": owner}, dynamic.QueryOptions{
		Sort: []dynamic.SortField{{Field: "count", Desc: true}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "c", rows[0]["name"])
	assert.Equal(t, owner, rows[0]["owner"])

	n, err := a.Count(ctx, "Stuff", s, map[string]interface{}{"count": map[string]interface{}{"$gte": 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	updated, err := a.FindOneAndUpdate(ctx, "Stuff", s, map[string]interface{}{"objectId": "a000000000"},
		map[string]interface{}{"count": map[string]interface{}{"__op": "Increment", "amount": 10}})
	require.NoError(t, err)
	assert.EqualValues(t, 10, updated["count"])

	missing, err := a.FindOneAndUpdate(ctx, "Stuff", s, map[string]interface{}{"objectId": "zzzzzzzzzz"},
		map[string]interface{}{"name": "z"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, a.EnsureUniqueness(ctx, "Stuff", s, []string{"name"}))
	err = a.CreateObject(ctx, "Stuff", s, map[string]interface{}{"objectId": "d000000000", "name": "a"})
	assert.True(t, errors.Is(err, errors.ErrDuplicateValue))

	_, err = a.DeleteObjectsByQuery(ctx, "Stuff", s, map[string]interface{}{"name": "nobody"})
	assert.True(t, errors.Is(err, errors.ErrObjectNotFound))
	deleted, err := a.DeleteObjectsByQuery(ctx, "Stuff", s, map[string]interface{}{"name": "b"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
