package sqlite

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

func setupTestDB(t *testing.T) *Adapter {
	a, err := Open(zaptest.NewLogger(t), ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func gameScore() *schema.Schema {
	return &schema.Schema{
		ClassName: "GameScore",
		Fields: map[string]schema.FieldType{
			"name":  {Type: schema.TypeString},
			"score": {Type: schema.TypeNumber},
			"owner": {Type: schema.TypePointer, TargetClass: "_User"},
			"tags":  {Type: schema.TypeArray},
		},
	}
}

func createGameScore(t *testing.T, a *Adapter) *schema.Schema {
	ctx := context.Background()
	_, err := a.CreateClass(ctx, "GameScore", schema.ToAdapterSchema(gameScore()))
	require.NoError(t, err)
	return schema.InjectDefaultSchema(gameScore())
}

func seed(t *testing.T, a *Adapter, s *schema.Schema) {
	ctx := context.Background()
	objects := []map[string]interface{}{
		{"objectId": "a1", "name": "alpha", "score": 10, "tags": []interface{}{"x"}, "_rperm": []string{"*"}, "_wperm": []string{"*"},
			"owner": map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u1"}},
		{"objectId": "b2", "name": "beta", "score": 20, "tags": []interface{}{"x", "y"}, "_rperm": []string{"u1"}, "_wperm": []string{"u1"},
			"owner": map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u2"}},
		{"objectId": "c3", "name": "gamma", "score": 30},
	}
	for _, obj := range objects {
		require.NoError(t, a.CreateObject(ctx, "GameScore", s, obj))
	}
}

func TestSchemaLifecycle(t *testing.T) {
	a := setupTestDB(t)
	ctx := context.Background()

	created, err := a.CreateClass(ctx, "GameScore", schema.ToAdapterSchema(gameScore()))
	require.NoError(t, err)
	assert.Equal(t, schema.FieldType{Type: schema.TypePointer, TargetClass: "_User"}, created.Fields["owner"])
	assert.Equal(t, schema.FieldType{Type: schema.TypeACL}, created.Fields["ACL"])
	assert.NotContains(t, created.Fields, "_rperm")

	_, err = a.CreateClass(ctx, "GameScore", schema.ToAdapterSchema(gameScore()))
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateClass))

	exists, err := a.ClassExists(ctx, "GameScore")
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("add field is idempotent", func(t *testing.T) {
		require.NoError(t, a.AddFieldIfNotExists(ctx, "GameScore", "level", schema.FieldType{Type: schema.TypeNumber}))
		require.NoError(t, a.AddFieldIfNotExists(ctx, "GameScore", "level", schema.FieldType{Type: schema.TypeString}))
		got, err := a.GetClass(ctx, "GameScore")
		require.NoError(t, err)
		assert.Equal(t, schema.TypeNumber, got.Fields["level"].Type)
	})

	t.Run("class level permissions round trip", func(t *testing.T) {
		clp := schema.DefaultCLP()
		clp[schema.OpFind] = map[string]interface{}{"role:admin": true}
		require.NoError(t, a.SetClassLevelPermissions(ctx, "GameScore", clp))
		got, err := a.GetClass(ctx, "GameScore")
		require.NoError(t, err)
		assert.Equal(t, clp.Normalize(), got.ClassLevelPermissions)

		err = a.SetClassLevelPermissions(ctx, "Missing", clp)
		assert.True(t, stderrors.Is(err, errors.ErrClassNotFound))
	})

	t.Run("delete fields", func(t *testing.T) {
		s := schema.InjectDefaultSchema(gameScore())
		seed(t, a, s)
		require.NoError(t, a.DeleteFields(ctx, "GameScore", s, []string{"owner", "tags"}))
		got, err := a.GetClass(ctx, "GameScore")
		require.NoError(t, err)
		assert.NotContains(t, got.Fields, "owner")
		assert.NotContains(t, got.Fields, "tags")

		s = schema.InjectDefaultSchema(got)
		rows, err := a.Find(ctx, "GameScore", s, map[string]interface{}{"objectId": "a1"}, dynamic.QueryOptions{})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.NotContains(t, rows[0], "owner")
		assert.NotContains(t, rows[0], "tags")
	})

	all, err := a.GetAllClasses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "GameScore", all[0].ClassName)

	require.NoError(t, a.DeleteClass(ctx, "GameScore"))
	_, err = a.GetClass(ctx, "GameScore")
	assert.True(t, stderrors.Is(err, errors.ErrClassNotFound))
	exists, err = a.ClassExists(ctx, "GameScore")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConcurrentCreateClass(t *testing.T) {
	a := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = a.CreateClass(ctx, "NewClass", schema.ToAdapterSchema(&schema.Schema{
				ClassName: "NewClass",
				Fields:    map[string]schema.FieldType{"foo": {Type: schema.TypeString}},
			}))
		}(i)
	}
	wg.Wait()

	successes, duplicates := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case stderrors.Is(err, errors.ErrDuplicateClass):
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, duplicates)
}

func TestCRUD(t *testing.T) {
	a := setupTestDB(t)
	s := createGameScore(t, a)
	seed(t, a, s)
	ctx := context.Background()

	t.Run("find", func(t *testing.T) {
		rows, err := a.Find(ctx, "GameScore", s, map[string]interface{}{
			"score": map[string]interface{}{"$gte": 20},
		}, dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "score", Desc: true}}})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "c3", rows[0]["objectId"])
		assert.Equal(t, "b2", rows[1]["objectId"])
		assert.Equal(t, 20.0, rows[1]["score"])
		assert.Equal(t, map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u2"}, rows[1]["owner"])
		assert.Equal(t, []string{"u1"}, rows[1]["_rperm"])
	})

	t.Run("find by pointer and keys", func(t *testing.T) {
		rows, err := a.Find(ctx, "GameScore", s, map[string]interface{}{
			"owner": map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u1"},
		}, dynamic.QueryOptions{Keys: []string{"name"}})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, map[string]interface{}{"objectId": "a1", "name": "alpha"}, rows[0])
	})

	t.Run("read permission clause", func(t *testing.T) {
		rows, err := a.Find(ctx, "GameScore", s, map[string]interface{}{
			"_rperm": map[string]interface{}{"$in": []interface{}{nil, "*"}},
		}, dynamic.QueryOptions{Skip: 0, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("count", func(t *testing.T) {
		n, err := a.Count(ctx, "GameScore", s, map[string]interface{}{"tags": "x"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("update many", func(t *testing.T) {
		n, err := a.UpdateObjectsByQuery(ctx, "GameScore", s, map[string]interface{}{"tags": "x"},
			map[string]interface{}{"score": map[string]interface{}{"__op": "Increment", "amount": 1}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("find one and update", func(t *testing.T) {
		got, err := a.FindOneAndUpdate(ctx, "GameScore", s, map[string]interface{}{"objectId": "a1"},
			map[string]interface{}{"tags": map[string]interface{}{"__op": "AddUnique", "objects": []interface{}{"x", "z"}}})
		require.NoError(t, err)
		assert.Equal(t, 11.0, got["score"])
		assert.Equal(t, []interface{}{"x", "z"}, got["tags"])

		got, err = a.FindOneAndUpdate(ctx, "GameScore", s, map[string]interface{}{"objectId": "nope"},
			map[string]interface{}{"name": "x"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		n, err := a.DeleteObjectsByQuery(ctx, "GameScore", s, map[string]interface{}{"objectId": "c3"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = a.DeleteObjectsByQuery(ctx, "GameScore", s, map[string]interface{}{"objectId": "c3"})
		assert.True(t, stderrors.Is(err, errors.ErrObjectNotFound))
	})

	t.Run("unsupported constraint", func(t *testing.T) {
		_, err := a.Find(ctx, "GameScore", s, map[string]interface{}{
			"name": map[string]interface{}{"$select": map[string]interface{}{}},
		}, dynamic.QueryOptions{})
		assert.True(t, errors.IsCode(err, errors.CodeCommandUnavailable))
	})

	t.Run("missing class reads empty", func(t *testing.T) {
		rows, err := a.Find(ctx, "Nothing", nil, map[string]interface{}{}, dynamic.QueryOptions{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestEnsureUniqueness(t *testing.T) {
	a := setupTestDB(t)
	s := createGameScore(t, a)
	ctx := context.Background()

	require.NoError(t, a.EnsureUniqueness(ctx, "GameScore", s, []string{"name"}))
	require.NoError(t, a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "a", "name": "dup"}))
	err := a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "b", "name": "dup"})
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateValue))

	// missing values do not collide
	require.NoError(t, a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "c"}))
	require.NoError(t, a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "d"}))

	require.NoError(t, a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "e", "score": 1}))
	require.NoError(t, a.CreateObject(ctx, "GameScore", s, map[string]interface{}{"objectId": "f", "score": 1}))
	err = a.EnsureUniqueness(ctx, "GameScore", s, []string{"score"})
	assert.True(t, errors.IsCode(err, errors.CodeDuplicateValue))
}

func TestJoinTableUpsert(t *testing.T) {
	a := setupTestDB(t)
	ctx := context.Background()
	join := schema.JoinTableName("_Role", "users")
	row := map[string]interface{}{"owningId": "r1", "relatedId": "u1"}

	for i := 0; i < 2; i++ {
		require.NoError(t, a.UpsertOneObject(ctx, join, schema.RelationSchema, row, row))
	}
	n, err := a.Count(ctx, join, schema.RelationSchema, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ids, err := a.Distinct(ctx, join, schema.RelationSchema, map[string]interface{}{"owningId": "r1"}, "relatedId")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"u1"}, ids)

	_, err = a.DeleteObjectsByQuery(ctx, join, schema.RelationSchema, row)
	require.NoError(t, err)
	n, err = a.Count(ctx, join, schema.RelationSchema, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDistinctAndAggregate(t *testing.T) {
	a := setupTestDB(t)
	s := createGameScore(t, a)
	seed(t, a, s)
	ctx := context.Background()

	owners, err := a.Distinct(ctx, "GameScore", s, map[string]interface{}{}, "owner")
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{
		map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u1"},
		map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "u2"},
	}, owners)

	rows, err := a.Aggregate(ctx, "GameScore", s, []map[string]interface{}{
		{"$match": map[string]interface{}{"score": map[string]interface{}{"$gt": 10}}},
		{"$group": map[string]interface{}{"_id": nil, "total": map[string]interface{}{"$sum": "$score"}}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 50.0, rows[0]["total"])
	assert.Nil(t, rows[0]["objectId"])
}

func TestIndexes(t *testing.T) {
	a := setupTestDB(t)
	createGameScore(t, a)
	ctx := context.Background()

	require.NoError(t, a.CreateIndexes(ctx, "GameScore", map[string]schema.Index{
		"name_score": {"name": 1, "score": -1},
	}))
	got, err := a.GetIndexes(ctx, "GameScore")
	require.NoError(t, err)
	assert.Equal(t, map[string]schema.Index{
		"_id_":       {"_id": 1},
		"name_score": {"name": 1, "score": -1},
	}, got)

	require.NoError(t, a.UpdateSchemaIndexes(ctx, "GameScore", got))
	stored, err := a.GetClass(ctx, "GameScore")
	require.NoError(t, err)
	assert.Equal(t, got, stored.Indexes)

	require.NoError(t, a.DropIndexes(ctx, "GameScore", []string{"name_score"}))
	got, err = a.GetIndexes(ctx, "GameScore")
	require.NoError(t, err)
	assert.Equal(t, map[string]schema.Index{"_id_": {"_id": 1}}, got)
}

func TestDeleteAllClasses(t *testing.T) {
	a := setupTestDB(t)
	s := createGameScore(t, a)
	seed(t, a, s)
	ctx := context.Background()

	require.NoError(t, a.DeleteAllClasses(ctx, true))
	n, err := a.Count(ctx, "GameScore", s, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, a.DeleteAllClasses(ctx, false))
	all, err := a.GetAllClasses(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	exists, err := a.ClassExists(ctx, "GameScore")
	require.NoError(t, err)
	assert.False(t, exists)

	stats := a.GetStats()
	assert.Equal(t, 1, stats["max_open_connections"])
}

func createEvents(t *testing.T, a *Adapter) *schema.Schema {
	ctx := context.Background()
	s := &schema.Schema{
		ClassName: "Event",
		Fields: map[string]schema.FieldType{
			"name":  {Type: schema.TypeString},
			"score": {Type: schema.TypeNumber},
			"at":    {Type: schema.TypeDate},
		},
	}
	_, err := a.CreateClass(ctx, "Event", schema.ToAdapterSchema(s))
	require.NoError(t, err)
	s = schema.InjectDefaultSchema(s)

	date := func(iso string) map[string]interface{} {
		return map[string]interface{}{"__type": "Date", "iso": iso}
	}
	for _, obj := range []map[string]interface{}{
		{"objectId": "e1", "name": "b", "score": 5, "at": date("2021-01-01T00:00:00.000Z")},
		{"objectId": "e2", "name": "a", "score": 7, "at": date("1960-05-01T00:00:00.000Z")},
		{"objectId": "e3", "name": "c", "score": 5, "at": date("2020-06-01T12:30:00.250Z")},
		{"objectId": "e4", "name": "d", "score": 9},
	} {
		require.NoError(t, a.CreateObject(ctx, "Event", s, obj))
	}
	return s
}

func objectIDs(rows []map[string]interface{}) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		id, _ := row["objectId"].(string)
		out = append(out, id)
	}
	return out
}

func TestFindPaging(t *testing.T) {
	a := setupTestDB(t)
	s := createEvents(t, a)
	ctx := context.Background()

	tests := []struct {
		name  string
		where map[string]interface{}
		opts  dynamic.QueryOptions
		want  []string
	}{
		{
			name: "date ascending",
			opts: dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "at"}}, Skip: 1, Limit: 2},
			want: []string{"e2", "e3"},
		},
		{
			name: "date descending puts missing last",
			opts: dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "at", Desc: true}}, Limit: 10},
			want: []string{"e1", "e3", "e2", "e4"},
		},
		{
			name: "number then string",
			opts: dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "score", Desc: true}, {Field: "name"}}, Limit: 3},
			want: []string{"e4", "e2", "e1"},
		},
		{
			name:  "filtered",
			where: map[string]interface{}{"score": 5},
			opts:  dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "objectId", Desc: true}}, Limit: 1},
			want:  []string{"e3"},
		},
		{
			name:  "regex filter pages after evaluation",
			where: map[string]interface{}{"name": map[string]interface{}{"$regex": "^[bcd]"}},
			opts:  dynamic.QueryOptions{Sort: []dynamic.SortField{{Field: "name"}}, Skip: 1, Limit: 1},
			want:  []string{"e3"},
		},
		{
			name:  "dates after",
			where: map[string]interface{}{"at": map[string]interface{}{"$gt": map[string]interface{}{"__type": "Date", "iso": "2020-06-01T12:30:00.000Z"}}},
			opts:  dynamic.QueryOptions{Limit: 10},
			want:  []string{"e1", "e3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where := tt.where
			if where == nil {
				where = map[string]interface{}{}
			}
			rows, err := a.Find(ctx, "Event", s, where, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, objectIDs(rows))
		})
	}
}

func TestCountAndDeleteByQuery(t *testing.T) {
	a := setupTestDB(t)
	s := createEvents(t, a)
	ctx := context.Background()

	n, err := a.Count(ctx, "Event", s, map[string]interface{}{"score": 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.Count(ctx, "Event", s, map[string]interface{}{"name": map[string]interface{}{"$regex": "^[ab]"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.DeleteObjectsByQuery(ctx, "Event", s, map[string]interface{}{"score": map[string]interface{}{"$gte": 7}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = a.DeleteObjectsByQuery(ctx, "Event", s, map[string]interface{}{"name": map[string]interface{}{"$regex": "^c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = a.DeleteObjectsByQuery(ctx, "Event", s, map[string]interface{}{"score": 9})
	assert.True(t, stderrors.Is(err, errors.ErrObjectNotFound))

	rows, err := a.Find(ctx, "Event", s, map[string]interface{}{}, dynamic.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, objectIDs(rows))
}

func TestGeoQueries(t *testing.T) {
	a := setupTestDB(t)
	ctx := context.Background()
	s := &schema.Schema{
		ClassName: "Place",
		Fields:    map[string]schema.FieldType{"loc": {Type: schema.TypeGeoPoint}},
	}
	_, err := a.CreateClass(ctx, "Place", schema.ToAdapterSchema(s))
	require.NoError(t, err)
	s = schema.InjectDefaultSchema(s)

	point := func(lat, lng float64) map[string]interface{} {
		return map[string]interface{}{"__type": "GeoPoint", "latitude": lat, "longitude": lng}
	}
	require.NoError(t, a.CreateObject(ctx, "Place", s, map[string]interface{}{"objectId": "p1", "loc": point(0, 0)}))
	require.NoError(t, a.CreateObject(ctx, "Place", s, map[string]interface{}{"objectId": "p2", "loc": point(0, 10)}))

	tests := []struct {
		name string
		near map[string]interface{}
		want []string
	}{
		{"miles", map[string]interface{}{"$nearSphere": point(0, 0), "$maxDistanceInMiles": 100.0}, []string{"p1"}},
		{"kilometers", map[string]interface{}{"$nearSphere": point(0, 0), "$maxDistanceInKilometers": 2000.0}, []string{"p1", "p2"}},
		{"radians", map[string]interface{}{"$nearSphere": point(0, 9), "$maxDistance": 0.1}, []string{"p2"}},
		{"unbounded", map[string]interface{}{"$nearSphere": point(0, 9)}, []string{"p2", "p1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where := map[string]interface{}{"loc": tt.near}
			rows, err := a.Find(ctx, "Place", s, where, dynamic.QueryOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, objectIDs(rows))

			n, err := a.Count(ctx, "Place", s, where)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.want)), n)
		})
	}
}
