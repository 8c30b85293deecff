package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/gorm"

	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/query"
	"github.com/sukryu/pStore/pkg/store/schema"
)

var (
	before1970  = time.Date(1960, 5, 1, 0, 0, 0, 0, time.UTC)
	onTheSecond = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	halfPast    = time.Date(2020, 1, 2, 3, 4, 5, 500*int(time.Millisecond), time.UTC)
)

func setupDocs(t *testing.T) *Adapter {
	a := setupTestDB(t)
	docs := []map[string]interface{}{
		{"_id": "a", "name": "alpha", "n": 1, "tags": []interface{}{"x", "y"}, "flag": true, "_rperm": []interface{}{"*"}, "at": halfPast},
		{"_id": "b", "name": "beta", "n": 2.5, "tags": []interface{}{"y"}, "flag": false, "_rperm": []interface{}{"u1"}, "at": before1970},
		{"_id": "c", "name": "gamma", "n": nil, "tags": []interface{}{}, "at": onTheSecond},
		{"_id": "d", "nested": map[string]interface{}{"name": "alpha"}, "tags": []interface{}{nil}},
	}
	require.NoError(t, a.db.Transaction(func(tx *gorm.DB) error {
		if err := ensureTable(tx, "Doc"); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := insertDoc(tx, "Doc", query.NormalizeDoc(doc)); err != nil {
				return err
			}
		}
		return nil
	}))
	return a
}

func docIDs(docs []map[string]interface{}) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docID(doc))
	}
	return out
}

func TestCompileWhere(t *testing.T) {
	a := setupDocs(t)
	all, err := loadDocs(a.db, "Doc", selectAll())
	require.NoError(t, err)
	require.Len(t, all, 4)

	tests := []struct {
		name   string
		filter bson.M
		exact  bool
		want   []string
	}{
		{name: "string equality", filter: bson.M{"name": "alpha"}, exact: true, want: []string{"a"}},
		{name: "array element", filter: bson.M{"tags": "y"}, exact: true, want: []string{"a", "b"}},
		{name: "number equality", filter: bson.M{"n": 2.5}, exact: true, want: []string{"b"}},
		{name: "number range", filter: bson.M{"n": bson.M{"$gt": 1}}, exact: true, want: []string{"b"}},
		{name: "null or missing", filter: bson.M{"n": nil}, exact: true, want: []string{"c", "d"}},
		{name: "null element", filter: bson.M{"tags": nil}, exact: true, want: []string{"d"}},
		{name: "read permission clause", filter: bson.M{"_rperm": bson.M{"$in": []interface{}{nil, "*"}}}, exact: true, want: []string{"a", "c", "d"}},
		{name: "not equal bool", filter: bson.M{"flag": bson.M{"$ne": true}}, exact: true, want: []string{"b", "c", "d"}},
		{name: "dates before", filter: bson.M{"at": bson.M{"$lt": halfPast}}, exact: true, want: []string{"b", "c"}},
		{name: "date equality", filter: bson.M{"at": onTheSecond}, exact: true, want: []string{"c"}},
		{name: "date not equal", filter: bson.M{"at": bson.M{"$ne": before1970}}, exact: true, want: []string{"a", "c", "d"}},
		{name: "ids", filter: bson.M{"_id": bson.M{"$in": []interface{}{"a", "c", "zz"}}}, exact: true, want: []string{"a", "c"}},
		{name: "ids excluded", filter: bson.M{"_id": bson.M{"$nin": []string{"a"}}}, exact: true, want: []string{"b", "c", "d"}},
		{name: "empty in", filter: bson.M{"name": bson.M{"$in": []interface{}{}}}, exact: true, want: []string{}},
		{name: "exists", filter: bson.M{"flag": bson.M{"$exists": false}}, exact: true, want: []string{"c", "d"}},
		{name: "or", filter: bson.M{"$or": []interface{}{bson.M{"name": "beta"}, bson.M{"n": 1}}}, exact: true, want: []string{"a", "b"}},
		{name: "nor", filter: bson.M{"$nor": []interface{}{bson.M{"name": "alpha"}}}, exact: true, want: []string{"b", "c", "d"}},
		{name: "regex", filter: bson.M{"name": bson.M{"$regex": "^al"}}, exact: false, want: []string{"a"}},
		{name: "nested path", filter: bson.M{"nested.name": "alpha"}, exact: false, want: []string{"d"}},
		{name: "regex beside range", filter: bson.M{"name": bson.M{"$regex": "a$"}, "n": bson.M{"$gte": 1}}, exact: false, want: []string{"a", "b"}},
		{
			name:   "or with regex branch",
			filter: bson.M{"$or": []interface{}{bson.M{"name": "beta"}, bson.M{"name": bson.M{"$regex": "^ga"}}}},
			exact:  false,
			want:   []string{"b", "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := compileWhere(tt.filter)
			assert.Equal(t, tt.exact, p.exact)

			evaluated, err := query.Filter(all, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, docIDs(evaluated))

			scanned, err := loadDocs(a.db, "Doc", selection{where: p})
			require.NoError(t, err)
			if tt.exact {
				assert.Equal(t, tt.want, docIDs(scanned))
			} else {
				assert.Subset(t, docIDs(scanned), tt.want)
			}
		})
	}
}

func TestSQLOrder(t *testing.T) {
	fields := map[string]schema.FieldType{
		"name":  {Type: schema.TypeString},
		"at":    {Type: schema.TypeDate},
		"tags":  {Type: schema.TypeArray},
		"owner": {Type: schema.TypePointer, TargetClass: "_User"},
	}
	tests := []struct {
		name string
		sort []dynamic.SortField
		ok   bool
	}{
		{"none", nil, true},
		{"object id", []dynamic.SortField{{Field: "objectId"}}, true},
		{"string and date", []dynamic.SortField{{Field: "name"}, {Field: "at", Desc: true}}, true},
		{"pointer", []dynamic.SortField{{Field: "owner"}}, true},
		{"array", []dynamic.SortField{{Field: "tags"}}, false},
		{"unknown field", []dynamic.SortField{{Field: "missing"}}, false},
		{"nested", []dynamic.SortField{{Field: "name.first"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := sqlOrder(fields, tt.sort)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
