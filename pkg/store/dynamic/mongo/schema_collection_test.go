package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

func TestFieldToMongoType(t *testing.T) {
	tests := []struct {
		field schema.FieldType
		want  string
	}{
		{schema.FieldType{Type: schema.TypeString}, "string"},
		{schema.FieldType{Type: schema.TypeNumber}, "number"},
		{schema.FieldType{Type: schema.TypeGeoPoint}, "geopoint"},
		{schema.FieldType{Type: schema.TypePointer, TargetClass: "_User"}, "*_User"},
		{schema.FieldType{Type: schema.TypeRelation, TargetClass: "Team"}, "relation<Team>"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, fieldToMongoType(tt.field))
			back, ok := mongoTypeToField(tt.want)
			require.True(t, ok)
			assert.Equal(t, tt.field, back)
		})
	}

	_, ok := mongoTypeToField("decimal")
	assert.False(t, ok)
	f, ok := mongoTypeToField("map")
	require.True(t, ok)
	assert.Equal(t, schema.TypeObject, f.Type)
}

func TestSchemaDocumentRoundTrip(t *testing.T) {
	in := &schema.Schema{
		ClassName: "_User",
		Fields: map[string]schema.FieldType{
			"nickname": {Type: schema.TypeString, Required: true, DefaultValue: "anon"},
			"best":     {Type: schema.TypePointer, TargetClass: "_User"},
			"teams":    {Type: schema.TypeRelation, TargetClass: "Team"},
		},
		ClassLevelPermissions: schema.CLP{"find": map[string]interface{}{"*": true}},
		Indexes:               map[string]schema.Index{"nickname_1": {"nickname": 1}},
	}

	doc := toSchemaDocument("_User", schema.ToAdapterSchema(in))
	assert.Equal(t, "_User", doc["_id"])
	assert.Equal(t, "string", doc["_hashed_password"])
	assert.Equal(t, "*_User", doc["best"])
	assert.NotContains(t, doc, "password")
	metadata, ok := doc[metadataKey].(bson.M)
	require.True(t, ok)
	assert.Equal(t, bson.M{"nickname": bson.M{"required": true, "defaultValue": "anon"}}, metadata[fieldsOptionsKey])

	out := fromSchemaDocument(doc)
	assert.Equal(t, "_User", out.ClassName)
	assert.Equal(t, in.Fields["nickname"], out.Fields["nickname"])
	assert.Equal(t, in.Fields["best"], out.Fields["best"])
	assert.Equal(t, in.Fields["teams"], out.Fields["teams"])
	assert.Equal(t, schema.FieldType{Type: schema.TypeString}, out.Fields["password"])
	assert.Equal(t, schema.FieldType{Type: schema.TypeACL}, out.Fields["ACL"])
	assert.NotContains(t, out.Fields, "_hashed_password")
	assert.NotContains(t, out.Fields, "_rperm")
	find, ok := out.ClassLevelPermissions.Operation("find")
	require.True(t, ok)
	assert.Equal(t, true, find["*"])
	assert.Equal(t, schema.Index{"nickname": 1}, out.Indexes["nickname_1"])
}

func TestFromSchemaDocumentSkipsUnknownTypes(t *testing.T) {
	out := fromSchemaDocument(bson.M{"_id": "Stuff", "name": "string", "legacy": "decimal", "odd": 7})
	assert.Contains(t, out.Fields, "name")
	assert.NotContains(t, out.Fields, "legacy")
	assert.NotContains(t, out.Fields, "odd")
	assert.Nil(t, out.Indexes)
}

func TestFindOptions(t *testing.T) {
	fields := transform.Fields{"owner": {Type: schema.TypePointer, TargetClass: "_User"}}
	fo := findOptions(fields, dynamic.QueryOptions{
		Skip:  5,
		Limit: 10,
		Sort:  []dynamic.SortField{{Field: "createdAt", Desc: true}, {Field: "owner"}},
		Keys:  []string{"owner", "ACL"},
	})
	require.NotNil(t, fo.Skip)
	assert.EqualValues(t, 5, *fo.Skip)
	require.NotNil(t, fo.Limit)
	assert.EqualValues(t, 10, *fo.Limit)
	assert.Equal(t, bson.D{{Key: "_created_at", Value: -1}, {Key: "_p_owner", Value: 1}}, fo.Sort)
	assert.Equal(t, bson.M{"_p_owner": 1, "_rperm": 1, "_wperm": 1}, fo.Projection)

	empty := findOptions(fields, dynamic.QueryOptions{})
	assert.Nil(t, empty.Skip)
	assert.Nil(t, empty.Sort)
	assert.Nil(t, empty.Projection)
}
