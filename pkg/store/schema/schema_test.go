package schema

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sukryu/pStore/pkg/errors"
)

func TestClassNameIsValid(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"Stuff", true},
		{"Stuff_2", true},
		{"_User", true},
		{"_Join:users:_Role", true},
		{"_Hooks", false},
		{"2Stuff", false},
		{"Stuff-x", false},
		{"", false},
		{"length", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ClassNameIsValid(tt.name))
		})
	}
}

func TestFieldNameIsValidForClass(t *testing.T) {
	assert.True(t, FieldNameIsValidForClass("bacon", "Stuff"))
	assert.False(t, FieldNameIsValidForClass("objectId", "Stuff"))
	assert.False(t, FieldNameIsValidForClass("username", "_User"))
	assert.True(t, FieldNameIsValidForClass("username", "Stuff"))
	assert.False(t, FieldNameIsValidForClass("className", "Stuff"))
	assert.True(t, FieldNameIsValid("className", "_Hooks"))
	assert.False(t, FieldNameIsValidForClass("_private", "Stuff"))
}

func TestFieldTypeIsInvalid(t *testing.T) {
	assert.NoError(t, FieldTypeIsInvalid(FieldType{Type: TypeString}))
	assert.NoError(t, FieldTypeIsInvalid(FieldType{Type: TypePointer, TargetClass: "_User"}))

	err := FieldTypeIsInvalid(FieldType{Type: TypePointer})
	assert.True(t, errors.IsCode(err, errors.CodeMissingRequiredField))
	assert.Contains(t, err.Error(), "type Pointer needs a class name")

	err = FieldTypeIsInvalid(FieldType{Type: TypeRelation, TargetClass: "1bad"})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidClassName))

	err = FieldTypeIsInvalid(FieldType{Type: "Banana"})
	assert.True(t, stderrors.Is(err, errors.ErrIncorrectType))

	// ACL is implicit and cannot be declared
	err = FieldTypeIsInvalid(FieldType{Type: TypeACL})
	assert.True(t, stderrors.Is(err, errors.ErrIncorrectType))
}

func TestValidateSchemaData(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]FieldType
		wantCode int
		wantMsg  string
	}{
		{
			name:   "plain fields",
			fields: map[string]FieldType{"a": {Type: TypeString}, "b": {Type: TypeNumber, Required: true, DefaultValue: 3}},
		},
		{
			name:     "bad field name",
			fields:   map[string]FieldType{"1a": {Type: TypeString}},
			wantCode: errors.CodeInvalidKeyName,
			wantMsg:  "invalid field name: 1a",
		},
		{
			name:     "default column",
			fields:   map[string]FieldType{"createdAt": {Type: TypeString}},
			wantCode: errors.CodeChangedImmutableField,
			wantMsg:  "field createdAt cannot be added",
		},
		{
			name:     "default value mismatch",
			fields:   map[string]FieldType{"a": {Type: TypeString, DefaultValue: 5}},
			wantCode: errors.CodeIncorrectType,
			wantMsg:  "schema mismatch for Stuff.a default value; expected String but got Number",
		},
		{
			name:     "required relation",
			fields:   map[string]FieldType{"r": {Type: TypeRelation, TargetClass: "_User", Required: true}},
			wantCode: errors.CodeIncorrectType,
			wantMsg:  "The 'required' option is not applicable for Relation<_User>",
		},
		{
			name:     "two geopoints",
			fields:   map[string]FieldType{"a": {Type: TypeGeoPoint}, "b": {Type: TypeGeoPoint}},
			wantCode: errors.CodeIncorrectType,
			wantMsg:  "currently, only one GeoPoint field may exist in an object. Adding b when a already exists.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaData("Stuff", tt.fields, nil, nil, nil)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.Code(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateCLP(t *testing.T) {
	fields := map[string]FieldType{
		"owner":  {Type: TypePointer, TargetClass: "_User"},
		"admins": {Type: TypeArray},
		"title":  {Type: TypeString},
		"other":  {Type: TypePointer, TargetClass: "Stuff"},
	}

	valid := []CLP{
		DefaultCLP(),
		EmptyCLP(),
		{"find": map[string]interface{}{"role:admin": true, "abcdefghij": true, "requiresAuthentication": true}},
		{"update": map[string]interface{}{"pointerFields": []interface{}{"owner", "admins"}}},
		{"readUserFields": []string{"owner"}, "writeUserFields": []interface{}{"admins"}},
		{"protectedFields": map[string]interface{}{"*": []interface{}{"title"}, "userField:owner": []interface{}{}, "authenticated": []interface{}{"title"}}},
	}
	for i, perms := range valid {
		assert.NoError(t, ValidateCLP(perms, fields, nil), "case %d", i)
	}

	invalid := []struct {
		perms CLP
		msg   string
	}{
		{CLP{"sing": map[string]interface{}{"*": true}}, "sing is not a valid operation for class level permissions"},
		{CLP{"find": map[string]interface{}{"*": 1}}, "'1' is not a valid value for class level permissions find:*:1"},
		{CLP{"find": map[string]interface{}{"bob": true}}, "'bob' is not a valid key for class level permissions"},
		{CLP{"find": true}, "must be an object"},
		{CLP{"readUserFields": "owner"}, "must be an array"},
		{CLP{"readUserFields": []string{"title"}}, "'title' is not a valid column for class level pointer permissions readUserFields"},
		{CLP{"writeUserFields": []string{"other"}}, "'other' is not a valid column"},
		{CLP{"update": map[string]interface{}{"pointerFields": "owner"}}, "expected an array"},
		{CLP{"protectedFields": map[string]interface{}{"*": []interface{}{"objectId"}}}, "Default field 'objectId' can not be protected"},
		{CLP{"protectedFields": map[string]interface{}{"*": []interface{}{"nope"}}}, "Field 'nope' in protectedFields:* does not exist"},
		{CLP{"protectedFields": map[string]interface{}{"requiresAuthentication": []interface{}{}}}, "is not a valid key"},
	}
	for _, tt := range invalid {
		err := ValidateCLP(tt.perms, fields, nil)
		require.Error(t, err, tt.msg)
		assert.Equal(t, errors.CodeInvalidJSON, errors.Code(err))
		assert.Contains(t, err.Error(), tt.msg)
	}
}

func TestCLP_NormalizeRoundTrip(t *testing.T) {
	perms := CLP{
		"find":            map[string]interface{}{"*": true},
		"update":          map[string]interface{}{"pointerFields": []string{"owner"}},
		"readUserFields":  []string{"owner"},
		"protectedFields": map[string][]string{"*": {"email"}, "role:admin": {}},
	}
	data, err := json.Marshal(perms)
	require.NoError(t, err)

	var decoded CLP
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, perms.Normalize(), decoded.Normalize())

	assert.Equal(t, []string{"owner"}, decoded.Normalize().PointerFields("update"))
	assert.Equal(t, []string{"owner"}, decoded.UserFields(KeyReadUserFields))
	assert.Equal(t, map[string][]string{"*": {"email"}, "role:admin": {}}, decoded.ProtectedFields())
}

func TestStoredCLP(t *testing.T) {
	assert.Equal(t, DefaultCLP(), StoredCLP(nil))

	clp := StoredCLP(CLP{"find": map[string]interface{}{"role:admin": true}})
	find, ok := clp.Operation(OpFind)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"role:admin": true}, find)
	get, ok := clp.Operation(OpGet)
	require.True(t, ok)
	assert.Empty(t, get)
}

func TestGetType(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  *FieldType
		code  int
	}{
		{"null", nil, nil, 0},
		{"bool", true, &FieldType{Type: TypeBoolean}, 0},
		{"string", "z", &FieldType{Type: TypeString}, 0},
		{"int", 7, &FieldType{Type: TypeNumber}, 0},
		{"float", 7.5, &FieldType{Type: TypeNumber}, 0},
		{"array", []interface{}{1, 2}, &FieldType{Type: TypeArray}, 0},
		{"object", map[string]interface{}{"a": 1}, &FieldType{Type: TypeObject}, 0},
		{"pointer", map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": "x"}, &FieldType{Type: TypePointer, TargetClass: "_User"}, 0},
		{"date", map[string]interface{}{"__type": "Date", "iso": "2020-01-01T00:00:00.000Z"}, &FieldType{Type: TypeDate}, 0},
		{"geopoint", map[string]interface{}{"__type": "GeoPoint", "latitude": 1.0, "longitude": 2.0}, &FieldType{Type: TypeGeoPoint}, 0},
		{"file", map[string]interface{}{"__type": "File", "name": "a.txt"}, &FieldType{Type: TypeFile}, 0},
		{"bytes", map[string]interface{}{"__type": "Bytes", "base64": "aGk="}, &FieldType{Type: TypeBytes}, 0},
		{"polygon", map[string]interface{}{"__type": "Polygon", "coordinates": []interface{}{}}, &FieldType{Type: TypePolygon}, 0},
		{"bad date", map[string]interface{}{"__type": "Date"}, nil, errors.CodeIncorrectType},
		{"unknown type", map[string]interface{}{"__type": "Banana"}, nil, errors.CodeIncorrectType},
		{"ne", map[string]interface{}{"$ne": map[string]interface{}{"__type": "File", "name": "x"}}, &FieldType{Type: TypeFile}, 0},
		{"increment", map[string]interface{}{"__op": "Increment", "amount": 1}, &FieldType{Type: TypeNumber}, 0},
		{"delete", map[string]interface{}{"__op": "Delete"}, nil, 0},
		{"add unique", map[string]interface{}{"__op": "AddUnique", "objects": []interface{}{1}}, &FieldType{Type: TypeArray}, 0},
		{"add relation", map[string]interface{}{"__op": "AddRelation", "objects": []interface{}{
			map[string]interface{}{"__type": "Pointer", "className": "Foo", "objectId": "x"},
		}}, &FieldType{Type: TypeRelation, TargetClass: "Foo"}, 0},
		{"batch", map[string]interface{}{"__op": "Batch", "ops": []interface{}{
			map[string]interface{}{"__op": "RemoveRelation", "objects": []interface{}{map[string]interface{}{"__type": "Pointer", "className": "Foo", "objectId": "x"}}},
		}}, &FieldType{Type: TypeRelation, TargetClass: "Foo"}, 0},
		{"unknown op", map[string]interface{}{"__op": "Explode"}, nil, errors.CodeCommandUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetType(tt.value)
			if tt.code != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.code, errors.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapterSchemaConversion(t *testing.T) {
	user := &Schema{ClassName: "_User", Fields: map[string]FieldType{"nick": {Type: TypeString}}}

	stored := ToAdapterSchema(user)
	assert.Contains(t, stored.Fields, "_hashed_password")
	assert.Contains(t, stored.Fields, "_rperm")
	assert.NotContains(t, stored.Fields, "password")
	assert.NotContains(t, stored.Fields, "ACL")

	back := FromAdapterSchema(stored)
	assert.Equal(t, FieldType{Type: TypeACL}, back.Fields["ACL"])
	assert.Equal(t, FieldType{Type: TypeString}, back.Fields["password"])
	assert.NotContains(t, back.Fields, "_hashed_password")
	assert.NotContains(t, back.Fields, "authData")
	assert.Nil(t, back.Indexes)

	// the input is never modified
	assert.Equal(t, map[string]FieldType{"nick": {Type: TypeString}}, user.Fields)
}

func TestData(t *testing.T) {
	all := []*Schema{
		{
			ClassName: "Stuff",
			Fields:    map[string]FieldType{"bacon": {Type: TypeNumber}, "secret": {Type: TypeString}},
			ClassLevelPermissions: CLP{
				"find":            map[string]interface{}{"*": true},
				"protectedFields": map[string][]string{"*": {"secret"}},
			},
		},
		{ClassName: "_PushStatus", Fields: map[string]FieldType{"ignored": {Type: TypeString}}},
	}
	data := NewData(all, map[string]map[string][]string{
		"Stuff": {"*": {"bacon", "secret"}, "role:admin": {"secret"}},
	})

	stuff, ok := data.Get("Stuff")
	require.True(t, ok)
	assert.Equal(t, FieldType{Type: TypeNumber}, stuff.Fields["bacon"])
	assert.Equal(t, FieldType{Type: TypeString}, stuff.Fields["objectId"])
	assert.Equal(t, map[string][]string{
		"*":          {"secret", "bacon"},
		"role:admin": {"secret"},
	}, stuff.ClassLevelPermissions.ProtectedFields())

	again, _ := data.Get("Stuff")
	assert.Same(t, stuff, again)

	// stored schema is untouched by the merge
	assert.Equal(t, map[string][]string{"*": {"secret"}}, all[0].ClassLevelPermissions.ProtectedFields())

	push, ok := data.Get("_PushStatus")
	require.True(t, ok)
	assert.NotContains(t, push.Fields, "ignored")
	assert.Contains(t, push.Fields, "numSent")

	_, ok = data.Get("_Hooks")
	assert.True(t, ok)
	assert.False(t, data.HasClass("Missing"))

	typ, ok := data.ExpectedType("Stuff", "bacon")
	assert.True(t, ok)
	assert.Equal(t, TypeNumber, typ.Type)
	assert.True(t, data.HasKeys("Stuff", []string{"bacon", "createdAt"}))
	assert.False(t, data.HasKeys("Stuff", []string{"bacon", "nope"}))
	assert.Len(t, data.Schemas(), 1)
}
