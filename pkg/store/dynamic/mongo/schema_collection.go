package mongo

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sukryu/pStore/pkg/store/query"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// _SCHEMA documents keep each field as a compact type string next to a
// _metadata sub-document:
//
//	{_id: "GameScore", score: "number", owner: "*_User",
//	 _metadata: {class_permissions: {...}, indexes: {...},
//	             fields_options: {score: {required: true}}}}
const (
	metadataKey      = "_metadata"
	permissionsKey   = "class_permissions"
	indexesKey       = "indexes"
	fieldsOptionsKey = "fields_options"
)

func fieldToMongoType(f schema.FieldType) string {
	switch f.Type {
	case schema.TypePointer:
		return "*" + f.TargetClass
	case schema.TypeRelation:
		return "relation<" + f.TargetClass + ">"
	}
	return strings.ToLower(f.Type)
}

var mongoTypes = map[string]string{
	"string":   schema.TypeString,
	"number":   schema.TypeNumber,
	"boolean":  schema.TypeBoolean,
	"date":     schema.TypeDate,
	"map":      schema.TypeObject,
	"object":   schema.TypeObject,
	"array":    schema.TypeArray,
	"geopoint": schema.TypeGeoPoint,
	"file":     schema.TypeFile,
	"bytes":    schema.TypeBytes,
	"polygon":  schema.TypePolygon,
	"acl":      schema.TypeACL,
}

func mongoTypeToField(t string) (schema.FieldType, bool) {
	switch {
	case strings.HasPrefix(t, "*"):
		return schema.FieldType{Type: schema.TypePointer, TargetClass: t[1:]}, true
	case strings.HasPrefix(t, "relation<") && strings.HasSuffix(t, ">"):
		return schema.FieldType{Type: schema.TypeRelation, TargetClass: t[len("relation<") : len(t)-1]}, true
	}
	ft, ok := mongoTypes[t]
	return schema.FieldType{Type: ft}, ok
}

func fieldOptions(f schema.FieldType) bson.M {
	if !f.Required && f.DefaultValue == nil {
		return nil
	}
	opts := bson.M{}
	if f.Required {
		opts["required"] = true
	}
	if f.DefaultValue != nil {
		opts["defaultValue"] = f.DefaultValue
	}
	return opts
}

// toSchemaDocument encodes an adapter schema for _SCHEMA.
func toSchemaDocument(className string, s *schema.Schema) bson.M {
	doc := bson.M{"_id": className}
	metadata := bson.M{}
	options := bson.M{}
	for name, f := range s.Fields {
		doc[name] = fieldToMongoType(f)
		if opts := fieldOptions(f); opts != nil {
			options[name] = opts
		}
	}
	if len(options) > 0 {
		metadata[fieldsOptionsKey] = options
	}
	if s.ClassLevelPermissions != nil {
		metadata[permissionsKey] = map[string]interface{}(s.ClassLevelPermissions)
	}
	if len(s.Indexes) > 0 {
		indexes := bson.M{}
		for name, idx := range s.Indexes {
			indexes[name] = map[string]interface{}(idx)
		}
		metadata[indexesKey] = indexes
	}
	if len(metadata) > 0 {
		doc[metadataKey] = metadata
	}
	return doc
}

// fromSchemaDocument decodes a _SCHEMA document into a REST schema.
func fromSchemaDocument(raw bson.M) *schema.Schema {
	doc := query.NormalizeDoc(raw)
	className, _ := doc["_id"].(string)
	s := &schema.Schema{ClassName: className, Fields: map[string]schema.FieldType{}}
	metadata, _ := doc[metadataKey].(map[string]interface{})
	options, _ := metadata[fieldsOptionsKey].(map[string]interface{})
	for name, v := range doc {
		if name == "_id" || name == metadataKey {
			continue
		}
		t, ok := v.(string)
		if !ok {
			continue
		}
		f, ok := mongoTypeToField(t)
		if !ok {
			continue
		}
		if opts, ok := options[name].(map[string]interface{}); ok {
			f.Required, _ = opts["required"].(bool)
			f.DefaultValue = opts["defaultValue"]
		}
		s.Fields[name] = f
	}
	if clp, ok := metadata[permissionsKey].(map[string]interface{}); ok {
		s.ClassLevelPermissions = schema.CLP(clp)
	}
	if indexes, ok := metadata[indexesKey].(map[string]interface{}); ok {
		s.Indexes = map[string]schema.Index{}
		for name, raw := range indexes {
			if idx, ok := raw.(map[string]interface{}); ok {
				s.Indexes[name] = schema.Index(idx)
			}
		}
	}
	s.Normalize()
	return schema.FromAdapterSchema(s)
}
