package schema

import (
	"encoding/json"
	"sort"
)

// Field types understood by the schema engine.
const (
	TypeString   = "String"
	TypeNumber   = "Number"
	TypeBoolean  = "Boolean"
	TypeDate     = "Date"
	TypeObject   = "Object"
	TypeArray    = "Array"
	TypeGeoPoint = "GeoPoint"
	TypeFile     = "File"
	TypeBytes    = "Bytes"
	TypePolygon  = "Polygon"
	TypeACL      = "ACL"
	TypePointer  = "Pointer"
	TypeRelation = "Relation"
)

// DeleteOp marks a submitted field or index for removal in UpdateClass.
const DeleteOp = "Delete"

// FieldType describes one column of a class.
type FieldType struct {
	Type         string      `json:"type,omitempty" bson:"type,omitempty"`
	TargetClass  string      `json:"targetClass,omitempty" bson:"targetClass,omitempty"`
	Required     bool        `json:"required,omitempty" bson:"required,omitempty"`
	DefaultValue interface{} `json:"defaultValue,omitempty" bson:"defaultValue,omitempty"`

	// Op is only set on UpdateClass payloads.
	Op string `json:"__op,omitempty" bson:"-"`
}

func (f FieldType) IsDelete() bool { return f.Op == DeleteOp }

// Equal compares type and target class, ignoring modifiers.
func (f FieldType) Equal(o FieldType) bool {
	return f.Type == o.Type && f.TargetClass == o.TargetClass
}

// String renders the type the way error messages quote it, e.g. Pointer<_User>.
func (f FieldType) String() string {
	if f.Type == TypePointer || f.Type == TypeRelation {
		return f.Type + "<" + f.TargetClass + ">"
	}
	return f.Type
}

// Index is a key spec such as {"name": 1}. An index carrying {"__op": "Delete"}
// is a removal request in UpdateClass.
type Index map[string]interface{}

func (i Index) IsDelete() bool {
	op, _ := i["__op"].(string)
	return op == DeleteOp
}

// Keys returns the indexed field names in a stable order.
func (i Index) Keys() []string {
	keys := make([]string, 0, len(i))
	for k := range i {
		if k == "__op" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schema is the REST-facing description of a class.
type Schema struct {
	ClassName             string               `json:"className"`
	Fields                map[string]FieldType `json:"fields"`
	ClassLevelPermissions CLP                  `json:"classLevelPermissions,omitempty"`
	Indexes               map[string]Index     `json:"indexes,omitempty"`
}

// Clone returns a deep copy of s, safe to hand to callers that mutate.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{
		ClassName:             s.ClassName,
		Fields:                make(map[string]FieldType, len(s.Fields)),
		ClassLevelPermissions: s.ClassLevelPermissions.Clone(),
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	if s.Indexes != nil {
		out.Indexes = make(map[string]Index, len(s.Indexes))
		for name, idx := range s.Indexes {
			cp := make(Index, len(idx))
			for k, v := range idx {
				cp[k] = v
			}
			out.Indexes[name] = cp
		}
	}
	return out
}

// MarshalSchemas and UnmarshalSchemas are the cache encoding of class lists.
func MarshalSchemas(all []*Schema) ([]byte, error) {
	return json.Marshal(all)
}

func MarshalSchema(s *Schema) ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalSchemas(data []byte) ([]*Schema, error) {
	var all []*Schema
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, s := range all {
		s.Normalize()
	}
	return all, nil
}

func UnmarshalSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.Normalize()
	return &s, nil
}

// Normalize canonicalizes a schema decoded from JSON or BSON.
func (s *Schema) Normalize() {
	if s.Fields == nil {
		s.Fields = map[string]FieldType{}
	}
	if s.ClassLevelPermissions != nil {
		s.ClassLevelPermissions = s.ClassLevelPermissions.Normalize()
	}
	for name, idx := range s.Indexes {
		for k, v := range idx {
			switch n := v.(type) {
			case float64:
				if n == float64(int(n)) {
					idx[k] = int(n)
				}
			case int32:
				idx[k] = int(n)
			case int64:
				idx[k] = int(n)
			}
		}
		s.Indexes[name] = idx
	}
}
