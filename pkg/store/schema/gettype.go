package schema

import (
	"encoding/json"
	"reflect"

	"github.com/sukryu/pStore/pkg/errors"
)

// GetType infers the schema type of a REST value. A nil type with a nil error
// means the value does not constrain the schema (null or a Delete op).
func GetType(value interface{}) (*FieldType, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return &FieldType{Type: TypeBoolean}, nil
	case string:
		return &FieldType{Type: TypeString}, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return &FieldType{Type: TypeNumber}, nil
	case map[string]interface{}:
		return getObjectType(v)
	}
	if k := reflect.TypeOf(value).Kind(); k == reflect.Slice || k == reflect.Array {
		return &FieldType{Type: TypeArray}, nil
	}
	return nil, errors.ErrIncorrectType.Newf("bad obj: %v", value)
}

func getObjectType(obj map[string]interface{}) (*FieldType, error) {
	if t, ok := obj["__type"].(string); ok && t != "" {
		switch t {
		case TypePointer, TypeRelation:
			if className, _ := obj["className"].(string); className != "" {
				return &FieldType{Type: t, TargetClass: className}, nil
			}
		case TypeFile:
			if name, _ := obj["name"].(string); name != "" {
				return &FieldType{Type: TypeFile}, nil
			}
		case TypeDate:
			if iso, _ := obj["iso"].(string); iso != "" {
				return &FieldType{Type: TypeDate}, nil
			}
		case TypeGeoPoint:
			if obj["latitude"] != nil && obj["longitude"] != nil {
				return &FieldType{Type: TypeGeoPoint}, nil
			}
		case TypeBytes:
			if b64, _ := obj["base64"].(string); b64 != "" {
				return &FieldType{Type: TypeBytes}, nil
			}
		case TypePolygon:
			if obj["coordinates"] != nil {
				return &FieldType{Type: TypePolygon}, nil
			}
		}
		return nil, errors.ErrIncorrectType.New("This is not a valid " + t)
	}
	if ne, ok := obj["$ne"]; ok && ne != nil {
		if m, ok := ne.(map[string]interface{}); ok {
			return getObjectType(m)
		}
		return GetType(ne)
	}
	if op, ok := obj["__op"].(string); ok && op != "" {
		switch op {
		case "Increment":
			return &FieldType{Type: TypeNumber}, nil
		case "Delete":
			return nil, nil
		case "Add", "AddUnique", "Remove":
			return &FieldType{Type: TypeArray}, nil
		case "AddRelation", "RemoveRelation":
			objects, _ := obj["objects"].([]interface{})
			if len(objects) == 0 {
				return nil, errors.ErrInvalidJSON.Newf("%s requires at least one object", op)
			}
			first, _ := objects[0].(map[string]interface{})
			className, _ := first["className"].(string)
			return &FieldType{Type: TypeRelation, TargetClass: className}, nil
		case "Batch":
			ops, _ := obj["ops"].([]interface{})
			if len(ops) == 0 {
				return nil, errors.ErrInvalidJSON.New("Batch requires at least one op")
			}
			return GetType(ops[0])
		default:
			return nil, errors.ErrCommandUnavailable.Newf("The %s operator is not supported yet.", op)
		}
	}
	return &FieldType{Type: TypeObject}, nil
}
