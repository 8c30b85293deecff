package transform

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/schema"
)

var authDataStorageRegex = regexp.MustCompile(`^_auth_data_([a-zA-Z0-9_]+)$`)

// Internal columns handed back untouched; the database controller strips them.
var passthroughKeys = map[string]bool{
	"_hashed_password":               true,
	"_email_verify_token":            true,
	"_perishable_token":              true,
	"_perishable_token_expires_at":   true,
	"_password_changed_at":           true,
	"_tombstone":                     true,
	"_email_verify_token_expires_at": true,
	"_account_lockout_expires_at":    true,
	"_failed_login_count":            true,
	"_password_history":              true,
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case primitive.DateTime:
		return t.Time().UTC(), true
	case string:
		parsed, err := ParseISO(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// nestedToREST converts a nested storage value back to REST form.
func nestedToREST(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool:
		return t
	case time.Time, primitive.DateTime:
		tm, _ := asTime(t)
		return EncodeDate(tm)
	case primitive.Binary:
		return bytesToREST(t)
	case []byte:
		return bytesToREST(primitive.Binary{Data: t})
	case primitive.Regex:
		return t.Pattern
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	if arr, ok := asArray(v); ok {
		out := make([]interface{}, len(arr))
		for i, item := range arr {
			out[i] = nestedToREST(item)
		}
		return out
	}
	if doc, ok := asDoc(v); ok {
		out := make(map[string]interface{}, len(doc))
		for k, item := range doc {
			out[k] = nestedToREST(item)
		}
		if isType(out, schema.TypeDate) {
			if iso, ok := out["iso"].(map[string]interface{}); ok {
				out["iso"] = iso["iso"]
			}
		}
		return out
	}
	return v
}

// UntransformObject converts a stored document of className back to REST
// form. Pointer columns that the schema no longer declares are dropped; any
// other unknown internal column is an error.
func UntransformObject(log *zap.Logger, className string, fields Fields, stored map[string]interface{}) (map[string]interface{}, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rest := make(map[string]interface{}, len(stored))
	if _, ok := stored["_rperm"]; ok {
		rest["_rperm"] = toStringSlice(stored["_rperm"])
		rest["_wperm"] = toStringSlice(stored["_wperm"])
	} else if _, ok := stored["_wperm"]; ok {
		rest["_rperm"] = []string{}
		rest["_wperm"] = toStringSlice(stored["_wperm"])
	}

	for key, value := range stored {
		switch key {
		case "_rperm", "_wperm", "_acl":
			continue
		case "_id":
			switch id := value.(type) {
			case string:
				rest["objectId"] = id
			case primitive.ObjectID:
				rest["objectId"] = id.Hex()
			default:
				rest["objectId"] = toString(value)
			}
			continue
		case "_session_token":
			rest["sessionToken"] = value
			continue
		case "updatedAt", "_updated_at":
			if t, ok := asTime(value); ok {
				rest["updatedAt"] = ISO(t)
			}
			continue
		case "createdAt", "_created_at":
			if t, ok := asTime(value); ok {
				rest["createdAt"] = ISO(t)
			}
			continue
		case "expiresAt", "_expiresAt":
			if t, ok := asTime(value); ok {
				rest["expiresAt"] = EncodeDate(t)
			}
			continue
		case "lastUsed", "_last_used":
			if t, ok := asTime(value); ok {
				rest["lastUsed"] = ISO(t)
			}
			continue
		case "timesUsed", "times_used":
			rest["timesUsed"] = nestedToREST(value)
			continue
		case "authData":
			if className == "_User" {
				log.Warn("ignoring authData in _User as this key is reserved to be synthesized of _auth_data_* keys")
			} else {
				rest["authData"] = nestedToREST(value)
			}
			continue
		}
		if passthroughKeys[key] {
			rest[key] = value
			continue
		}
		if m := authDataStorageRegex.FindStringSubmatch(key); m != nil && className == "_User" {
			authData, _ := rest["authData"].(map[string]interface{})
			if authData == nil {
				authData = map[string]interface{}{}
				rest["authData"] = authData
			}
			authData[m[1]] = nestedToREST(value)
			continue
		}
		if strings.HasPrefix(key, "_p_") {
			newKey := key[3:]
			f, ok := fields[newKey]
			if !ok {
				log.Warn("Found a pointer column not in the schema, dropping it.",
					zap.String("class", className), zap.String("field", newKey))
				continue
			}
			if f.Type != schema.TypePointer {
				log.Warn("Found a pointer in a non-pointer column, dropping it.",
					zap.String("class", className), zap.String("field", key))
				continue
			}
			if value == nil {
				continue
			}
			pointer, err := pointerToREST(f, toString(value))
			if err != nil {
				return nil, err
			}
			rest[newKey] = pointer
			continue
		}
		if strings.HasPrefix(key, "_") && key != "__type" {
			return nil, errors.ErrInternal.New("bad key in untransform: " + key)
		}

		if f, ok := fields[key]; ok {
			switch {
			case f.Type == schema.TypeFile:
				if name, ok := value.(string); ok {
					rest[key] = fileToREST(name)
					continue
				}
			case f.Type == schema.TypeGeoPoint && isGeoPointStorage(value):
				rest[key] = geoPointToREST(value)
				continue
			case f.Type == schema.TypePolygon && isPolygonStorage(value):
				rest[key] = polygonToREST(value)
				continue
			}
		}
		rest[key] = nestedToREST(value)
	}

	for name, f := range fields {
		if f.Type == schema.TypeRelation {
			rest[name] = map[string]interface{}{"__type": "Relation", "className": f.TargetClass}
		}
	}
	return rest, nil
}

func pointerToREST(f schema.FieldType, pointer string) (map[string]interface{}, error) {
	className, objectID, ok := strings.Cut(pointer, "$")
	if !ok || className != f.TargetClass {
		return nil, errors.ErrInternal.New("pointer to incorrect className")
	}
	return map[string]interface{}{"__type": "Pointer", "className": className, "objectId": objectID}, nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	arr, ok := asArray(v)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// TransformObjectACL splits a REST ACL into _rperm and _wperm lists.
func TransformObjectACL(object map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(object)+1)
	for k, v := range object {
		if k != "ACL" {
			out[k] = v
		}
	}
	acl, ok := asDoc(object["ACL"])
	if !ok {
		return out
	}
	rperm, wperm := []string{}, []string{}
	for _, entity := range sortedKeys(acl) {
		perms := aclEntry(acl[entity])
		if perms["read"] {
			rperm = append(rperm, entity)
		}
		if perms["write"] {
			wperm = append(wperm, entity)
		}
	}
	out["_rperm"] = rperm
	out["_wperm"] = wperm
	return out
}

func aclEntry(v interface{}) map[string]bool {
	switch e := v.(type) {
	case map[string]bool:
		return e
	}
	doc, ok := asDoc(v)
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(doc))
	for k, b := range doc {
		out[k], _ = b.(bool)
	}
	return out
}

// UntransformObjectACL rebuilds the REST ACL from _rperm and _wperm.
func UntransformObjectACL(object map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(object))
	for k, v := range object {
		if k != "_rperm" && k != "_wperm" {
			out[k] = v
		}
	}
	_, hasR := object["_rperm"]
	_, hasW := object["_wperm"]
	if !hasR && !hasW {
		return out
	}
	acl := map[string]interface{}{}
	entry := func(entity string) map[string]interface{} {
		e, ok := acl[entity].(map[string]interface{})
		if !ok {
			e = map[string]interface{}{}
			acl[entity] = e
		}
		return e
	}
	for _, entity := range toStringSlice(object["_rperm"]) {
		entry(entity)["read"] = true
	}
	for _, entity := range toStringSlice(object["_wperm"]) {
		entry(entity)["write"] = true
	}
	out["ACL"] = acl
	return out
}

// TransformAuthData moves authData.<provider> of a _User into
// _auth_data_<provider> columns. A nil provider becomes a Delete op. The
// returned names are the columns that now hold data.
func TransformAuthData(className string, object map[string]interface{}) (map[string]interface{}, []string) {
	authData, ok := asDoc(object["authData"])
	if className != "_User" || !ok {
		return object, nil
	}
	out := make(map[string]interface{}, len(object)+len(authData))
	for k, v := range object {
		if k != "authData" {
			out[k] = v
		}
	}
	var added []string
	for _, provider := range sortedKeys(authData) {
		fieldName := "_auth_data_" + provider
		if authData[provider] == nil {
			out[fieldName] = map[string]interface{}{"__op": "Delete"}
			continue
		}
		out[fieldName] = authData[provider]
		added = append(added, fieldName)
	}
	return out, added
}

// UntransformValue converts a single nested storage value to REST form.
func UntransformValue(v interface{}) interface{} {
	return nestedToREST(v)
}

// PointerFromStorage turns a stored "Class$id" string of field f back into a
// REST pointer.
func PointerFromStorage(f schema.FieldType, pointer string) (map[string]interface{}, error) {
	return pointerToREST(f, pointer)
}
