// Package transform converts REST objects, queries and updates into the
// storage document form and back. Every function is pure: inputs are never
// modified and results are freshly allocated.
package transform

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// Fields is the column map of one class, as held by schema.ClassData.
type Fields = map[string]schema.FieldType

// UpdateOp is a storage update operator bound to its argument, e.g. $inc 1.
type UpdateOp struct {
	Op  string
	Arg interface{}
}

// Earth radii used to turn distances into radians.
const (
	earthRadiusMiles      = 3959.0
	earthRadiusKilometers = 6371.0
)

var (
	authDataQueryRegex  = regexp.MustCompile(`^authData\.([a-zA-Z0-9_]+)\.id$`)
	authDataColumnRegex = regexp.MustCompile(`^_auth_data_[a-zA-Z0-9_]+$`)
)

// cannotTransform marks values that are not atoms.
type cannotTransform struct{}

var notAnAtom = cannotTransform{}

func isPointer(fields Fields, key string) bool {
	f, ok := fields[key]
	return ok && f.Type == schema.TypePointer
}

// TransformKey maps a REST field name to its storage name.
func TransformKey(fields Fields, fieldName string) string {
	switch fieldName {
	case "objectId":
		return "_id"
	case "createdAt":
		return "_created_at"
	case "updatedAt":
		return "_updated_at"
	case "sessionToken":
		return "_session_token"
	case "lastUsed":
		return "_last_used"
	case "timesUsed":
		return "times_used"
	}
	if isPointer(fields, fieldName) {
		return "_p_" + fieldName
	}
	return fieldName
}

// transformTopLevelAtom converts a value stored directly under a document
// key. It returns notAnAtom for arrays and plain objects.
func transformTopLevelAtom(atom interface{}, field *schema.FieldType) (interface{}, error) {
	switch v := atom.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, nil
	case string:
		if field != nil && field.Type == schema.TypePointer {
			return field.TargetClass + "$" + v, nil
		}
		return v, nil
	case time.Time:
		return v, nil
	case primitive.Binary:
		return v, nil
	}
	obj, ok := asDoc(atom)
	if !ok {
		if _, isArr := asArray(atom); isArr {
			return notAnAtom, nil
		}
		return nil, errors.ErrInvalidJSON.Newf("cannot transform value: %v", atom)
	}
	switch {
	case isType(obj, schema.TypePointer):
		className, _ := obj["className"].(string)
		objectID, _ := obj["objectId"].(string)
		return className + "$" + objectID, nil
	case isType(obj, schema.TypeDate):
		return dateToStorage(obj)
	case isType(obj, schema.TypeBytes):
		return bytesToStorage(obj)
	case isType(obj, schema.TypeGeoPoint):
		return geoPointToStorage(obj)
	case isType(obj, schema.TypePolygon):
		return polygonToStorage(obj)
	case isType(obj, schema.TypeFile):
		name, _ := obj["name"].(string)
		return name, nil
	}
	return notAnAtom, nil
}

func hasNestedOperatorKey(obj map[string]interface{}) bool {
	for k := range obj {
		if strings.Contains(k, "$") || strings.Contains(k, ".") {
			return true
		}
	}
	return false
}

// transformInteriorAtom converts a value nested inside an object or array.
// Only pointers, dates and bytes change form there.
func transformInteriorAtom(atom interface{}) (interface{}, error) {
	obj, ok := asDoc(atom)
	if !ok {
		return atom, nil
	}
	switch {
	case isType(obj, schema.TypePointer):
		return map[string]interface{}{"__type": "Pointer", "className": obj["className"], "objectId": obj["objectId"]}, nil
	case isType(obj, schema.TypeDate):
		return dateToStorage(obj)
	case isType(obj, schema.TypeBytes):
		return bytesToStorage(obj)
	}
	if re, ok := obj["$regex"]; ok {
		pattern, _ := re.(string)
		return primitive.Regex{Pattern: pattern}, nil
	}
	return atom, nil
}

func transformInteriorValue(value interface{}) (interface{}, error) {
	if obj, ok := asDoc(value); ok {
		if hasNestedOperatorKey(obj) {
			return nil, errors.ErrInvalidNestedKey
		}
		if _, isOp := obj["__op"]; isOp {
			return TransformUpdateOperator(obj, true)
		}
		if isType(obj, schema.TypePointer) || isType(obj, schema.TypeDate) || isType(obj, schema.TypeBytes) {
			return transformInteriorAtom(obj)
		}
		return mapValues(obj, transformInteriorValue)
	}
	if arr, ok := asArray(value); ok {
		return mapArray(arr, transformInteriorValue)
	}
	return value, nil
}

func mapValues(obj map[string]interface{}, fn func(interface{}) (interface{}, error)) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		tv, err := fn(v)
		if err != nil {
			return nil, err
		}
		if tv == nil && isDeleteOp(v) {
			continue
		}
		out[k] = tv
	}
	return out, nil
}

func mapArray(arr []interface{}, fn func(interface{}) (interface{}, error)) ([]interface{}, error) {
	out := make([]interface{}, len(arr))
	for i, v := range arr {
		tv, err := fn(v)
		if err != nil {
			return nil, err
		}
		out[i] = tv
	}
	return out, nil
}

func isDeleteOp(v interface{}) bool {
	obj, ok := asDoc(v)
	if !ok {
		return false
	}
	op, _ := obj["__op"].(string)
	return op == "Delete"
}

// TransformUpdateOperator converts a REST update operator. With flatten it
// returns the value a fresh object would hold (nil for Delete); otherwise it
// returns an UpdateOp.
func TransformUpdateOperator(operator map[string]interface{}, flatten bool) (interface{}, error) {
	op, _ := operator["__op"].(string)
	switch op {
	case "Delete":
		if flatten {
			return nil, nil
		}
		return UpdateOp{Op: "$unset", Arg: ""}, nil
	case "Increment":
		amount, ok := toFloat(operator["amount"])
		if !ok {
			return nil, errors.ErrInvalidJSON.New("incrementing must provide a number")
		}
		if flatten {
			return operator["amount"], nil
		}
		return UpdateOp{Op: "$inc", Arg: amount}, nil
	case "SetOnInsert":
		if flatten {
			return operator["amount"], nil
		}
		return UpdateOp{Op: "$setOnInsert", Arg: operator["amount"]}, nil
	case "Add", "AddUnique":
		objects, ok := asArray(operator["objects"])
		if !ok {
			return nil, errors.ErrInvalidJSON.New("objects to add must be an array")
		}
		toAdd, err := mapArray(objects, transformInteriorAtom)
		if err != nil {
			return nil, err
		}
		if flatten {
			return toAdd, nil
		}
		storageOp := "$push"
		if op == "AddUnique" {
			storageOp = "$addToSet"
		}
		return UpdateOp{Op: storageOp, Arg: bson.M{"$each": toAdd}}, nil
	case "Remove":
		objects, ok := asArray(operator["objects"])
		if !ok {
			return nil, errors.ErrInvalidJSON.New("objects to remove must be an array")
		}
		toRemove, err := mapArray(objects, transformInteriorAtom)
		if err != nil {
			return nil, err
		}
		if flatten {
			return []interface{}{}, nil
		}
		return UpdateOp{Op: "$pullAll", Arg: toRemove}, nil
	}
	return nil, errors.ErrCommandUnavailable.Newf("The %s operator is not supported yet.", op)
}

// TransformKeyValueForUpdate converts one key of an update payload.
func TransformKeyValueForUpdate(fields Fields, restKey string, restValue interface{}) (string, interface{}, error) {
	key := restKey
	timeField := false
	switch key {
	case "objectId", "_id":
		key = "_id"
	case "createdAt", "_created_at":
		key = "_created_at"
		timeField = true
	case "updatedAt", "_updated_at":
		key = "_updated_at"
		timeField = true
	case "sessionToken", "_session_token":
		key = "_session_token"
	case "expiresAt", "_expiresAt":
		key = "expiresAt"
		timeField = true
	case "lastUsed", "_last_used":
		key = "_last_used"
		timeField = true
	case "timesUsed", "times_used":
		key = "times_used"
	case "_rperm", "_wperm":
		return key, restValue, nil
	}

	restObj, isObj := asDoc(restValue)
	_, known := fields[key]
	if isPointer(fields, key) || (!strings.Contains(key, ".") && !known && isObj && isType(restObj, schema.TypePointer)) {
		key = "_p_" + key
	}

	value, err := transformTopLevelAtom(restValue, nil)
	if err != nil {
		return "", nil, err
	}
	if value != notAnAtom {
		if s, ok := value.(string); ok && timeField {
			t, err := ParseISO(s)
			if err != nil {
				return "", nil, err
			}
			value = t
		}
		if strings.Contains(restKey, ".") {
			return key, restValue, nil
		}
		return key, value, nil
	}

	if arr, ok := asArray(restValue); ok {
		out, err := mapArray(arr, transformInteriorValue)
		return key, out, err
	}
	if _, ok := restObj["__op"]; ok {
		out, err := TransformUpdateOperator(restObj, false)
		return key, out, err
	}
	if hasNestedOperatorKey(restObj) {
		return "", nil, errors.ErrInvalidNestedKey
	}
	out, err := mapValues(restObj, transformInteriorValue)
	return key, out, err
}

// TransformUpdate builds a storage update document ($set, $inc, ...) from a
// REST update. Relation values are skipped; ACL must already be split into
// _rperm/_wperm.
func TransformUpdate(fields Fields, restUpdate map[string]interface{}) (bson.M, error) {
	update := bson.M{}
	set := func(op, key string, value interface{}) {
		section, ok := update[op].(bson.M)
		if !ok {
			section = bson.M{}
			update[op] = section
		}
		section[key] = value
	}
	for _, restKey := range sortedKeys(restUpdate) {
		restValue := restUpdate[restKey]
		if obj, ok := asDoc(restValue); ok && isType(obj, schema.TypeRelation) {
			continue
		}
		key, value, err := TransformKeyValueForUpdate(fields, restKey, restValue)
		if err != nil {
			return nil, err
		}
		if op, ok := value.(UpdateOp); ok {
			set(op.Op, key, op.Arg)
			continue
		}
		set("$set", key, value)
	}
	return update, nil
}

// FlattenUpdateOperatorsForCreate replaces update operators in a new object
// with the value they produce on an empty row.
func FlattenUpdateOperatorsForCreate(object map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(object))
	for key, value := range object {
		obj, ok := asDoc(value)
		if !ok {
			out[key] = value
			continue
		}
		op, ok := obj["__op"].(string)
		if !ok {
			out[key] = value
			continue
		}
		switch op {
		case "Increment":
			if _, ok := toFloat(obj["amount"]); !ok {
				return nil, errors.ErrInvalidJSON.New("objects to add must be an array")
			}
			out[key] = obj["amount"]
		case "SetOnInsert":
			out[key] = obj["amount"]
		case "Add", "AddUnique":
			objects, ok := asArray(obj["objects"])
			if !ok {
				return nil, errors.ErrInvalidJSON.New("objects to add must be an array")
			}
			out[key] = objects
		case "Remove":
			if _, ok := asArray(obj["objects"]); !ok {
				return nil, errors.ErrInvalidJSON.New("objects to add must be an array")
			}
			out[key] = []interface{}{}
		case "Delete":
		default:
			return nil, errors.ErrCommandUnavailable.Newf("The %s operator is not supported yet.", op)
		}
	}
	return out, nil
}

// ParseObjectToStorageForCreate converts a REST object (ACL already split,
// operators already flattened) into a storage document.
func ParseObjectToStorageForCreate(fields Fields, restCreate map[string]interface{}) (bson.M, error) {
	doc := bson.M{}
	for _, restKey := range sortedKeys(restCreate) {
		restValue := restCreate[restKey]
		if obj, ok := asDoc(restValue); ok && isType(obj, schema.TypeRelation) {
			continue
		}
		key, value, err := objectKeyValueForCreate(fields, restKey, restValue)
		if err != nil {
			return nil, err
		}
		doc[key] = value
	}
	for restKey, storageKey := range map[string]string{"createdAt": "_created_at", "updatedAt": "_updated_at"} {
		v, ok := doc[restKey]
		if !ok {
			continue
		}
		delete(doc, restKey)
		switch t := v.(type) {
		case time.Time:
			doc[storageKey] = t
		case string:
			parsed, err := ParseISO(t)
			if err != nil {
				return nil, err
			}
			doc[storageKey] = parsed
		}
	}
	return doc, nil
}

func objectKeyValueForCreate(fields Fields, restKey string, restValue interface{}) (string, interface{}, error) {
	switch restKey {
	case "objectId":
		return "_id", restValue, nil
	case "expiresAt":
		v, err := transformTopLevelAtom(restValue, nil)
		if err != nil {
			return "", nil, err
		}
		if s, ok := v.(string); ok {
			t, err := ParseISO(s)
			return "expiresAt", t, err
		}
		return "expiresAt", v, nil
	case "sessionToken":
		return "_session_token", restValue, nil
	case "_rperm", "_wperm", "_hashed_password":
		return restKey, restValue, nil
	}
	if authDataQueryRegex.MatchString(restKey) {
		return "", nil, errors.ErrInvalidKeyName.New("can only query on " + restKey)
	}
	if authDataColumnRegex.MatchString(restKey) {
		return restKey, restValue, nil
	}

	key := restKey
	if obj, ok := asDoc(restValue); ok && !isType(obj, schema.TypeBytes) {
		if isPointer(fields, key) || isType(obj, schema.TypePointer) {
			key = "_p_" + key
		}
	} else if restValue != nil && isPointer(fields, key) {
		key = "_p_" + key
	}

	value, err := transformTopLevelAtom(restValue, nil)
	if err != nil {
		return "", nil, err
	}
	if value != notAnAtom {
		return key, value, nil
	}
	if restKey == "ACL" {
		return "", nil, errors.ErrInternal.New("There was a problem transforming an ACL.")
	}
	if arr, ok := asArray(restValue); ok {
		out, err := mapArray(arr, transformInteriorValue)
		return key, out, err
	}
	obj, _ := asDoc(restValue)
	if hasNestedOperatorKey(obj) {
		return "", nil, errors.ErrInvalidNestedKey
	}
	out, err := mapValues(obj, transformInteriorValue)
	return key, out, err
}

// TransformWhere converts a REST query into a storage filter. fields may be
// nil when the class schema is unknown, in which case inline pointer markers
// decide pointer columns.
func TransformWhere(fields Fields, restWhere map[string]interface{}, count bool) (bson.M, error) {
	where := bson.M{}
	for _, restKey := range sortedKeys(restWhere) {
		key, value, err := transformQueryKeyValue(fields, restKey, restWhere[restKey], count)
		if err != nil {
			return nil, err
		}
		where[key] = value
	}
	return where, nil
}

func valueAsDate(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := ParseISO(t)
		return parsed, err == nil
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

func transformQueryKeyValue(fields Fields, key string, value interface{}, count bool) (string, interface{}, error) {
	switch key {
	case "createdAt", "updatedAt", "expiresAt", "lastUsed":
		storageKey := map[string]string{
			"createdAt": "_created_at",
			"updatedAt": "_updated_at",
			"expiresAt": "expiresAt",
			"lastUsed":  "_last_used",
		}[key]
		if t, ok := valueAsDate(value); ok {
			return storageKey, t, nil
		}
		key = storageKey
	case "objectId":
		return "_id", value, nil
	case "sessionToken":
		return "_session_token", value, nil
	case "timesUsed":
		return "times_used", value, nil
	case "_rperm", "_wperm", "_id", "_hashed_password":
		return key, value, nil
	case "$or", "$and", "$nor":
		branches, ok := asArray(value)
		if !ok {
			return "", nil, errors.ErrInvalidQuery.Newf("Bad %s format - use an array value.", key)
		}
		out := make([]interface{}, 0, len(branches))
		for _, b := range branches {
			sub, ok := asDoc(b)
			if !ok {
				return "", nil, errors.ErrInvalidQuery.Newf("Bad %s format - use an array of objects.", key)
			}
			where, err := TransformWhere(fields, sub, count)
			if err != nil {
				return "", nil, err
			}
			out = append(out, where)
		}
		return key, out, nil
	default:
		if m := authDataQueryRegex.FindStringSubmatch(key); m != nil {
			return "_auth_data_" + m[1] + ".id", value, nil
		}
	}

	var field *schema.FieldType
	if f, ok := fields[key]; ok {
		field = &f
	}
	expectedArray := field != nil && field.Type == schema.TypeArray
	obj, isObj := asDoc(value)
	if (field != nil && field.Type == schema.TypePointer) || (fields == nil && isObj && isType(obj, schema.TypePointer)) {
		key = "_p_" + key
	}

	if isObj {
		constraint, err := TransformConstraint(obj, field, count)
		if err != nil {
			return "", nil, err
		}
		if constraint != nil {
			return key, constraint, nil
		}
	}

	if _, isArr := asArray(value); expectedArray && !isArr {
		atom, err := transformInteriorAtom(value)
		if err != nil {
			return "", nil, err
		}
		return key, bson.M{"$all": []interface{}{atom}}, nil
	}

	var (
		res interface{}
		err error
	)
	if strings.Contains(key, ".") {
		res, err = transformInteriorAtom(value)
	} else {
		res, err = transformTopLevelAtom(value, nil)
	}
	if err != nil {
		return "", nil, err
	}
	if res == notAnAtom {
		return "", nil, errors.ErrInvalidJSON.Newf("You cannot use %v as a query parameter.", value)
	}
	return key, res, nil
}

// maxDistanceRadians reads the distance limit of a $nearSphere constraint in
// radians, whichever unit it was given in.
func maxDistanceRadians(constraint map[string]interface{}) (float64, bool) {
	for _, unit := range []struct {
		key    string
		radius float64
	}{
		{"$maxDistance", 1},
		{"$maxDistanceInRadians", 1},
		{"$maxDistanceInMiles", earthRadiusMiles},
		{"$maxDistanceInKilometers", earthRadiusKilometers},
	} {
		v, present := constraint[unit.key]
		if !present {
			continue
		}
		d, ok := toFloat(v)
		if !ok {
			return 0, false
		}
		return d / unit.radius, true
	}
	return 0, false
}

// TransformConstraint converts a REST constraint object such as
// {"$gt": 3}. It returns nil when constraint is not an operator object.
func TransformConstraint(constraint map[string]interface{}, field *schema.FieldType, count bool) (bson.M, error) {
	inArray := field != nil && field.Type == schema.TypeArray
	transformer := func(atom interface{}) (interface{}, error) {
		var (
			res interface{}
			err error
		)
		if inArray {
			res, err = transformInteriorAtom(atom)
		} else {
			res, err = transformTopLevelAtom(atom, field)
		}
		if err != nil {
			return nil, err
		}
		if res == notAnAtom {
			return nil, errors.ErrInvalidJSON.Newf("bad atom: %v", atom)
		}
		return res, nil
	}

	// reverse order puts $regex before $options
	keys := sortedKeys(constraint)
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	answer := bson.M{}
	for _, key := range keys {
		value := constraint[key]
		switch key {
		case "$lt", "$lte", "$gt", "$gte", "$exists", "$ne", "$eq":
			v, err := transformer(value)
			if err != nil {
				return nil, err
			}
			answer[key] = v
		case "$in", "$nin":
			arr, ok := asArray(value)
			if !ok {
				return nil, errors.ErrInvalidJSON.New("bad " + key + " value")
			}
			out := make([]interface{}, 0, len(arr))
			for _, atom := range arr {
				if nested, ok := asArray(atom); ok {
					for _, n := range nested {
						v, err := transformer(n)
						if err != nil {
							return nil, err
						}
						out = append(out, v)
					}
					continue
				}
				v, err := transformer(atom)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			answer[key] = out
		case "$all":
			arr, ok := asArray(value)
			if !ok {
				return nil, errors.ErrInvalidJSON.New("bad " + key + " value")
			}
			out, err := mapArray(arr, transformInteriorAtom)
			if err != nil {
				return nil, err
			}
			regexes := 0
			for _, v := range out {
				if _, ok := v.(primitive.Regex); ok {
					regexes++
				}
			}
			if regexes > 0 && regexes != len(out) {
				return nil, errors.ErrInvalidJSON.Newf("All $all values must be of regex type or none: %v", out)
			}
			answer[key] = out
		case "$regex":
			s, ok := value.(string)
			if !ok {
				return nil, errors.ErrInvalidJSON.Newf("bad regex: %v", value)
			}
			answer[key] = s
		case "$options":
			if _, ok := answer["$regex"]; !ok {
				return nil, errors.ErrInvalidQuery.New("$options requires $regex")
			}
			answer[key] = value
		case "$nearSphere":
			point, ok := asDoc(value)
			if !ok {
				return nil, errors.ErrInvalidJSON.New("bad $nearSphere value")
			}
			lng, _ := toFloat(point["longitude"])
			lat, _ := toFloat(point["latitude"])
			if count {
				// counts cannot sort by distance, so the sphere becomes a region;
				// no limit means the whole globe
				radius, ok := maxDistanceRadians(constraint)
				if !ok {
					radius = math.Pi
				}
				answer["$geoWithin"] = bson.M{"$centerSphere": []interface{}{[]interface{}{lng, lat}, radius}}
			} else {
				answer[key] = []interface{}{lng, lat}
			}
		case "$maxDistance", "$maxDistanceInRadians", "$maxDistanceInMiles", "$maxDistanceInKilometers":
			if count {
				continue
			}
			if _, ok := answer["$maxDistance"]; ok {
				continue
			}
			if radius, ok := maxDistanceRadians(constraint); ok {
				answer["$maxDistance"] = radius
			}
		case "$select", "$dontSelect":
			return nil, errors.ErrCommandUnavailable.Newf("the %s constraint is not supported yet", key)
		case "$within":
			within, _ := asDoc(value)
			box, ok := asArray(within["$box"])
			if !ok || len(box) != 2 {
				return nil, errors.ErrInvalidJSON.New("malformatted $within arg")
			}
			corners := make([]interface{}, 0, 2)
			for _, c := range box {
				p, _ := asDoc(c)
				lng, _ := toFloat(p["longitude"])
				lat, _ := toFloat(p["latitude"])
				corners = append(corners, []interface{}{lng, lat})
			}
			answer[key] = bson.M{"$box": corners}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, errors.ErrInvalidJSON.New("bad constraint: " + key)
			}
			return nil, nil
		}
	}
	return answer, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
