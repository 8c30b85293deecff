package query

import (
	"bytes"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Normalize converts decoder output (bson.M, bson.D, bson.A, primitive.DateTime)
// into plain maps, slices and time.Time so documents compare uniformly.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case bson.M:
		return Normalize(map[string]interface{}(t))
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case bson.A:
		return Normalize([]interface{}(t))
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	}
	return v
}

// NormalizeDoc is Normalize for a whole document.
func NormalizeDoc(doc map[string]interface{}) map[string]interface{} {
	return Normalize(doc).(map[string]interface{})
}

func asDoc(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case []interface{}:
		return a, true
	case bson.A:
		return a, true
	case []byte, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// typeRank follows the mongo BSON comparison order for mixed-type sorts.
func typeRank(v interface{}) int {
	if v == nil {
		return 1
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	switch v.(type) {
	case string:
		return 3
	case primitive.Binary, []byte:
		return 6
	case bool:
		return 8
	case time.Time, primitive.DateTime:
		return 9
	case primitive.Regex:
		return 11
	}
	if _, ok := asDoc(v); ok {
		return 4
	}
	if _, ok := asArray(v); ok {
		return 5
	}
	return 12
}

// compare orders two values. ok is false when the values are of different
// kinds, which makes range operators fail rather than guess.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case primitive.Binary:
		y, ok := b.(primitive.Binary)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x.Data, y.Data), true
	}
	if ta, ok := asTime(a); ok {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	return 0, false
}

// sortCompare is a total order used by Sort.
func sortCompare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if c, ok := compare(a, b); ok {
		return c
	}
	return 0
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if da, ok := asDoc(a); ok {
		db, ok := asDoc(b)
		if !ok || len(da) != len(db) {
			return false
		}
		for k, v := range da {
			w, ok := db[k]
			if !ok || !equal(v, w) {
				return false
			}
		}
		return true
	}
	if aa, ok := asArray(a); ok {
		ab, ok := asArray(b)
		if !ok || len(aa) != len(ab) {
			return false
		}
		for i := range aa {
			if !equal(aa[i], ab[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// lookup resolves a dotted path. Arrays met along the way are traversed, so
// a path can yield several values. found reports whether any value exists.
func lookup(doc interface{}, path string) (values []interface{}, found bool) {
	head, rest, nested := strings.Cut(path, ".")
	if d, ok := asDoc(doc); ok {
		v, ok := d[head]
		if !ok {
			return nil, false
		}
		if !nested {
			return []interface{}{v}, true
		}
		return lookup(v, rest)
	}
	if arr, ok := asArray(doc); ok {
		for _, item := range arr {
			if _, isDoc := asDoc(item); !isDoc {
				continue
			}
			vs, ok := lookup(item, path)
			if ok {
				values = append(values, vs...)
				found = true
			}
		}
		return values, found
	}
	return nil, false
}

// GetPath returns the single value at a dotted path without array traversal.
func GetPath(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		d, ok := asDoc(cur)
		if !ok {
			return nil, false
		}
		cur, ok = d[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dotted path, creating intermediate documents.
func SetPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asDoc(cur[part])
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// UnsetPath removes the value at a dotted path.
func UnsetPath(doc map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asDoc(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
