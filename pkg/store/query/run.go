package query

import (
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Options shape a Find.
type Options struct {
	Sort  []SortKey
	Skip  int
	Limit int
	Keys  []string
}

// Filter returns the documents matching filter, in input order.
func Filter(docs []map[string]interface{}, filter map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		ok, err := Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Find filters, sorts, pages and projects docs. A $nearSphere clause orders
// by distance when no explicit sort is given.
func Find(docs []map[string]interface{}, filter map[string]interface{}, opts Options) ([]map[string]interface{}, error) {
	out, err := Filter(docs, filter)
	if err != nil {
		return nil, err
	}
	if len(opts.Sort) > 0 {
		Sort(out, opts.Sort)
	} else if path, center, ok := nearField(filter); ok {
		sort.SliceStable(out, func(i, j int) bool {
			return distanceTo(out[i], path, center) < distanceTo(out[j], path, center)
		})
	}
	out = Page(out, opts.Skip, opts.Limit)
	if len(opts.Keys) > 0 {
		for i, doc := range out {
			out[i] = Project(doc, opts.Keys)
		}
	}
	return out, nil
}

// Sort orders docs in place.
func Sort(docs []map[string]interface{}, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, _ := GetPath(docs[i], k.Field)
			b, _ := GetPath(docs[j], k.Field)
			c := sortCompare(a, b)
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Page applies skip and limit. A non-positive limit means no limit.
func Page(docs []map[string]interface{}, skip, limit int) []map[string]interface{} {
	if skip > 0 {
		if skip >= len(docs) {
			return []map[string]interface{}{}
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Project keeps _id plus the listed paths.
func Project(doc map[string]interface{}, keys []string) map[string]interface{} {
	out := map[string]interface{}{}
	if id, ok := doc["_id"]; ok {
		out["_id"] = id
	}
	for _, k := range keys {
		if v, ok := GetPath(doc, k); ok {
			SetPath(out, k, v)
		}
	}
	return out
}

// Distinct returns the distinct values at path among docs matching filter.
// Array values contribute their elements.
func Distinct(docs []map[string]interface{}, filter map[string]interface{}, path string) ([]interface{}, error) {
	matched, err := Filter(docs, filter)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, doc := range matched {
		values, _ := lookup(doc, path)
		for _, v := range values {
			items := []interface{}{v}
			if arr, ok := asArray(v); ok {
				items = arr
			}
			for _, item := range items {
				if !contains(out, item) {
					out = append(out, item)
				}
			}
		}
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, nil
}

// Aggregate runs a pipeline of $match, $sort, $skip, $limit, $count,
// $group, $project and $unwind stages.
func Aggregate(docs []map[string]interface{}, pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	out := docs
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, Error.New("a pipeline stage must have exactly one operator")
		}
		for op, arg := range stage {
			var err error
			switch op {
			case "$match":
				filter, ok := asDoc(arg)
				if !ok {
					return nil, Error.New("$match expects a document")
				}
				out, err = Filter(out, filter)
			case "$sort":
				keys, ok := sortKeys(arg)
				if !ok {
					return nil, Error.New("$sort expects a document")
				}
				out = append([]map[string]interface{}{}, out...)
				Sort(out, keys)
			case "$skip":
				n, _ := toFloat(arg)
				out = Page(out, int(n), 0)
			case "$limit":
				n, _ := toFloat(arg)
				out = Page(out, 0, int(n))
			case "$count":
				name, ok := arg.(string)
				if !ok || name == "" {
					return nil, Error.New("$count expects a field name")
				}
				out = []map[string]interface{}{{name: int64(len(out))}}
			case "$group":
				out, err = group(out, arg)
			case "$project":
				out, err = project(out, arg)
			case "$unwind":
				out, err = unwind(out, arg)
			default:
				return nil, Error.New("unsupported pipeline stage %s", op)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func sortKeys(arg interface{}) ([]SortKey, bool) {
	if d, ok := arg.(bson.D); ok {
		keys := make([]SortKey, 0, len(d))
		for _, e := range d {
			n, _ := toFloat(e.Value)
			keys = append(keys, SortKey{Field: e.Key, Desc: n < 0})
		}
		return keys, true
	}
	m, ok := asDoc(arg)
	if !ok {
		return nil, false
	}
	keys := make([]SortKey, 0, len(m))
	for _, k := range sortedKeys(m) {
		n, _ := toFloat(m[k])
		keys = append(keys, SortKey{Field: k, Desc: n < 0})
	}
	return keys, true
}

// eval resolves a "$path" reference against doc; other values are literals.
func eval(doc map[string]interface{}, expr interface{}) interface{} {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := GetPath(doc, s[1:])
		return v
	}
	if d, ok := asDoc(expr); ok {
		out := make(map[string]interface{}, len(d))
		for k, v := range d {
			out[k] = eval(doc, v)
		}
		return out
	}
	return expr
}

func group(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := asDoc(arg)
	if !ok {
		return nil, Error.New("$group expects a document")
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, Error.New("$group requires an _id")
	}
	type bucket struct {
		id   interface{}
		docs []map[string]interface{}
	}
	var buckets []*bucket
	for _, doc := range docs {
		id := eval(doc, idExpr)
		var b *bucket
		for _, candidate := range buckets {
			if equal(candidate.id, id) {
				b = candidate
				break
			}
		}
		if b == nil {
			b = &bucket{id: id}
			buckets = append(buckets, b)
		}
		b.docs = append(b.docs, doc)
	}
	out := make([]map[string]interface{}, 0, len(buckets))
	for _, b := range buckets {
		row := map[string]interface{}{"_id": b.id}
		for field, accSpec := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := asDoc(accSpec)
			if !ok || len(acc) != 1 {
				return nil, Error.New("bad accumulator for %s", field)
			}
			for name, expr := range acc {
				v, err := accumulate(name, expr, b.docs)
				if err != nil {
					return nil, err
				}
				row[field] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(name string, expr interface{}, docs []map[string]interface{}) (interface{}, error) {
	switch name {
	case "$sum", "$avg":
		var sum float64
		n := 0
		for _, doc := range docs {
			if f, ok := toFloat(eval(doc, expr)); ok {
				sum += f
				n++
			}
		}
		if name == "$avg" {
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		}
		return sum, nil
	case "$min", "$max":
		var best interface{}
		for _, doc := range docs {
			v := eval(doc, expr)
			if v == nil {
				continue
			}
			c := sortCompare(v, best)
			if best == nil || (name == "$min" && c < 0) || (name == "$max" && c > 0) {
				best = v
			}
		}
		return best, nil
	case "$first", "$last":
		if len(docs) == 0 {
			return nil, nil
		}
		if name == "$first" {
			return eval(docs[0], expr), nil
		}
		return eval(docs[len(docs)-1], expr), nil
	case "$push", "$addToSet":
		out := []interface{}{}
		for _, doc := range docs {
			v := eval(doc, expr)
			if name == "$addToSet" && contains(out, v) {
				continue
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, Error.New("unsupported accumulator %s", name)
}

func project(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	spec, ok := asDoc(arg)
	if !ok {
		return nil, Error.New("$project expects a document")
	}
	excludeID := false
	if v, ok := spec["_id"]; ok {
		if n, isNum := toFloat(v); (isNum && n == 0) || v == false {
			excludeID = true
		}
	}
	out := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		row := map[string]interface{}{}
		if id, ok := doc["_id"]; ok && !excludeID {
			row["_id"] = id
		}
		for field, v := range spec {
			if field == "_id" {
				continue
			}
			if n, isNum := toFloat(v); (isNum && n != 0) || v == true {
				if value, ok := GetPath(doc, field); ok {
					SetPath(row, field, value)
				}
				continue
			}
			if _, isNum := toFloat(v); isNum || v == false {
				continue
			}
			SetPath(row, field, eval(doc, v))
		}
		out = append(out, row)
	}
	return out, nil
}

func unwind(docs []map[string]interface{}, arg interface{}) ([]map[string]interface{}, error) {
	path, ok := arg.(string)
	if d, isDoc := asDoc(arg); isDoc {
		path, ok = d["path"].(string)
	}
	if !ok || !strings.HasPrefix(path, "$") {
		return nil, Error.New("$unwind expects a field path")
	}
	path = path[1:]
	var out []map[string]interface{}
	for _, doc := range docs {
		v, _ := GetPath(doc, path)
		items, ok := asArray(v)
		if !ok {
			if v != nil {
				out = append(out, doc)
			}
			continue
		}
		for _, item := range items {
			cp := NormalizeDoc(doc)
			SetPath(cp, path, item)
			out = append(out, cp)
		}
	}
	return out, nil
}
