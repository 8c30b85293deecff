package query

import (
	"math"
)

// Apply returns a copy of doc with the update operators applied. Inserting
// enables $setOnInsert.
func Apply(doc map[string]interface{}, update map[string]interface{}, inserting bool) (map[string]interface{}, error) {
	out := NormalizeDoc(doc)
	update = NormalizeDoc(update)
	for _, op := range sortedKeys(update) {
		arg, ok := asDoc(update[op])
		if !ok {
			return nil, Error.New("%s expects a document", op)
		}
		for _, path := range sortedKeys(arg) {
			value := arg[path]
			if path == "_id" && op != "$setOnInsert" && !inserting {
				if cur, ok := out["_id"]; ok && !equal(cur, value) {
					return nil, Error.New("cannot modify _id")
				}
			}
			switch op {
			case "$set":
				SetPath(out, path, value)
			case "$setOnInsert":
				if inserting {
					SetPath(out, path, value)
				}
			case "$unset":
				UnsetPath(out, path)
			case "$inc":
				cur, _ := GetPath(out, path)
				sum, err := increment(cur, value)
				if err != nil {
					return nil, err
				}
				SetPath(out, path, sum)
			case "$push", "$addToSet":
				items := eachItems(value)
				cur, _ := GetPath(out, path)
				list, ok := asArray(cur)
				if cur != nil && !ok {
					return nil, Error.New("%s target %s is not an array", op, path)
				}
				list = append([]interface{}{}, list...)
				for _, item := range items {
					if op == "$addToSet" && contains(list, item) {
						continue
					}
					list = append(list, item)
				}
				SetPath(out, path, list)
			case "$pullAll":
				remove, ok := asArray(value)
				if !ok {
					return nil, Error.New("$pullAll expects an array")
				}
				cur, _ := GetPath(out, path)
				list, _ := asArray(cur)
				kept := make([]interface{}, 0, len(list))
				for _, item := range list {
					if !contains(remove, item) {
						kept = append(kept, item)
					}
				}
				if cur != nil {
					SetPath(out, path, kept)
				}
			default:
				return nil, Error.New("unsupported update operator %s", op)
			}
		}
	}
	return out, nil
}

func eachItems(value interface{}) []interface{} {
	if d, ok := asDoc(value); ok {
		if each, ok := asArray(d["$each"]); ok {
			return each
		}
	}
	return []interface{}{value}
}

func contains(list []interface{}, item interface{}) bool {
	for _, v := range list {
		if equal(v, item) {
			return true
		}
	}
	return false
}

func increment(cur, by interface{}) (interface{}, error) {
	delta, ok := toFloat(by)
	if !ok {
		return nil, Error.New("$inc amount must be a number")
	}
	if cur == nil {
		return by, nil
	}
	base, ok := toFloat(cur)
	if !ok {
		return nil, Error.New("cannot $inc a non-numeric value")
	}
	sum := base + delta
	if isInt(cur) && isInt(by) && sum == math.Trunc(sum) {
		return int64(sum), nil
	}
	return sum, nil
}

func isInt(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

// UpsertSeed builds the document an upsert starts from: the equality
// clauses of the filter.
func UpsertSeed(filter map[string]interface{}) map[string]interface{} {
	seed := map[string]interface{}{}
	for key, cond := range filter {
		if len(key) > 0 && key[0] == '$' {
			continue
		}
		if ops, ok := isOperatorDoc(cond); ok {
			if eq, ok := ops["$eq"]; ok {
				SetPath(seed, key, Normalize(eq))
			}
			continue
		}
		SetPath(seed, key, Normalize(cond))
	}
	return seed
}
