// Package query evaluates mongo-shaped filters, updates, sorts and
// aggregation pipelines against in-memory documents. Storage backends that
// keep documents as opaque blobs use it to answer transformed queries.
package query

import (
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Error is the class of unsupported or malformed filter errors.
var Error = errs.Class("query")

// Match reports whether doc satisfies filter.
func Match(doc map[string]interface{}, filter map[string]interface{}) (bool, error) {
	for _, key := range sortedKeys(filter) {
		cond := filter[key]
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and", "$or", "$nor":
			ok, err = matchLogical(doc, key, cond)
		case "$where", "$text", "$expr":
			return false, Error.New("unsupported operator %s", key)
		default:
			ok, err = matchField(doc, key, cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc map[string]interface{}, op string, cond interface{}) (bool, error) {
	clauses, ok := asArray(cond)
	if !ok {
		return false, Error.New("%s expects an array", op)
	}
	for _, c := range clauses {
		sub, ok := asDoc(c)
		if !ok {
			return false, Error.New("%s clause must be a document", op)
		}
		matched, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !matched:
			return false, nil
		case op == "$or" && matched:
			return true, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or", nil
}

func isOperatorDoc(v interface{}) (map[string]interface{}, bool) {
	d, ok := asDoc(v)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for k := range d {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return d, true
}

func matchField(doc map[string]interface{}, path string, cond interface{}) (bool, error) {
	values, found := lookup(doc, path)
	ops, isOps := isOperatorDoc(cond)
	if !isOps {
		return matchEq(values, found, cond), nil
	}
	if _, near := ops["$nearSphere"]; near {
		return matchNear(values, ops)
	}
	for _, op := range sortedKeys(ops) {
		arg := ops[op]
		var ok bool
		switch op {
		case "$eq":
			ok = matchEq(values, found, arg)
		case "$ne":
			ok = !matchEq(values, found, arg)
		case "$in", "$nin":
			list, isArr := asArray(arg)
			if !isArr {
				return false, Error.New("%s expects an array", op)
			}
			ok = false
			for _, item := range list {
				if matchEq(values, found, item) {
					ok = true
					break
				}
			}
			if op == "$nin" {
				ok = !ok
			}
		case "$lt", "$lte", "$gt", "$gte":
			ok = matchRange(values, op, arg)
		case "$exists":
			want, _ := arg.(bool)
			ok = found == want
		case "$all":
			var err error
			ok, err = matchAll(values, arg)
			if err != nil {
				return false, err
			}
		case "$regex":
			opts, _ := ops["$options"].(string)
			re, err := compileRegex(arg, opts)
			if err != nil {
				return false, err
			}
			ok = matchRegex(values, re)
		case "$options":
			continue
		case "$within", "$geoWithin":
			var err error
			ok, err = matchWithin(values, arg)
			if err != nil {
				return false, err
			}
		case "$maxDistance":
			continue
		default:
			return false, Error.New("unsupported operator %s", op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// expand yields each value plus the elements of array values, which is how
// mongo lets a scalar condition match any element of an array field.
func expand(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := asArray(v); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func matchEq(values []interface{}, found bool, want interface{}) bool {
	if want == nil && !found {
		return true
	}
	if re, ok := want.(primitive.Regex); ok {
		compiled, err := compileRegex(re.Pattern, re.Options)
		return err == nil && matchRegex(values, compiled)
	}
	for _, v := range expand(values) {
		if equal(v, want) {
			return true
		}
	}
	return false
}

func matchRange(values []interface{}, op string, bound interface{}) bool {
	for _, v := range expand(values) {
		c, ok := compare(v, bound)
		if !ok {
			continue
		}
		switch op {
		case "$lt":
			ok = c < 0
		case "$lte":
			ok = c <= 0
		case "$gt":
			ok = c > 0
		case "$gte":
			ok = c >= 0
		}
		if ok {
			return true
		}
	}
	return false
}

func matchAll(values []interface{}, arg interface{}) (bool, error) {
	list, ok := asArray(arg)
	if !ok {
		return false, Error.New("$all expects an array")
	}
	if len(list) == 0 {
		return false, nil
	}
	for _, want := range list {
		if !matchEq(values, len(values) > 0, want) {
			return false, nil
		}
	}
	return true, nil
}

func matchRegex(values []interface{}, re *regexp.Regexp) bool {
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

var verboseWhitespace = regexp.MustCompile(`\s+|#[^\n]*`)

func compileRegex(pattern interface{}, options string) (*regexp.Regexp, error) {
	var p string
	switch t := pattern.(type) {
	case string:
		p = t
	case primitive.Regex:
		p = t.Pattern
		options += t.Options
	default:
		return nil, Error.New("bad $regex value")
	}
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			if !strings.ContainsRune(flags, o) {
				flags += string(o)
			}
		case 'x':
			p = verboseWhitespace.ReplaceAllString(p, "")
		default:
			return nil, Error.New("bad $options value %q", options)
		}
	}
	if flags != "" {
		p = "(?" + flags + ")" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return re, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
