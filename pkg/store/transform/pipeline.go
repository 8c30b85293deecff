package transform

import (
	"strings"

	"github.com/sukryu/pStore/pkg/errors"
)

// TransformPipeline rewrites REST field names in $match, $group, $project
// and $sort stages to their storage names.
func TransformPipeline(fields Fields, pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(pipeline))
	for _, stage := range pipeline {
		next := make(map[string]interface{}, len(stage))
		for op, arg := range stage {
			switch op {
			case "$match":
				m, ok := arg.(map[string]interface{})
				if !ok {
					return nil, errors.ErrInvalidQuery.New("$match expects an object")
				}
				where, err := TransformWhere(fields, m, false)
				if err != nil {
					return nil, err
				}
				next[op] = where
			case "$group":
				next[op] = fieldRefs(fields, arg)
			case "$project", "$sort":
				m, ok := arg.(map[string]interface{})
				if !ok {
					next[op] = arg
					continue
				}
				renamed := make(map[string]interface{}, len(m))
				for k, v := range m {
					renamed[TransformKey(fields, k)] = fieldRefs(fields, v)
				}
				next[op] = renamed
			default:
				next[op] = arg
			}
		}
		out = append(out, next)
	}
	return out, nil
}

// fieldRefs rewrites "$field" references to storage names.
func fieldRefs(fields Fields, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			return "$" + TransformKey(fields, t[1:])
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = fieldRefs(fields, item)
		}
		return out
	}
	return v
}
