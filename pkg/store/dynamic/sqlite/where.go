package sqlite

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

// predicate is a SQL condition over the doc column compiled from a storage
// filter. An empty sql matches every row. When exact is false the predicate
// only narrows the scan and the evaluator in pkg/store/query has the final
// word on which rows match.
type predicate struct {
	sql   string
	args  []interface{}
	exact bool
}

var (
	matchEverything = predicate{exact: true}
	matchNothing    = predicate{sql: "0 = 1", exact: true}
	// narrowed marks a clause SQL cannot express; the evaluator checks it.
	narrowed = predicate{}
)

func (p predicate) expr() clause.Expr {
	return clause.Expr{SQL: p.sql, Vars: p.args}
}

// compileWhere translates the parts of a transformed filter that SQLite can
// evaluate over json_extract/json_each into a predicate.
func compileWhere(filter map[string]interface{}) predicate {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]predicate, 0, len(keys))
	for _, key := range keys {
		switch key {
		case "$and", "$or", "$nor":
			parts = append(parts, compileLogical(key, filter[key]))
		default:
			parts = append(parts, compileField(key, filter[key]))
		}
	}
	return and(parts)
}

func and(parts []predicate) predicate {
	out := matchEverything
	var terms []string
	for _, p := range parts {
		out.exact = out.exact && p.exact
		if p.sql == "" {
			continue
		}
		terms = append(terms, "("+p.sql+")")
		out.args = append(out.args, p.args...)
	}
	out.sql = strings.Join(terms, " AND ")
	return out
}

func or(parts []predicate) predicate {
	out := predicate{exact: true}
	var terms []string
	for _, p := range parts {
		out.exact = out.exact && p.exact
		if p.sql == "" {
			// one unconstrained branch lets every row through
			return predicate{exact: allExact(parts)}
		}
		terms = append(terms, "("+p.sql+")")
		out.args = append(out.args, p.args...)
	}
	if len(terms) == 0 {
		return matchNothing
	}
	out.sql = strings.Join(terms, " OR ")
	return out
}

func not(p predicate) predicate {
	if !p.exact {
		return narrowed
	}
	if p.sql == "" {
		return matchNothing
	}
	return predicate{sql: "NOT (" + p.sql + ")", args: p.args, exact: true}
}

func allExact(parts []predicate) bool {
	for _, p := range parts {
		if !p.exact {
			return false
		}
	}
	return true
}

func compileLogical(op string, cond interface{}) predicate {
	clauses, ok := listOf(cond)
	if !ok {
		return narrowed
	}
	parts := make([]predicate, 0, len(clauses))
	for _, c := range clauses {
		sub, ok := docOf(c)
		if !ok {
			return narrowed
		}
		parts = append(parts, compileWhere(sub))
	}
	switch op {
	case "$and":
		return and(parts)
	case "$or":
		return or(parts)
	}
	return not(or(parts))
}

func compileField(key string, cond interface{}) predicate {
	if strings.HasPrefix(key, "$") || strings.ContainsAny(key, `."`) {
		return narrowed
	}
	var t target = jsonTarget(key)
	if key == "_id" {
		t = idTarget{}
	}

	ops, isOps := operatorsOf(cond)
	if !isOps {
		return t.eq(cond)
	}
	if _, ok := ops["$regex"]; ok {
		delete(ops, "$options")
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	parts := make([]predicate, 0, len(ops))
	for _, op := range names {
		arg := ops[op]
		switch op {
		case "$eq":
			parts = append(parts, t.eq(arg))
		case "$ne":
			parts = append(parts, not(t.eq(arg)))
		case "$in":
			parts = append(parts, t.in(arg))
		case "$nin":
			parts = append(parts, not(t.in(arg)))
		case "$lt", "$lte", "$gt", "$gte":
			parts = append(parts, t.cmp(comparators[op], arg))
		case "$exists":
			want, _ := arg.(bool)
			parts = append(parts, t.exists(want))
		default:
			parts = append(parts, narrowed)
		}
	}
	return and(parts)
}

var comparators = map[string]string{"$lt": "<", "$lte": "<=", "$gt": ">", "$gte": ">="}

type target interface {
	eq(v interface{}) predicate
	in(v interface{}) predicate
	cmp(op string, v interface{}) predicate
	exists(want bool) predicate
}

// jsonTarget is a top-level document field. Conditions run over json_each so
// that a scalar condition also matches any element of an array value.
type jsonTarget string

func (f jsonTarget) path() string {
	return `$."` + string(f) + `"`
}

func (f jsonTarget) element(cond string, args ...interface{}) predicate {
	sql := "EXISTS (SELECT 1 FROM json_each(doc, ?) AS e WHERE typeof(e.key) <> 'text' AND " + cond + ")"
	return predicate{sql: sql, args: append([]interface{}{f.path()}, args...), exact: true}
}

func (f jsonTarget) eq(v interface{}) predicate {
	if v == nil {
		p := f.element("e.type = 'null'")
		p.sql = "json_type(doc, ?) IS NULL OR " + p.sql
		p.args = append([]interface{}{f.path()}, p.args...)
		return p
	}
	if b, ok := v.(bool); ok {
		if b {
			return f.element("e.type = 'true'")
		}
		return f.element("e.type = 'false'")
	}
	return f.cmp("=", v)
}

func (f jsonTarget) cmp(op string, v interface{}) predicate {
	if s, ok := v.(string); ok {
		return f.element("e.type = 'text' AND e.value "+op+" ?", s)
	}
	if n, ok := numberOf(v); ok {
		return f.element("e.type IN ('integer', 'real') AND e.value "+op+" ?", n)
	}
	if ms, ok := millisOf(v); ok {
		// json_each walks into a date object, so the field itself is
		// tested directly and only array elements go through json_each
		path := f.path()
		p := f.element("CASE WHEN e.type = 'object' THEN "+epochMillis("e.value")+" END "+op+" ?", ms)
		p.sql = "COALESCE(CASE WHEN json_type(doc, ?) = 'object' THEN " + epochMillis("json_extract(doc, ?)") + " END " + op + " ?, 0) OR " + p.sql
		p.args = append([]interface{}{path, path, path, ms}, p.args...)
		return p
	}
	return narrowed
}

func (f jsonTarget) in(v interface{}) predicate {
	items, ok := listOf(v)
	if !ok {
		return narrowed
	}
	parts := make([]predicate, 0, len(items))
	for _, item := range items {
		p := f.eq(item)
		if !p.exact {
			return narrowed
		}
		parts = append(parts, p)
	}
	return or(parts)
}

func (f jsonTarget) exists(want bool) predicate {
	if want {
		return predicate{sql: "json_type(doc, ?) IS NOT NULL", args: []interface{}{f.path()}, exact: true}
	}
	return predicate{sql: "json_type(doc, ?) IS NULL", args: []interface{}{f.path()}, exact: true}
}

// idTarget is the primary key column, which always holds a string.
type idTarget struct{}

func (idTarget) eq(v interface{}) predicate {
	return idTarget{}.cmp("=", v)
}

func (idTarget) cmp(op string, v interface{}) predicate {
	s, ok := v.(string)
	if !ok {
		return narrowed
	}
	return predicate{sql: "_id " + op + " ?", args: []interface{}{s}, exact: true}
}

func (idTarget) in(v interface{}) predicate {
	items, ok := listOf(v)
	if !ok {
		return narrowed
	}
	if len(items) == 0 {
		return matchNothing
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return narrowed
		}
		ids = append(ids, s)
	}
	return predicate{sql: "_id IN ?", args: []interface{}{ids}, exact: true}
}

func (idTarget) exists(want bool) predicate {
	if want {
		return matchEverything
	}
	return matchNothing
}

// epochMillis reads an extended-JSON date held in the JSON text x as
// milliseconds since the epoch. Relaxed encoding writes dates between 1970
// and 9999 as ISO strings and every other date as $numberLong.
func epochMillis(x string) string {
	return "COALESCE(CAST(ROUND((julianday(json_extract(" + x + `, '$."$date"')) - 2440587.5) * 86400000.0) AS INTEGER), ` +
		"CAST(json_extract(" + x + `, '$."$date"."$numberLong"') AS INTEGER))`
}

// sqlOrder compiles a sort into ORDER BY terms. It succeeds only for fields
// whose schema type orders the same way in SQLite as in the evaluator.
func sqlOrder(fields transform.Fields, sortBy []dynamic.SortField) (clause.OrderBy, bool) {
	var (
		terms []string
		args  []interface{}
	)
	for _, f := range sortBy {
		key := transform.TransformKey(fields, f.Field)
		var term string
		switch {
		case key == "_id":
			term = "_id"
		case strings.ContainsAny(key, `."`):
			return clause.OrderBy{}, false
		default:
			path := jsonTarget(key).path()
			switch fields[f.Field].Type {
			case schema.TypeString, schema.TypeNumber, schema.TypeBoolean, schema.TypePointer:
				term = "json_extract(doc, ?)"
				args = append(args, path)
			case schema.TypeDate:
				term = "CASE WHEN json_type(doc, ?) = 'object' THEN " + epochMillis("json_extract(doc, ?)") + " END"
				args = append(args, path, path, path)
			default:
				return clause.OrderBy{}, false
			}
		}
		if f.Desc {
			term += " DESC"
		}
		terms = append(terms, term)
	}
	// ties keep insertion order, as the evaluator's stable sort does
	terms = append(terms, "rowid")
	return clause.OrderBy{Expression: clause.Expr{SQL: strings.Join(terms, ", "), Vars: args}}, true
}

// selection narrows a document scan in SQL.
type selection struct {
	where  predicate
	order  *clause.OrderBy
	limit  int
	offset int
}

func selectAll() selection {
	return selection{where: matchEverything}
}

func selectWhere(filter map[string]interface{}) selection {
	return selection{where: compileWhere(filter)}
}

func (s selection) apply(tx *gorm.DB, className string) *gorm.DB {
	q := tx.Table("?", clause.Table{Name: className})
	if s.where.sql != "" {
		q = q.Where(s.where.expr())
	}
	if s.order != nil {
		q = q.Order(*s.order)
	} else {
		q = q.Order("rowid")
	}
	if s.limit > 0 {
		q = q.Limit(s.limit).Offset(s.offset)
	}
	return q
}

func docOf(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	}
	return nil, false
}

func listOf(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case bson.A:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// operatorsOf returns a copy of cond when every key is an operator.
func operatorsOf(cond interface{}) (map[string]interface{}, bool) {
	d, ok := docOf(cond)
	if !ok || len(d) == 0 {
		return nil, false
	}
	out := make(map[string]interface{}, len(d))
	for k, v := range d {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}

func numberOf(v interface{}) (interface{}, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return numberOf(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

// millisOf accepts dates that survive the millisecond precision of stored
// dates unchanged.
func millisOf(v interface{}) (int64, bool) {
	var t time.Time
	switch d := v.(type) {
	case time.Time:
		t = d
	case primitive.DateTime:
		return int64(d), true
	default:
		return 0, false
	}
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		return 0, false
	}
	return t.UnixMilli(), true
}
