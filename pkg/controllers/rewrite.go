package controllers

import (
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/schema"
)

var (
	queryKeyRegex     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)
	regexOptionsRegex = regexp.MustCompile(`^[imxs]+$`)
	authDataIDRegex   = regexp.MustCompile(`^authData\.([a-zA-Z0-9_]+)\.id$`)

	specialQueryKeys       = sets.New[string]("$and", "$or", "$nor", "_rperm", "_wperm")
	specialMasterQueryKeys = specialQueryKeys.Clone().Insert(
		"_email_verify_token", "_perishable_token", "_tombstone", "_email_verify_token_expires_at",
		"_failed_login_count", "_account_lockout_expires_at", "_password_changed_at", "_password_history",
	)
)

func rootFieldName(name string) string {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func userPointer(userID string) map[string]interface{} {
	return map[string]interface{}{"__type": "Pointer", "className": "_User", "objectId": userID}
}

// aclEntries renders an ACL group as the values of an $in clause.
func aclEntries(head []interface{}, aclGroup []string) []interface{} {
	out := append([]interface{}{}, head...)
	for _, acl := range aclGroup {
		out = append(out, acl)
	}
	return out
}

// addReadACL restricts query to rows readable by aclGroup: rows without a
// read list, public rows or rows naming one of the group.
func addReadACL(query map[string]interface{}, aclGroup []string) map[string]interface{} {
	clause := map[string]interface{}{
		"_rperm": map[string]interface{}{"$in": aclEntries([]interface{}{nil, schema.EntityPublic}, aclGroup)},
	}
	return map[string]interface{}{"$and": []interface{}{query, clause}}
}

// addWriteACL restricts query to rows writable by aclGroup.
func addWriteACL(query map[string]interface{}, aclGroup []string) map[string]interface{} {
	clause := map[string]interface{}{
		"_wperm": map[string]interface{}{"$in": aclEntries([]interface{}{nil}, aclGroup)},
	}
	return map[string]interface{}{"$and": []interface{}{query, clause}}
}

// addPointerPermissions narrows query to rows whose pointer permission
// fields point at the caller. It returns nil when no row can match.
func addPointerPermissions(sc *SchemaController, className, op string, query map[string]interface{}, aclGroup []string) (map[string]interface{}, error) {
	if sc.TestPermissionsForClassName(className, aclGroup, op) {
		return query, nil
	}
	clp := sc.GetClassLevelPermissions(className)
	permFields := clp.PointerFields(op)
	seen := sets.New[string](permFields...)
	for _, f := range clp.UserFields(userFieldsKey(op)) {
		if !seen.Has(f) {
			seen.Insert(f)
			permFields = append(permFields, f)
		}
	}
	if len(permFields) == 0 {
		return query, nil
	}
	var userACL []string
	for _, acl := range aclGroup {
		if acl != schema.EntityPublic && !strings.HasPrefix(acl, "role:") {
			userACL = append(userACL, acl)
		}
	}
	if len(userACL) != 1 {
		return nil, nil
	}
	pointer := userPointer(userACL[0])

	queries := make([]interface{}, 0, len(permFields))
	for _, key := range permFields {
		f, _ := sc.GetExpectedType(className, key)
		var clause map[string]interface{}
		switch f.Type {
		case schema.TypePointer, schema.TypeObject:
			clause = map[string]interface{}{key: pointer}
		case schema.TypeArray:
			clause = map[string]interface{}{key: map[string]interface{}{"$all": []interface{}{pointer}}}
		default:
			return nil, errors.ErrInternal.Newf("An unexpected condition occurred when resolving pointer permissions: %s %s", className, key)
		}
		if _, ok := query[key]; ok {
			queries = append(queries, map[string]interface{}{"$and": []interface{}{clause, query}})
			continue
		}
		merged := copyMap(query)
		for k, v := range clause {
			merged[k] = v
		}
		queries = append(queries, merged)
	}
	if len(queries) == 1 {
		return queries[0].(map[string]interface{}), nil
	}
	return map[string]interface{}{"$or": queries}, nil
}

// protectedFields are the redaction tiers that apply to a caller. Static
// tiers come from the caller's entities; userField tiers apply to the rows
// whose named pointer field points at the caller.
type protectedFields struct {
	static     [][]string
	userFields map[string][]string
	userID     string
}

// forRow returns the fields to strip from row.
func (p *protectedFields) forRow(row map[string]interface{}) []string {
	if p == nil {
		return nil
	}
	tiers := p.static
	for _, field := range sortedProtectedEntities(p.userFields) {
		if pointsAt(row[field], p.userID) {
			tiers = append(append([][]string{}, tiers...), p.userFields[field])
		}
	}
	return intersectTiers(tiers)
}

func pointsAt(v interface{}, userID string) bool {
	switch t := v.(type) {
	case map[string]interface{}:
		id, _ := t["objectId"].(string)
		return id != "" && id == userID
	case []interface{}:
		for _, item := range t {
			if pointsAt(item, userID) {
				return true
			}
		}
	}
	return false
}

// protectedFieldsFor collects the redaction tiers of className for the
// caller. It returns nil when nothing is hidden.
func protectedFieldsFor(sc *SchemaController, className string, query map[string]interface{}, aclGroup []string) *protectedFields {
	clp := sc.GetClassLevelPermissions(className)
	protected := clp.ProtectedFields()
	if len(protected) == 0 {
		return nil
	}
	group := sets.New[string](aclGroup...)
	if id, ok := query["objectId"].(string); ok && group.Has(id) {
		return nil
	}
	p := &protectedFields{userFields: map[string][]string{}}
	for _, acl := range aclGroup {
		if acl != schema.EntityPublic && !strings.HasPrefix(acl, "role:") {
			p.userID = acl
			break
		}
	}
	authenticated := p.userID != ""

	for _, entity := range sortedProtectedEntities(protected) {
		switch {
		case strings.HasPrefix(entity, "userField:"):
			if authenticated {
				p.userFields[strings.TrimPrefix(entity, "userField:")] = protected[entity]
			}
		case entity == schema.EntityPublic:
			p.static = append(p.static, protected[entity])
		case authenticated && entity == schema.EntityAuthenticated:
			p.static = append(p.static, protected[entity])
		case authenticated && strings.HasPrefix(entity, "role:") && group.Has(entity):
			p.static = append(p.static, protected[entity])
		}
	}
	if authenticated {
		if fields, ok := protected[p.userID]; ok {
			p.static = append(p.static, fields)
		}
	}
	if len(p.static) == 0 && len(p.userFields) == 0 {
		return nil
	}
	return p
}

// intersectTiers keeps the fields every tier protects, in first-seen order.
func intersectTiers(tiers [][]string) []string {
	if len(tiers) == 0 {
		return nil
	}
	var all []string
	for _, tier := range tiers {
		all = append(all, tier...)
	}
	out := []string{}
	seen := sets.New[string]()
	for _, f := range all {
		if seen.Has(f) {
			continue
		}
		seen.Insert(f)
		inAll := true
		for _, tier := range tiers {
			if !sets.New[string](tier...).Has(f) {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, f)
		}
	}
	return out
}

func sortedProtectedEntities(m map[string][]string) []string {
	return sets.List(sets.KeySet(m))
}

// addInObjectIDs intersects the objectId constraints of query with ids.
func addInObjectIDs(ids []string, query map[string]interface{}) map[string]interface{} {
	var lists [][]string
	constraint, isConstraint := query["objectId"].(map[string]interface{})
	if s, ok := query["objectId"].(string); ok {
		lists = append(lists, []string{s})
	}
	if isConstraint {
		if eq, ok := constraint["$eq"].(string); ok {
			lists = append(lists, []string{eq})
		}
		if in, ok := constraint["$in"]; ok {
			lists = append(lists, toStrings(in))
		}
	}
	if ids != nil {
		lists = append(lists, ids)
	}
	var intersection sets.Set[string]
	for i, list := range lists {
		if i == 0 {
			intersection = sets.New[string](list...)
			continue
		}
		intersection = intersection.Intersection(sets.New[string](list...))
	}
	in := []interface{}{}
	for _, id := range sets.List(intersection) {
		in = append(in, id)
	}

	out := copyMap(query)
	next := map[string]interface{}{}
	if isConstraint {
		next = copyMap(constraint)
	} else if s, ok := query["objectId"].(string); ok {
		next["$eq"] = s
	}
	next["$in"] = in
	out["objectId"] = next
	return out
}

// addNotInObjectIDs adds ids to the $nin constraint on objectId.
func addNotInObjectIDs(ids []string, query map[string]interface{}) map[string]interface{} {
	constraint, isConstraint := query["objectId"].(map[string]interface{})
	all := sets.New[string](ids...)
	if isConstraint {
		all.Insert(toStrings(constraint["$nin"])...)
	}
	nin := []interface{}{}
	for _, id := range sets.List(all) {
		nin = append(nin, id)
	}
	out := copyMap(query)
	next := map[string]interface{}{}
	if isConstraint {
		next = copyMap(constraint)
	} else if s, ok := query["objectId"].(string); ok {
		next["$eq"] = s
	}
	next["$nin"] = nin
	out["objectId"] = next
	return out
}

func toStrings(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// validateQuery rejects malformed combinators, bad regex options and key
// names callers may not query on.
func validateQuery(query map[string]interface{}, isMaster, update bool) error {
	if _, ok := query["ACL"]; ok {
		return errors.ErrInvalidQuery.New("Cannot query on ACL.")
	}
	for _, op := range []string{"$or", "$and", "$nor"} {
		raw, ok := query[op]
		if !ok {
			continue
		}
		branches, ok := raw.([]interface{})
		if !ok || len(branches) == 0 {
			return errors.ErrInvalidQuery.Newf("Bad %s format - use an array of at least 1 value.", op)
		}
		for _, b := range branches {
			sub, ok := b.(map[string]interface{})
			if !ok {
				return errors.ErrInvalidQuery.Newf("Bad %s format - use an array of objects.", op)
			}
			if err := validateQuery(sub, isMaster, update); err != nil {
				return err
			}
		}
	}
	for _, key := range sortedKeys(query) {
		if constraint, ok := query[key].(map[string]interface{}); ok {
			if _, hasRegex := constraint["$regex"]; hasRegex {
				if opts, ok := constraint["$options"].(string); ok && !regexOptionsRegex.MatchString(opts) {
					return errors.ErrInvalidQuery.Newf("Bad $options value for query: %s", opts)
				}
			}
		}
		if queryKeyRegex.MatchString(key) {
			continue
		}
		if (!specialQueryKeys.Has(key) && !isMaster && !update) || (update && isMaster && !specialMasterQueryKeys.Has(key)) {
			return errors.ErrInvalidKeyName.Newf("Invalid key name: %s", key)
		}
	}
	return nil
}

// queryKeys lists the root field names a query references.
func queryKeys(query map[string]interface{}) []string {
	keys := sets.New[string]()
	var walk func(q map[string]interface{})
	walk = func(q map[string]interface{}) {
		for k, v := range q {
			switch k {
			case "$or", "$and", "$nor":
				branches, _ := v.([]interface{})
				for _, b := range branches {
					if sub, ok := b.(map[string]interface{}); ok {
						walk(sub)
					}
				}
				continue
			}
			if strings.HasPrefix(k, "$") || strings.HasPrefix(k, "_") {
				continue
			}
			keys.Insert(rootFieldName(k))
		}
	}
	walk(query)
	return sets.List(keys)
}
