package controllers

import (
	"context"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// relationUpdate is one AddRelation or RemoveRelation op pulled out of a write.
type relationUpdate struct {
	key string
	op  map[string]interface{}
}

// collectRelationUpdates splits relation ops off update. The returned object
// no longer carries them.
func collectRelationUpdates(update map[string]interface{}) (map[string]interface{}, []relationUpdate) {
	rest := make(map[string]interface{}, len(update))
	var ops []relationUpdate
	var collect func(key string, op map[string]interface{})
	collect = func(key string, op map[string]interface{}) {
		switch op["__op"] {
		case "AddRelation", "RemoveRelation":
			ops = append(ops, relationUpdate{key: key, op: op})
		case "Batch":
			batch, _ := op["ops"].([]interface{})
			for _, b := range batch {
				if sub, ok := b.(map[string]interface{}); ok {
					collect(key, sub)
				}
			}
		}
	}
	for _, key := range sortedKeys(update) {
		op, ok := update[key].(map[string]interface{})
		if ok {
			switch op["__op"] {
			case "AddRelation", "RemoveRelation", "Batch":
				collect(key, op)
				continue
			}
		}
		rest[key] = update[key]
	}
	return rest, ops
}

func (c *databaseController) handleRelationUpdates(ctx context.Context, className, objectID string, ops []relationUpdate) error {
	for _, u := range ops {
		objects, _ := u.op["objects"].([]interface{})
		for _, o := range objects {
			ptr, ok := o.(map[string]interface{})
			if !ok {
				continue
			}
			relatedID, _ := ptr["objectId"].(string)
			if relatedID == "" {
				return errors.ErrInvalidPointer.Newf("Invalid pointer in %s", u.key)
			}
			var err error
			if u.op["__op"] == "AddRelation" {
				err = c.addRelation(ctx, u.key, className, objectID, relatedID)
			} else {
				err = c.removeRelation(ctx, u.key, className, objectID, relatedID)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func relationDoc(owningID, relatedID string) map[string]interface{} {
	return map[string]interface{}{"relatedId": relatedID, "owningId": owningID}
}

func joinSchema(joinTable string) *schema.Schema {
	s := schema.RelationSchema.Clone()
	s.ClassName = joinTable
	return s
}

// addRelation records that owningID's key relation contains relatedID. Adding
// the same pair twice leaves one row.
func (c *databaseController) addRelation(ctx context.Context, key, fromClassName, owningID, relatedID string) error {
	joinTable := schema.JoinTableName(fromClassName, key)
	doc := relationDoc(owningID, relatedID)
	return c.adapter.UpsertOneObject(ctx, joinTable, joinSchema(joinTable), doc, doc)
}

// removeRelation deletes the pair if present.
func (c *databaseController) removeRelation(ctx context.Context, key, fromClassName, owningID, relatedID string) error {
	joinTable := schema.JoinTableName(fromClassName, key)
	_, err := c.adapter.DeleteObjectsByQuery(ctx, joinTable, joinSchema(joinTable), relationDoc(owningID, relatedID))
	if err != nil && errors.Is(err, errors.ErrObjectNotFound) {
		return nil
	}
	return err
}

// relatedIDs returns the ids in owningID's key relation.
func (c *databaseController) relatedIDs(ctx context.Context, className, key string, owningIDs []string) ([]string, error) {
	joinTable := schema.JoinTableName(className, key)
	where := map[string]interface{}{"owningId": inClause(owningIDs)}
	rows, err := c.adapter.Find(ctx, joinTable, joinSchema(joinTable), where, dynamic.QueryOptions{Keys: []string{"relatedId"}})
	if err != nil {
		return nil, err
	}
	return columnValues(rows, "relatedId"), nil
}

// owningIDs returns the owners whose key relation contains any of relatedIDs.
func (c *databaseController) owningIDs(ctx context.Context, className, key string, relatedIDs []string) ([]string, error) {
	joinTable := schema.JoinTableName(className, key)
	where := map[string]interface{}{"relatedId": inClause(relatedIDs)}
	rows, err := c.adapter.Find(ctx, joinTable, joinSchema(joinTable), where, dynamic.QueryOptions{Keys: []string{"owningId"}})
	if err != nil {
		return nil, err
	}
	return columnValues(rows, "owningId"), nil
}

func inClause(ids []string) map[string]interface{} {
	in := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		in = append(in, id)
	}
	return map[string]interface{}{"$in": in}
}

func columnValues(rows []map[string]interface{}, column string) []string {
	seen := sets.New[string]()
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		v, _ := row[column].(string)
		if v == "" || seen.Has(v) {
			continue
		}
		seen.Insert(v)
		out = append(out, v)
	}
	return out
}

// reduceRelationKeys resolves a $relatedTo constraint into an objectId $in
// list. $or branches are reduced independently.
func (c *databaseController) reduceRelationKeys(ctx context.Context, className string, query map[string]interface{}) (map[string]interface{}, error) {
	if branches, ok := query["$or"].([]interface{}); ok {
		out := copyMap(query)
		reduced := make([]interface{}, 0, len(branches))
		for _, b := range branches {
			sub, ok := b.(map[string]interface{})
			if !ok {
				reduced = append(reduced, b)
				continue
			}
			r, err := c.reduceRelationKeys(ctx, className, sub)
			if err != nil {
				return nil, err
			}
			reduced = append(reduced, r)
		}
		out["$or"] = reduced
		return out, nil
	}
	relatedTo, ok := query["$relatedTo"].(map[string]interface{})
	if !ok {
		return query, nil
	}
	object, _ := relatedTo["object"].(map[string]interface{})
	key, _ := relatedTo["key"].(string)
	owningClass, _ := object["className"].(string)
	owningID, _ := object["objectId"].(string)
	if owningClass == "" || owningID == "" || key == "" {
		return nil, errors.ErrInvalidQuery.New("Improper usage of $relatedTo")
	}
	ids, err := c.relatedIDs(ctx, owningClass, key, []string{owningID})
	if err != nil {
		return nil, err
	}
	out := copyMap(query)
	delete(out, "$relatedTo")
	out = addInObjectIDs(ids, out)
	return c.reduceRelationKeys(ctx, className, out)
}

// reduceInRelation replaces constraints on relation fields with objectId
// constraints built from the join tables.
func (c *databaseController) reduceInRelation(ctx context.Context, className string, query map[string]interface{}, s *schema.Schema) (map[string]interface{}, error) {
	for _, op := range []string{"$or", "$and"} {
		branches, ok := query[op].([]interface{})
		if !ok {
			continue
		}
		out := copyMap(query)
		reduced := make([]interface{}, 0, len(branches))
		for _, b := range branches {
			sub, ok := b.(map[string]interface{})
			if !ok {
				reduced = append(reduced, b)
				continue
			}
			r, err := c.reduceInRelation(ctx, className, sub, s)
			if err != nil {
				return nil, err
			}
			reduced = append(reduced, r)
		}
		out[op] = reduced
		query = out
	}

	for _, key := range sortedKeys(query) {
		f, ok := s.Fields[key]
		if !ok || f.Type != schema.TypeRelation {
			continue
		}
		type idSet struct {
			ids []string
			not bool
		}
		var wanted []idSet
		switch t := query[key].(type) {
		case map[string]interface{}:
			if t["__type"] == "Pointer" {
				if id, _ := t["objectId"].(string); id != "" {
					wanted = append(wanted, idSet{ids: []string{id}})
				}
				break
			}
			for _, constraint := range sortedKeys(t) {
				var ids []string
				not := false
				switch constraint {
				case "$in", "$all":
					ids = pointerIDs(t[constraint])
				case "$nin":
					ids, not = pointerIDs(t[constraint]), true
				case "$ne":
					not = true
					if p, ok := t[constraint].(map[string]interface{}); ok {
						if id, _ := p["objectId"].(string); id != "" {
							ids = []string{id}
						}
					}
				case "$eq":
					if p, ok := t[constraint].(map[string]interface{}); ok {
						if id, _ := p["objectId"].(string); id != "" {
							ids = []string{id}
						}
					}
				default:
					continue
				}
				wanted = append(wanted, idSet{ids: ids, not: not})
			}
		default:
			continue
		}
		out := copyMap(query)
		delete(out, key)
		for _, w := range wanted {
			owners, err := c.owningIDs(ctx, className, key, w.ids)
			if err != nil {
				return nil, err
			}
			if w.not {
				out = addNotInObjectIDs(owners, out)
			} else {
				out = addInObjectIDs(owners, out)
			}
		}
		query = out
	}
	return query, nil
}

func pointerIDs(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if p, ok := item.(map[string]interface{}); ok {
			if id, _ := p["objectId"].(string); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// dropJoinTables removes the join table of every relation field of s.
func (c *databaseController) dropJoinTables(ctx context.Context, s *schema.Schema) error {
	for _, name := range sortedFieldNames(s.Fields) {
		if s.Fields[name].Type != schema.TypeRelation {
			continue
		}
		joinTable := schema.JoinTableName(s.ClassName, name)
		if err := c.adapter.DeleteClass(ctx, joinTable); err != nil && !errors.Is(err, errors.ErrClassNotFound) {
			return err
		}
		c.log.Debug("Dropped join table", zap.String("table", joinTable))
	}
	return nil
}
