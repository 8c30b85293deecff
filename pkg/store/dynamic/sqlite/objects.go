package sqlite

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/gorm"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/query"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

func (a *Adapter) CreateObject(ctx context.Context, className string, s *schema.Schema, object map[string]interface{}) error {
	doc, err := transform.ParseObjectToStorageForCreate(fieldsOf(s), object)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureTable(tx, className); err != nil {
			return err
		}
		return insertDoc(tx, className, query.NormalizeDoc(doc))
	})
}

// matching loads the documents of className that satisfy a storage filter.
// SQL narrows the scan and the evaluator settles what SQL could not express.
// A positive limit caps the result when SQL decides the whole filter.
func matching(tx *gorm.DB, className string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	sel := selectWhere(filter)
	if sel.where.exact {
		sel.limit = limit
	}
	docs, err := loadDocs(tx, className, sel)
	if err != nil {
		return nil, err
	}
	out, err := query.Filter(docs, filter)
	if err != nil {
		return nil, queryError(err)
	}
	return out, nil
}

func (a *Adapter) DeleteObjectsByQuery(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}) (int64, error) {
	filter, err := transform.TransformWhere(fieldsOf(s), where, false)
	if err != nil {
		return 0, err
	}
	var deleted int64
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p := compileWhere(filter); p.exact {
			n, err := deleteWhere(tx, className, p)
			if err != nil {
				return err
			}
			deleted = n
		} else {
			docs, err := matching(tx, className, filter, 0)
			if err != nil {
				return err
			}
			deleted = int64(len(docs))
			if err := deleteDocs(tx, className, docs); err != nil {
				return err
			}
		}
		if deleted == 0 {
			return errors.ErrObjectNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// applyUpdate rewrites each doc with a transformed REST update.
func applyUpdate(tx *gorm.DB, className string, docs []map[string]interface{}, update bson.M) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		updated, err := query.Apply(doc, update, false)
		if err != nil {
			return nil, queryError(err)
		}
		if err := replaceDoc(tx, className, updated); err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

func (a *Adapter) UpdateObjectsByQuery(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) (int64, error) {
	fields := fieldsOf(s)
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return 0, err
	}
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return 0, err
	}
	var n int64
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		docs, err := matching(tx, className, filter, 0)
		if err != nil {
			return err
		}
		updated, err := applyUpdate(tx, className, docs, storageUpdate)
		n = int64(len(updated))
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (a *Adapter) FindOneAndUpdate(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) (map[string]interface{}, error) {
	fields := fieldsOf(s)
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return nil, err
	}
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		docs, err := matching(tx, className, filter, 1)
		if err != nil || len(docs) == 0 {
			return err
		}
		updated, err := applyUpdate(tx, className, docs[:1], storageUpdate)
		if err != nil {
			return err
		}
		result = updated[0]
		return nil
	})
	if err != nil || result == nil {
		return nil, err
	}
	return transform.UntransformObject(a.log, className, fields, result)
}

func (a *Adapter) UpsertOneObject(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) error {
	fields := fieldsOf(s)
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return err
	}
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureTable(tx, className); err != nil {
			return err
		}
		matched, err := matching(tx, className, filter, 1)
		if err != nil {
			return err
		}
		if len(matched) > 0 {
			_, err := applyUpdate(tx, className, matched[:1], storageUpdate)
			return err
		}
		doc, err := query.Apply(query.UpsertSeed(filter), storageUpdate, true)
		if err != nil {
			return queryError(err)
		}
		return insertDoc(tx, className, doc)
	})
}

func (a *Adapter) findOptions(fields transform.Fields, opts dynamic.QueryOptions) query.Options {
	out := query.Options{Skip: opts.Skip, Limit: opts.Limit}
	for _, f := range opts.Sort {
		out.Sort = append(out.Sort, query.SortKey{Field: storageKey(fields, f.Field), Desc: f.Desc})
	}
	for _, key := range opts.Keys {
		if key == "ACL" {
			out.Keys = append(out.Keys, "_rperm", "_wperm")
			continue
		}
		out.Keys = append(out.Keys, storageKey(fields, key))
	}
	return out
}

func (a *Adapter) Find(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}, opts dynamic.QueryOptions) ([]map[string]interface{}, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	sel := selectWhere(filter)
	findOpts := a.findOptions(fields, opts)
	// Paging moves into SQL only when SQL both filters and orders exactly.
	if order, ok := sqlOrder(fields, opts.Sort); ok && sel.where.exact && opts.Limit > 0 {
		sel.order = &order
		sel.limit, sel.offset = opts.Limit, opts.Skip
		findOpts.Sort, findOpts.Skip, findOpts.Limit = nil, 0, 0
	}
	docs, err := loadDocs(a.db.WithContext(ctx), className, sel)
	if err != nil {
		return nil, err
	}
	rows, err := query.Find(docs, filter, findOpts)
	if err != nil {
		return nil, queryError(err)
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		obj, err := transform.UntransformObject(a.log, className, fields, row)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}) (int64, error) {
	filter, err := transform.TransformWhere(fieldsOf(s), where, true)
	if err != nil {
		return 0, err
	}
	sel := selectWhere(filter)
	if sel.where.exact {
		return countDocs(a.db.WithContext(ctx), className, sel)
	}
	matched, err := matching(a.db.WithContext(ctx), className, filter, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Distinct returns the distinct values of fieldName; pointer fields come
// back as REST pointers.
func (a *Adapter) Distinct(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}, fieldName string) ([]interface{}, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	docs, err := loadDocs(a.db.WithContext(ctx), className, selectWhere(filter))
	if err != nil {
		return nil, err
	}
	values, err := query.Distinct(docs, filter, storageKey(fields, fieldName))
	if err != nil {
		return nil, queryError(err)
	}
	field, isPointer := fields[fieldName]
	isPointer = isPointer && field.Type == schema.TypePointer
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		if isPointer {
			ptr, ok := v.(string)
			if !ok {
				continue
			}
			p, err := transform.PointerFromStorage(field, ptr)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
			continue
		}
		out = append(out, transform.UntransformValue(v))
	}
	return out, nil
}

func (a *Adapter) Aggregate(ctx context.Context, className string, s *schema.Schema, pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	fields := fieldsOf(s)
	stages, err := transform.TransformPipeline(fields, pipeline)
	if err != nil {
		return nil, err
	}
	sel := selectAll()
	if len(stages) > 0 {
		if match, ok := docOf(stages[0]["$match"]); ok {
			sel = selectWhere(match)
		}
	}
	docs, err := loadDocs(a.db.WithContext(ctx), className, sel)
	if err != nil {
		return nil, err
	}
	rows, err := query.Aggregate(docs, stages)
	if err != nil {
		return nil, queryError(err)
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["_id"]; ok {
			delete(row, "_id")
			if str, isStr := id.(string); isStr && str == "" {
				id = nil
			}
			row["objectId"] = transform.UntransformValue(id)
		}
		obj, err := transform.UntransformObject(a.log, className, fields, row)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
