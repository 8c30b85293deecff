package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/query"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

func writeError(err error) error {
	if mongodriver.IsDuplicateKeyError(err) {
		return errors.ErrDuplicateValue.WithReason(err.Error())
	}
	return Error.Wrap(err)
}

func (a *Adapter) CreateObject(ctx context.Context, className string, s *schema.Schema, object map[string]interface{}) error {
	doc, err := transform.ParseObjectToStorageForCreate(fieldsOf(s), object)
	if err != nil {
		return err
	}
	if _, err := a.collection(className).InsertOne(ctx, doc); err != nil {
		return writeError(err)
	}
	return nil
}

func (a *Adapter) DeleteObjectsByQuery(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}) (int64, error) {
	filter, err := transform.TransformWhere(fieldsOf(s), where, false)
	if err != nil {
		return 0, err
	}
	res, err := a.collection(className).DeleteMany(ctx, filter)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return 0, errors.ErrObjectNotFound
	}
	return res.DeletedCount, nil
}

func (a *Adapter) UpdateObjectsByQuery(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) (int64, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return 0, err
	}
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return 0, err
	}
	res, err := a.collection(className).UpdateMany(ctx, filter, storageUpdate)
	if err != nil {
		return 0, writeError(err)
	}
	return res.MatchedCount, nil
}

func (a *Adapter) FindOneAndUpdate(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) (map[string]interface{}, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	err = a.collection(className).FindOneAndUpdate(ctx, filter, storageUpdate,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return nil, nil
		}
		return nil, writeError(err)
	}
	return transform.UntransformObject(a.log, className, fields, query.NormalizeDoc(doc))
}

func (a *Adapter) UpsertOneObject(ctx context.Context, className string, s *schema.Schema, where, update map[string]interface{}) error {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return err
	}
	storageUpdate, err := transform.TransformUpdate(fields, update)
	if err != nil {
		return err
	}
	_, err = a.collection(className).UpdateOne(ctx, filter, storageUpdate, options.Update().SetUpsert(true))
	return writeError(err)
}

func findOptions(fields transform.Fields, opts dynamic.QueryOptions) *options.FindOptions {
	fo := options.Find()
	if opts.Skip > 0 {
		fo.SetSkip(int64(opts.Skip))
	}
	if opts.Limit > 0 {
		fo.SetLimit(int64(opts.Limit))
	}
	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, f := range opts.Sort {
			dir := 1
			if f.Desc {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: transform.TransformKey(fields, f.Field), Value: dir})
		}
		fo.SetSort(sortDoc)
	}
	if len(opts.Keys) > 0 {
		projection := bson.M{}
		for _, key := range opts.Keys {
			if key == "ACL" {
				projection["_rperm"] = 1
				projection["_wperm"] = 1
				continue
			}
			projection[transform.TransformKey(fields, key)] = 1
		}
		fo.SetProjection(projection)
	}
	return fo
}

func (a *Adapter) untransformAll(className string, fields transform.Fields, docs []bson.M) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		obj, err := transform.UntransformObject(a.log, className, fields, query.NormalizeDoc(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (a *Adapter) Find(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}, opts dynamic.QueryOptions) ([]map[string]interface{}, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	cur, err := a.collection(className).Find(ctx, filter, findOptions(fields, opts))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	return a.untransformAll(className, fields, docs)
}

func (a *Adapter) Count(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}) (int64, error) {
	filter, err := transform.TransformWhere(fieldsOf(s), where, true)
	if err != nil {
		return 0, err
	}
	n, err := a.collection(className).CountDocuments(ctx, filter)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}

func (a *Adapter) Distinct(ctx context.Context, className string, s *schema.Schema, where map[string]interface{}, fieldName string) ([]interface{}, error) {
	fields := fieldsOf(s)
	filter, err := transform.TransformWhere(fields, where, false)
	if err != nil {
		return nil, err
	}
	values, err := a.collection(className).Distinct(ctx, transform.TransformKey(fields, fieldName), filter)
	if err != nil {
		return nil, Error.Wrap(err)
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
		out = append(out, transform.UntransformValue(query.Normalize(v)))
	}
	return out, nil
}

func (a *Adapter) Aggregate(ctx context.Context, className string, s *schema.Schema, pipeline []map[string]interface{}) ([]map[string]interface{}, error) {
	fields := fieldsOf(s)
	stages, err := transform.TransformPipeline(fields, pipeline)
	if err != nil {
		return nil, err
	}
	mongoPipeline := make(mongodriver.Pipeline, 0, len(stages))
	for _, stage := range stages {
		d := bson.D{}
		for op, arg := range stage {
			if m, ok := arg.(map[string]interface{}); ok && op == "$sort" {
				sortDoc := bson.D{}
				for _, k := range schema.Index(m).Keys() {
					sortDoc = append(sortDoc, bson.E{Key: k, Value: m[k]})
				}
				arg = sortDoc
			}
			d = append(d, bson.E{Key: op, Value: arg})
		}
		mongoPipeline = append(mongoPipeline, d)
	}
	cur, err := a.collection(className).Aggregate(ctx, mongoPipeline)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	for _, doc := range docs {
		if id, ok := doc["_id"]; ok {
			delete(doc, "_id")
			if str, isStr := id.(string); isStr && str == "" {
				id = nil
			}
			doc["objectId"] = transform.UntransformValue(query.Normalize(id))
		}
	}
	return a.untransformAll(className, fields, docs)
}

func (a *Adapter) EnsureUniqueness(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	fields := fieldsOf(s)
	keys := bson.D{}
	for _, name := range fieldNames {
		keys = append(keys, bson.E{Key: transform.TransformKey(fields, name), Value: 1})
	}
	_, err := a.collection(className).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return errors.ErrDuplicateValue.New("Tried to ensure field uniqueness for a class that already has duplicates.")
		}
		return Error.Wrap(err)
	}
	return nil
}
