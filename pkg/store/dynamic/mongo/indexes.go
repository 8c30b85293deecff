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
)

func (a *Adapter) CreateIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	models := make([]mongodriver.IndexModel, 0, len(indexes))
	for name, idx := range indexes {
		if name == dynamic.IDIndexName || len(idx.Keys()) == 0 {
			continue
		}
		models = append(models, mongodriver.IndexModel{
			Keys:    sortedIndexKeys(idx),
			Options: options.Index().SetName(name),
		})
	}
	if len(models) == 0 {
		return nil
	}
	_, err := a.collection(className).Indexes().CreateMany(ctx, models)
	return Error.Wrap(err)
}

func (a *Adapter) DropIndexes(ctx context.Context, className string, names []string) error {
	for _, name := range names {
		if _, err := a.collection(className).Indexes().DropOne(ctx, name); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (a *Adapter) GetIndexes(ctx context.Context, className string) (map[string]schema.Index, error) {
	cur, err := a.collection(className).Indexes().List(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var specs []bson.M
	if err := cur.All(ctx, &specs); err != nil {
		return nil, Error.Wrap(err)
	}
	out := map[string]schema.Index{dynamic.IDIndexName: {"_id": 1}}
	for _, spec := range specs {
		name, _ := spec["name"].(string)
		key, ok := query.Normalize(spec["key"]).(map[string]interface{})
		if name == "" || !ok {
			continue
		}
		idx := schema.Index{}
		for k, v := range key {
			switch n := v.(type) {
			case int32:
				idx[k] = int(n)
			case int64:
				idx[k] = int(n)
			case float64:
				idx[k] = int(n)
			default:
				idx[k] = v
			}
		}
		out[name] = idx
	}
	return out, nil
}

func (a *Adapter) UpdateSchemaIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	encoded := bson.M{}
	for name, idx := range indexes {
		encoded[name] = map[string]interface{}(idx)
	}
	res, err := a.schemas().UpdateOne(ctx, bson.M{"_id": className},
		bson.M{"$set": bson.M{metadataKey + "." + indexesKey: encoded}})
	if err != nil {
		return Error.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
	}
	return nil
}
