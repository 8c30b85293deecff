// Package mongo is the MongoDB storage adapter. Objects are stored in the
// shape the transform package produces, one collection per class, with
// class schemas in the _SCHEMA collection.
package mongo

import (
	"context"

	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

// Error is the class of driver failures raised by this adapter.
var Error = errs.Class("mongo")

const schemaCollection = "_SCHEMA"

type Adapter struct {
	log    *zap.Logger
	client *mongodriver.Client
	db     *mongodriver.Database
}

var _ dynamic.StorageAdapter = (*Adapter)(nil)

// Open connects to uri and uses the named database.
func Open(ctx context.Context, log *zap.Logger, uri, database string) (*Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, Error.New("failed to connect: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, Error.New("failed to reach %s: %v", uri, err)
	}
	log.Info("Connected to MongoDB", zap.String("database", database))
	return &Adapter{log: log, client: client, db: client.Database(database)}, nil
}

func (a *Adapter) Close() error {
	return Error.Wrap(a.client.Disconnect(context.Background()))
}

func (a *Adapter) schemas() *mongodriver.Collection {
	return a.db.Collection(schemaCollection)
}

func (a *Adapter) collection(className string) *mongodriver.Collection {
	return a.db.Collection(className)
}

// PerformInitialization has nothing to prepare; collections are created on
// first write.
func (a *Adapter) PerformInitialization(ctx context.Context) error {
	return nil
}

func fieldsOf(s *schema.Schema) transform.Fields {
	if s == nil {
		return transform.Fields{}
	}
	return s.Fields
}

func (a *Adapter) ClassExists(ctx context.Context, className string) (bool, error) {
	names, err := a.db.ListCollectionNames(ctx, bson.M{"name": className})
	if err != nil {
		return false, Error.Wrap(err)
	}
	return len(names) > 0, nil
}

// CreateClass relies on the unique _id of _SCHEMA documents so that only one
// of several concurrent creates succeeds.
func (a *Adapter) CreateClass(ctx context.Context, className string, s *schema.Schema) (*schema.Schema, error) {
	doc := toSchemaDocument(className, s)
	if _, err := a.schemas().InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, errors.ErrDuplicateClass.Newf("Class %s already exists.", className)
		}
		return nil, Error.Wrap(err)
	}
	if err := a.CreateIndexes(ctx, className, s.Indexes); err != nil {
		return nil, err
	}
	return fromSchemaDocument(doc), nil
}

// AddFieldIfNotExists only matches when the field is absent, so a racing
// writer's type is never overwritten.
func (a *Adapter) AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) error {
	set := bson.M{fieldName: fieldToMongoType(fieldType)}
	if opts := fieldOptions(fieldType); opts != nil {
		set[metadataKey+"."+fieldsOptionsKey+"."+fieldName] = opts
	}
	_, err := a.schemas().UpdateOne(ctx,
		bson.M{"_id": className, fieldName: bson.M{"$exists": false}},
		bson.M{"$set": set})
	if err != nil {
		return Error.Wrap(err)
	}
	if fieldType.Type == schema.TypeGeoPoint {
		_, err := a.collection(className).Indexes().CreateOne(ctx, mongodriver.IndexModel{
			Keys: bson.D{{Key: fieldName, Value: "2dsphere"}},
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (a *Adapter) SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) error {
	res, err := a.schemas().UpdateOne(ctx, bson.M{"_id": className},
		bson.M{"$set": bson.M{metadataKey + "." + permissionsKey: map[string]interface{}(clp)}})
	if err != nil {
		return Error.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
	}
	return nil
}

func (a *Adapter) DeleteClass(ctx context.Context, className string) error {
	if err := a.collection(className).Drop(ctx); err != nil {
		return Error.Wrap(err)
	}
	_, err := a.schemas().DeleteOne(ctx, bson.M{"_id": className})
	return Error.Wrap(err)
}

func (a *Adapter) DeleteAllClasses(ctx context.Context, fast bool) error {
	names, err := a.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return Error.Wrap(err)
	}
	for _, name := range names {
		if fast {
			_, err = a.db.Collection(name).DeleteMany(ctx, bson.M{})
		} else {
			err = a.db.Collection(name).Drop(ctx)
		}
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (a *Adapter) DeleteFields(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	fields := fieldsOf(s)
	objectUnset := bson.M{}
	schemaUnset := bson.M{}
	for _, name := range fieldNames {
		objectUnset[transform.TransformKey(fields, name)] = ""
		schemaUnset[name] = ""
		schemaUnset[metadataKey+"."+fieldsOptionsKey+"."+name] = ""
	}
	if _, err := a.collection(className).UpdateMany(ctx, bson.M{}, bson.M{"$unset": objectUnset}); err != nil {
		return Error.Wrap(err)
	}
	_, err := a.schemas().UpdateOne(ctx, bson.M{"_id": className}, bson.M{"$unset": schemaUnset})
	return Error.Wrap(err)
}

func (a *Adapter) GetAllClasses(ctx context.Context) ([]*schema.Schema, error) {
	cur, err := a.schemas().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]*schema.Schema, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromSchemaDocument(doc))
	}
	return out, nil
}

func (a *Adapter) GetClass(ctx context.Context, className string) (*schema.Schema, error) {
	var doc bson.M
	err := a.schemas().FindOne(ctx, bson.M{"_id": className}).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return nil, errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
		}
		return nil, Error.Wrap(err)
	}
	return fromSchemaDocument(doc), nil
}

// sortedIndexKeys gives an index its key order. Indexes arrive as maps, so
// keys are ordered by name.
func sortedIndexKeys(idx schema.Index) bson.D {
	keys := idx.Keys()
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: idx[k]})
	}
	return out
}
