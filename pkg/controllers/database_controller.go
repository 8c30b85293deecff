package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

// FindOptions shape a read. Callers that are not master pass their ACL group:
// "*", their user id and "role:<name>" entries.
type FindOptions struct {
	Skip     int
	Limit    int
	Sort     []dynamic.SortField
	Keys     []string
	Op       string
	ACL      []string
	IsMaster bool
}

// WriteOptions shape a write. Many updates every match instead of the first;
// Upsert inserts when nothing matches.
type WriteOptions struct {
	ACL      []string
	IsMaster bool
	Many     bool
	Upsert   bool
}

type DatabaseController interface {
	Find(ctx context.Context, className string, query map[string]interface{}, opts FindOptions) ([]map[string]interface{}, error)
	Count(ctx context.Context, className string, query map[string]interface{}, opts FindOptions) (int64, error)
	Distinct(ctx context.Context, className string, query map[string]interface{}, fieldName string, opts FindOptions) ([]interface{}, error)
	Aggregate(ctx context.Context, className string, pipeline []map[string]interface{}, opts FindOptions) ([]map[string]interface{}, error)

	Create(ctx context.Context, className string, object map[string]interface{}, opts WriteOptions) (map[string]interface{}, error)
	Update(ctx context.Context, className string, query, update map[string]interface{}, opts WriteOptions) (map[string]interface{}, error)
	Destroy(ctx context.Context, className string, query map[string]interface{}, opts WriteOptions) error
	ValidateObject(ctx context.Context, className string, object, query map[string]interface{}, opts WriteOptions) error

	LoadSchema(ctx context.Context, acceptor func(*schema.Data) bool) (*SchemaController, error)
	Schema() *SchemaController
	DeleteSchema(ctx context.Context, className string) error
	DeleteEverything(ctx context.Context, fast bool) error
	PurgeCollection(ctx context.Context, className string) error
	PerformInitialization(ctx context.Context) error
}

type databaseController struct {
	log     *zap.Logger
	adapter dynamic.StorageAdapter
	schema  *SchemaController
}

func NewDatabaseController(log *zap.Logger, adapter dynamic.StorageAdapter, sc *SchemaController) DatabaseController {
	if log == nil {
		log = zap.NewNop()
	}
	if sc == nil {
		sc = NewSchemaController(log, adapter, nil, SchemaConfig{})
	}
	return &databaseController{log: log, adapter: adapter, schema: sc}
}

func (c *databaseController) Schema() *SchemaController {
	return c.schema
}

// LoadSchema returns the schema controller, loading it on first use. A
// snapshot the acceptor rejects is replaced by a fresh one.
func (c *databaseController) LoadSchema(ctx context.Context, acceptor func(*schema.Data) bool) (*SchemaController, error) {
	if c.schema.Data() == nil {
		if err := c.schema.ReloadData(ctx, SchemaOptions{}); err != nil {
			return nil, err
		}
	}
	if acceptor != nil && !acceptor(c.schema.Data()) {
		if err := c.schema.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
			return nil, err
		}
	}
	return c.schema, nil
}

func knowsKeys(className string, keys []string) func(*schema.Data) bool {
	return func(d *schema.Data) bool {
		return d.HasKeys(className, keys)
	}
}

// readPlan is a query rewritten for one caller.
type readPlan struct {
	schema      *schema.Schema
	classExists bool
	query       map[string]interface{}
	sort        []dynamic.SortField
	keys        []string
	protected   *protectedFields
	// empty is set when permissions leave no row visible.
	empty bool
}

func readOp(query map[string]interface{}, opts FindOptions, count bool) string {
	if opts.Op != "" {
		return opts.Op
	}
	if count {
		return schema.OpCount
	}
	if _, ok := query["objectId"].(string); ok && len(query) == 1 {
		return schema.OpGet
	}
	return schema.OpFind
}

func (c *databaseController) prepareRead(ctx context.Context, className string, query map[string]interface{}, opts FindOptions, op string) (*readPlan, error) {
	if query == nil {
		query = map[string]interface{}{}
	}
	sc, err := c.LoadSchema(ctx, knowsKeys(className, queryKeys(query)))
	if err != nil {
		return nil, err
	}
	plan := &readPlan{classExists: true}
	plan.schema, err = sc.GetOneSchema(ctx, className, opts.IsMaster, SchemaOptions{})
	if err != nil {
		if !errors.Is(err, errors.ErrClassNotFound) {
			return nil, err
		}
		plan.classExists = false
		plan.schema = schema.InjectDefaultSchema(&schema.Schema{ClassName: className})
	}

	for _, s := range opts.Sort {
		switch s.Field {
		case "_created_at":
			s.Field = "createdAt"
		case "_updated_at":
			s.Field = "updatedAt"
		}
		if authDataIDRegex.MatchString(s.Field) || strings.HasPrefix(s.Field, "authData.") {
			return nil, errors.ErrInvalidKeyName.Newf("Cannot sort by %s", s.Field)
		}
		if !schema.FieldNameIsValid(rootFieldName(s.Field), className) {
			return nil, errors.ErrInvalidKeyName.Newf("Invalid field name: %s.", s.Field)
		}
		if _, ok := plan.schema.Fields[rootFieldName(s.Field)]; !ok && s.Field != "score" {
			continue
		}
		plan.sort = append(plan.sort, s)
	}
	if len(opts.Keys) > 0 {
		plan.keys = append(append([]string{}, opts.Keys...), "objectId", "createdAt", "updatedAt")
		plan.keys = append(plan.keys, schema.RequiredColumns(className, true)...)
	}

	if !opts.IsMaster {
		if err := sc.ValidatePermission(className, opts.ACL, op, ""); err != nil {
			if errors.Is(err, errors.ErrOperationForbidden) {
				plan.empty = true
				return plan, nil
			}
			return nil, err
		}
	}
	query, err = c.reduceRelationKeys(ctx, className, query)
	if err != nil {
		return nil, err
	}
	query, err = c.reduceInRelation(ctx, className, query, plan.schema)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(query, opts.IsMaster, false); err != nil {
		return nil, err
	}
	if !opts.IsMaster {
		plan.protected = protectedFieldsFor(sc, className, query, opts.ACL)
		query, err = addPointerPermissions(sc, className, op, query, opts.ACL)
		if err != nil {
			return nil, err
		}
		if query == nil {
			plan.empty = true
			return plan, nil
		}
		query = addReadACL(query, opts.ACL)
	}
	plan.query = query
	return plan, nil
}

func (c *databaseController) Find(ctx context.Context, className string, query map[string]interface{}, opts FindOptions) ([]map[string]interface{}, error) {
	op := readOp(query, opts, false)
	plan, err := c.prepareRead(ctx, className, query, opts, op)
	if err != nil {
		return nil, err
	}
	if plan.empty {
		if op == schema.OpGet {
			return nil, errors.ErrObjectNotFound.New("Object not found.")
		}
		return []map[string]interface{}{}, nil
	}
	if !plan.classExists {
		return []map[string]interface{}{}, nil
	}
	rows, err := c.adapter.Find(ctx, className, schema.ToAdapterSchema(plan.schema), plan.query, dynamic.QueryOptions{
		Skip:  opts.Skip,
		Limit: opts.Limit,
		Sort:  plan.sort,
		Keys:  plan.keys,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		obj := transform.UntransformObjectACL(row)
		out = append(out, filterSensitiveData(opts.IsMaster, opts.ACL, className, plan.protected, obj))
	}
	return out, nil
}

func (c *databaseController) Count(ctx context.Context, className string, query map[string]interface{}, opts FindOptions) (int64, error) {
	plan, err := c.prepareRead(ctx, className, query, opts, readOp(query, opts, true))
	if err != nil {
		return 0, err
	}
	if plan.empty || !plan.classExists {
		return 0, nil
	}
	return c.adapter.Count(ctx, className, schema.ToAdapterSchema(plan.schema), plan.query)
}

func (c *databaseController) Distinct(ctx context.Context, className string, query map[string]interface{}, fieldName string, opts FindOptions) ([]interface{}, error) {
	if !schema.FieldNameIsValid(rootFieldName(fieldName), className) {
		return nil, errors.ErrInvalidKeyName.Newf("Invalid field name: %s.", fieldName)
	}
	plan, err := c.prepareRead(ctx, className, query, opts, readOp(query, opts, false))
	if err != nil {
		return nil, err
	}
	if plan.empty || !plan.classExists {
		return []interface{}{}, nil
	}
	return c.adapter.Distinct(ctx, className, schema.ToAdapterSchema(plan.schema), plan.query, fieldName)
}

// Aggregate runs a pipeline over className. Pipelines bypass row level
// permissions, so only the master key may run them.
func (c *databaseController) Aggregate(ctx context.Context, className string, pipeline []map[string]interface{}, opts FindOptions) ([]map[string]interface{}, error) {
	if !opts.IsMaster {
		return nil, errors.ErrOperationForbidden.New("unauthorized: master key is required")
	}
	plan, err := c.prepareRead(ctx, className, nil, opts, schema.OpFind)
	if err != nil {
		return nil, err
	}
	if !plan.classExists {
		return []map[string]interface{}{}, nil
	}
	rows, err := c.adapter.Aggregate(ctx, className, schema.ToAdapterSchema(plan.schema), pipeline)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, filterSensitiveData(true, nil, className, nil, transform.UntransformObjectACL(row)))
	}
	return out, nil
}

// newFields lists the keys of object that would add a column to className.
func newFields(sc *SchemaController, className string, object map[string]interface{}) []string {
	cd, ok := sc.Data().Get(className)
	if !ok {
		return nil
	}
	var out []string
	for _, key := range sortedKeys(object) {
		if op, ok := object[key].(map[string]interface{}); ok && op["__op"] == "Delete" {
			continue
		}
		if _, ok := cd.Fields[rootFieldName(key)]; !ok {
			out = append(out, key)
		}
	}
	return out
}

// validateObject checks the addField permission for new keys, then lets the
// schema absorb object. It reports whether object adds fields.
func (c *databaseController) validateObject(ctx context.Context, sc *SchemaController, className string, object, query map[string]interface{}, opts WriteOptions) (bool, error) {
	addsField := len(newFields(sc, className, object)) > 0
	if addsField && !opts.IsMaster {
		if err := sc.ValidatePermission(className, opts.ACL, schema.OpAddField, ""); err != nil {
			return addsField, err
		}
	}
	return addsField, sc.ValidateObject(ctx, className, object, query)
}

func (c *databaseController) ValidateObject(ctx context.Context, className string, object, query map[string]interface{}, opts WriteOptions) error {
	sc, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	_, err = c.validateObject(ctx, sc, className, object, query, opts)
	return err
}

const (
	objectIDSize     = 10
	objectIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

func newObjectID() string {
	u := uuid.New()
	b := make([]byte, objectIDSize)
	for i := range b {
		b[i] = objectIDAlphabet[int(u[i])%len(objectIDAlphabet)]
	}
	return string(b)
}

// hashPassword replaces a plain _User password with its bcrypt hash.
func hashPassword(className string, object map[string]interface{}) error {
	if className != "_User" {
		return nil
	}
	password, ok := object["password"].(string)
	if !ok {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.ErrInternal.WithReason(err.Error())
	}
	delete(object, "password")
	object["_hashed_password"] = string(hashed)
	return nil
}

func (c *databaseController) Create(ctx context.Context, className string, object map[string]interface{}, opts WriteOptions) (map[string]interface{}, error) {
	if !schema.ClassNameIsValid(className) {
		return nil, errors.ErrInvalidClassName.New(schema.InvalidClassNameMessage(className))
	}
	original := object
	object = copyMap(object)

	sc, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return nil, err
	}
	if !opts.IsMaster {
		if err := sc.ValidatePermission(className, opts.ACL, schema.OpCreate, ""); err != nil {
			return nil, err
		}
	}
	if err := sc.EnforceClassExists(ctx, className); err != nil {
		return nil, err
	}
	if _, err := c.validateObject(ctx, sc, className, object, nil, opts); err != nil {
		return nil, err
	}

	objectID, _ := object["objectId"].(string)
	if objectID == "" {
		objectID = newObjectID()
		object["objectId"] = objectID
	}
	object, relationOps := collectRelationUpdates(object)
	object = transform.TransformObjectACL(object)
	now := time.Now()
	object["createdAt"] = transform.EncodeDate(now)
	object["updatedAt"] = transform.EncodeDate(now)
	if err := hashPassword(className, object); err != nil {
		return nil, err
	}
	object, _ = transform.TransformAuthData(className, object)
	object, err = transform.FlattenUpdateOperatorsForCreate(object)
	if err != nil {
		return nil, err
	}

	s, err := sc.GetOneSchema(ctx, className, true, SchemaOptions{})
	if err != nil {
		return nil, err
	}
	if err := c.adapter.CreateObject(ctx, className, schema.ToAdapterSchema(s), object); err != nil {
		return nil, err
	}
	if err := c.handleRelationUpdates(ctx, className, objectID, relationOps); err != nil {
		return nil, err
	}

	result := sanitizeDatabaseResult(original, object)
	result["objectId"] = objectID
	result["createdAt"] = transform.ISO(now)
	return result, nil
}

func (c *databaseController) Update(ctx context.Context, className string, query, update map[string]interface{}, opts WriteOptions) (map[string]interface{}, error) {
	original := update
	update = copyMap(update)
	if query == nil {
		query = map[string]interface{}{}
	}
	objectID, _ := query["objectId"].(string)

	sc, err := c.LoadSchema(ctx, knowsKeys(className, queryKeys(query)))
	if err != nil {
		return nil, err
	}
	if !opts.IsMaster {
		if err := sc.ValidatePermission(className, opts.ACL, schema.OpUpdate, ""); err != nil {
			return nil, err
		}
	}
	if !sc.Data().HasClass(className) {
		if opts.Upsert || schema.VolatileClasses.Has(className) {
			if err := sc.EnforceClassExists(ctx, className); err != nil {
				return nil, err
			}
		} else {
			if err := sc.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
				return nil, err
			}
			// nothing to update in a class that was never created
			if !sc.Data().HasClass(className) {
				return nil, errors.ErrObjectNotFound.New("Object not found.")
			}
		}
	}
	addsField, err := c.validateObject(ctx, sc, className, update, query, opts)
	if err != nil {
		return nil, err
	}
	update, relationOps := collectRelationUpdates(update)
	if len(relationOps) > 0 && objectID == "" {
		return nil, errors.ErrMissingObjectID.New("objectId is required to update a relation.")
	}

	if !opts.IsMaster {
		query, err = addPointerPermissions(sc, className, schema.OpUpdate, query, opts.ACL)
		if err != nil {
			return nil, err
		}
		if query != nil && addsField {
			addField, err := addPointerPermissions(sc, className, schema.OpAddField, query, opts.ACL)
			if err != nil {
				return nil, err
			}
			if addField == nil {
				query = nil
			} else {
				query = map[string]interface{}{"$and": []interface{}{query, addField}}
			}
		}
		if query == nil {
			return nil, errors.ErrObjectNotFound.New("Object not found.")
		}
		query = addWriteACL(query, opts.ACL)
	}
	if err := validateQuery(query, opts.IsMaster, false); err != nil {
		return nil, err
	}

	s, err := sc.GetOneSchema(ctx, className, true, SchemaOptions{})
	if err != nil {
		if !errors.Is(err, errors.ErrClassNotFound) {
			return nil, err
		}
		s = schema.InjectDefaultSchema(&schema.Schema{ClassName: className})
	}
	for _, key := range sortedKeys(update) {
		if authDataIDRegex.MatchString(key) {
			return nil, errors.ErrInvalidKeyName.Newf("Invalid field name for update: %s", key)
		}
		if !schema.FieldNameIsValid(rootFieldName(key), className) && !isSpecialUpdateKey(key) {
			return nil, errors.ErrInvalidKeyName.Newf("Invalid field name for update: %s", key)
		}
		if nested, ok := update[key].(map[string]interface{}); ok {
			for inner := range nested {
				if strings.Contains(inner, "$") || strings.Contains(inner, ".") {
					return nil, errors.ErrInvalidNestedKey.New("Nested keys should not contain the '$' or '.' characters")
				}
			}
		}
	}

	if _, ok := update["updatedAt"]; !ok {
		update["updatedAt"] = transform.EncodeDate(time.Now())
	}
	if err := hashPassword(className, update); err != nil {
		return nil, err
	}
	update = transform.TransformObjectACL(update)
	update, _ = transform.TransformAuthData(className, update)

	adapterSchema := schema.ToAdapterSchema(s)
	var stored map[string]interface{}
	switch {
	case opts.Many:
		if _, err := c.adapter.UpdateObjectsByQuery(ctx, className, adapterSchema, query, update); err != nil {
			return nil, err
		}
	case opts.Upsert:
		if err := c.adapter.UpsertOneObject(ctx, className, adapterSchema, query, update); err != nil {
			return nil, err
		}
	default:
		stored, err = c.adapter.FindOneAndUpdate(ctx, className, adapterSchema, query, update)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, errors.ErrObjectNotFound.New("Object not found.")
		}
	}
	if err := c.handleRelationUpdates(ctx, className, objectID, relationOps); err != nil {
		return nil, err
	}
	return sanitizeDatabaseResult(original, stored), nil
}

// isSpecialUpdateKey reports whether key is an internal column only the
// server itself writes.
func isSpecialUpdateKey(key string) bool {
	return specialMasterQueryKeys.Has(key) || key == "_hashed_password" || key == "_perishable_token_expires_at"
}

func (c *databaseController) Destroy(ctx context.Context, className string, query map[string]interface{}, opts WriteOptions) error {
	if query == nil {
		query = map[string]interface{}{}
	}
	sc, err := c.LoadSchema(ctx, knowsKeys(className, queryKeys(query)))
	if err != nil {
		return err
	}
	if !opts.IsMaster {
		if err := sc.ValidatePermission(className, opts.ACL, schema.OpDelete, ""); err != nil {
			return err
		}
		query, err = addPointerPermissions(sc, className, schema.OpDelete, query, opts.ACL)
		if err != nil {
			return err
		}
		if query == nil {
			return errors.ErrObjectNotFound.New("Object not found.")
		}
		query = addWriteACL(query, opts.ACL)
	}
	if err := validateQuery(query, opts.IsMaster, false); err != nil {
		return err
	}
	s, err := sc.GetOneSchema(ctx, className, false, SchemaOptions{})
	if err != nil {
		if !errors.Is(err, errors.ErrClassNotFound) {
			return err
		}
		s = schema.InjectDefaultSchema(&schema.Schema{ClassName: className})
	}
	_, err = c.adapter.DeleteObjectsByQuery(ctx, className, schema.ToAdapterSchema(s), query)
	if err != nil && className == "_Session" && errors.Is(err, errors.ErrObjectNotFound) {
		return nil
	}
	return err
}

// DeleteSchema drops className and its join tables. Classes that still hold
// objects are refused.
func (c *databaseController) DeleteSchema(ctx context.Context, className string) error {
	if _, err := c.LoadSchema(ctx, nil); err != nil {
		return err
	}
	s, err := c.schema.GetOneSchema(ctx, className, false, SchemaOptions{ClearCache: true})
	if err != nil {
		if !errors.Is(err, errors.ErrClassNotFound) {
			return err
		}
		s = &schema.Schema{ClassName: className, Fields: map[string]schema.FieldType{}}
	}
	count, err := c.adapter.Count(ctx, className, schema.ToAdapterSchema(s), map[string]interface{}{})
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.ErrInvalidSchemaOperation.Newf("Class %s is not empty, contains %d objects, cannot drop schema.", className, count)
	}
	if err := c.adapter.DeleteClass(ctx, className); err != nil {
		return err
	}
	if err := c.dropJoinTables(ctx, s); err != nil {
		return err
	}
	c.log.Info("Deleted class", zap.String("class", className))
	return c.schema.ReloadData(ctx, SchemaOptions{ClearCache: true})
}

// DeleteEverything removes every class and object. fast empties tables
// instead of dropping them where the adapter supports it.
func (c *databaseController) DeleteEverything(ctx context.Context, fast bool) error {
	if err := c.adapter.DeleteAllClasses(ctx, fast); err != nil {
		return err
	}
	return c.schema.ReloadData(ctx, SchemaOptions{ClearCache: true})
}

// PurgeCollection deletes every object of className and keeps its schema.
func (c *databaseController) PurgeCollection(ctx context.Context, className string) error {
	if _, err := c.LoadSchema(ctx, nil); err != nil {
		return err
	}
	s, err := c.schema.GetOneSchema(ctx, className, false, SchemaOptions{})
	if err != nil {
		return err
	}
	_, err = c.adapter.DeleteObjectsByQuery(ctx, className, schema.ToAdapterSchema(s), map[string]interface{}{})
	if err != nil && errors.Is(err, errors.ErrObjectNotFound) {
		return nil
	}
	return err
}

// uniqueFields are enforced by PerformInitialization.
var uniqueFields = []struct {
	className string
	fields    []string
}{
	{"_User", []string{"username"}},
	{"_User", []string{"email"}},
	{"_Role", []string{"name"}},
	{"_Idempotency", []string{"reqId"}},
}

// PerformInitialization prepares storage and the system classes with their
// uniqueness constraints.
func (c *databaseController) PerformInitialization(ctx context.Context) error {
	if err := c.adapter.PerformInitialization(ctx); err != nil {
		return err
	}
	sc, err := c.LoadSchema(ctx, nil)
	if err != nil {
		return err
	}
	for _, className := range []string{"_User", "_Role"} {
		if err := sc.EnforceClassExists(ctx, className); err != nil {
			return err
		}
	}
	for _, u := range uniqueFields {
		s, err := sc.GetOneSchema(ctx, u.className, true, SchemaOptions{})
		if err != nil {
			return err
		}
		if err := c.adapter.EnsureUniqueness(ctx, u.className, schema.ToAdapterSchema(s), u.fields); err != nil {
			c.log.Warn("Unable to ensure uniqueness", zap.String("class", u.className),
				zap.Strings("fields", u.fields), zap.Error(err))
			return err
		}
	}
	c.log.Info("Initialized storage")
	return nil
}
