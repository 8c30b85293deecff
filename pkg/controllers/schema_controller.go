package controllers

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/cache"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

const reloadKey = "schema"

type SchemaState int32

const (
	SchemaUninitialized SchemaState = iota
	SchemaLoading
	SchemaReady
)

// SchemaOptions tunes schema reads. ClearCache bypasses the schema cache and
// any reload already in flight.
type SchemaOptions struct {
	ClearCache bool
}

type SchemaConfig struct {
	// ProtectedFields is merged into the stored protectedFields of each class
	// (class -> entity -> fields).
	ProtectedFields map[string]map[string][]string
	// AllowCustomObjectID relaxes the user id pattern accepted in permissions.
	AllowCustomObjectID bool
}

// SchemaController owns the process-local view of every class. The current
// snapshot is replaced wholesale on reload, never mutated.
type SchemaController struct {
	log             *zap.Logger
	adapter         dynamic.StorageAdapter
	cache           *cache.SchemaCache
	protectedFields map[string]map[string][]string
	userIDRegex     *regexp.Regexp

	data    atomic.Pointer[schema.Data]
	state   atomic.Int32
	reloads singleflight.Group

	generation atomic.Uint64
	publishMu  sync.Mutex
	published  uint64
}

// fieldAddition records a field this controller asked the adapter to add, so
// it can be re-checked after the next reload.
type fieldAddition struct {
	className string
	fieldName string
	fieldType schema.FieldType
}

func NewSchemaController(log *zap.Logger, adapter dynamic.StorageAdapter, schemaCache *cache.SchemaCache, cfg SchemaConfig) *SchemaController {
	if log == nil {
		log = zap.NewNop()
	}
	if schemaCache == nil {
		schemaCache = cache.NewSchemaCache(log, cache.NewMemory(5*time.Second, time.Minute), 5*time.Second)
	}
	userIDRegex := schema.DefaultUserIDRegex
	if cfg.AllowCustomObjectID {
		userIDRegex = schema.CustomUserIDRegex
	}
	return &SchemaController{
		log:             log,
		adapter:         adapter,
		cache:           schemaCache,
		protectedFields: cfg.ProtectedFields,
		userIDRegex:     userIDRegex,
	}
}

// Data returns the current snapshot, nil before the first reload.
func (c *SchemaController) Data() *schema.Data {
	return c.data.Load()
}

func (c *SchemaController) State() SchemaState {
	return SchemaState(c.state.Load())
}

// ReloadData rebuilds the snapshot. Concurrent calls share one fetch unless
// ClearCache is set, which always starts a new one.
func (c *SchemaController) ReloadData(ctx context.Context, opts SchemaOptions) error {
	if opts.ClearCache {
		c.reloads.Forget(reloadKey)
	}
	_, err, _ := c.reloads.Do(reloadKey, func() (interface{}, error) {
		gen := c.generation.Add(1)
		c.state.Store(int32(SchemaLoading))
		all, cached := []*schema.Schema(nil), false
		if !opts.ClearCache {
			all, cached = c.cache.GetAllClasses(ctx)
		}
		if !cached {
			var err error
			if all, err = c.loadAllClasses(ctx); err != nil {
				if c.data.Load() == nil {
					c.state.Store(int32(SchemaUninitialized))
				} else {
					c.state.Store(int32(SchemaReady))
				}
				return nil, err
			}
		}
		if c.publish(ctx, gen, all, !cached) {
			c.log.Debug("Reloaded schema", zap.Int("classes", len(all)), zap.Uint64("generation", gen))
		}
		return nil, nil
	})
	return err
}

// publish swaps in all unless a later reload already landed. Fresh lists are
// written through to the schema cache in the same order.
func (c *SchemaController) publish(ctx context.Context, gen uint64, all []*schema.Schema, fresh bool) bool {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	if gen < c.published {
		return false
	}
	c.published = gen
	c.data.Store(schema.NewData(all, c.protectedFields))
	c.state.Store(int32(SchemaReady))
	if fresh {
		c.cache.SetAllClasses(ctx, all)
	}
	return true
}

// GetAllClasses returns every stored class with its default columns.
func (c *SchemaController) GetAllClasses(ctx context.Context, opts SchemaOptions) ([]*schema.Schema, error) {
	if !opts.ClearCache {
		if all, ok := c.cache.GetAllClasses(ctx); ok {
			return all, nil
		}
	}
	all, err := c.loadAllClasses(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetAllClasses(ctx, all)
	return all, nil
}

func (c *SchemaController) loadAllClasses(ctx context.Context) ([]*schema.Schema, error) {
	stored, err := c.adapter.GetAllClasses(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]*schema.Schema, 0, len(stored))
	for _, s := range stored {
		all = append(all, schema.InjectDefaultSchema(s))
	}
	return all, nil
}

// GetOneSchema returns the schema of className. Volatile classes resolve in
// memory when allowVolatile is set.
func (c *SchemaController) GetOneSchema(ctx context.Context, className string, allowVolatile bool, opts SchemaOptions) (*schema.Schema, error) {
	if opts.ClearCache {
		c.cache.Clear(ctx)
	}
	if allowVolatile && schema.VolatileClasses.Has(className) {
		if cd, ok := c.Data().Get(className); ok {
			return classSchema(className, cd), nil
		}
		return schema.VolatileSchema(className), nil
	}
	if !opts.ClearCache {
		if s, ok := c.cache.GetOneSchema(ctx, className); ok {
			return s, nil
		}
	}
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return nil, err
	}
	for _, s := range c.Data().Schemas() {
		if s.ClassName == className {
			return s.Clone(), nil
		}
	}
	return nil, errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
}

func classSchema(className string, cd *schema.ClassData) *schema.Schema {
	s := &schema.Schema{
		ClassName:             className,
		Fields:                cd.Fields,
		ClassLevelPermissions: cd.ClassLevelPermissions,
		Indexes:               cd.Indexes,
	}
	return s.Clone()
}

// AddClassIfNotExists creates className. Of several concurrent creators only
// one succeeds; the others get ErrDuplicateClass.
func (c *SchemaController) AddClassIfNotExists(ctx context.Context, className string, fields map[string]schema.FieldType, clp schema.CLP, indexes map[string]schema.Index) (*schema.Schema, error) {
	if err := c.validateNewClass(ctx, className, fields, clp, indexes); err != nil {
		return nil, err
	}
	in := &schema.Schema{ClassName: className, Fields: fields, ClassLevelPermissions: clp, Indexes: indexes}
	if in.Fields == nil {
		in.Fields = map[string]schema.FieldType{}
	}
	created, err := c.adapter.CreateClass(ctx, className, schema.ToAdapterSchema(in))
	if err != nil {
		if errors.Is(err, errors.ErrDuplicateClass) {
			c.log.Debug("Class created concurrently", zap.String("class", className))
			return nil, errors.ErrDuplicateClass.Newf("Class %s already exists.", className)
		}
		return nil, err
	}
	c.log.Debug("Created class", zap.String("class", className))
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *SchemaController) validateNewClass(ctx context.Context, className string, fields map[string]schema.FieldType, clp schema.CLP, indexes map[string]schema.Index) error {
	if c.Data().HasClass(className) {
		return errors.ErrDuplicateClass.Newf("Class %s already exists.", className)
	}
	if !schema.ClassNameIsValid(className) {
		return errors.ErrInvalidClassName.New(schema.InvalidClassNameMessage(className))
	}
	if err := schema.ValidateSchemaData(className, fields, clp, sets.New[string](), c.userIDRegex); err != nil {
		return err
	}
	if err := c.checkTargetClasses(ctx, className, fields); err != nil {
		return err
	}
	all := schema.DefaultFieldsFor(className)
	for k, v := range fields {
		all[k] = v
	}
	_, _, _, err := planIndexes(indexes, nil, all)
	return err
}

// checkTargetClasses requires every declared pointer or relation to target
// the class itself, a system class or a class that exists.
func (c *SchemaController) checkTargetClasses(ctx context.Context, className string, fields map[string]schema.FieldType) error {
	reloaded := false
	for _, name := range sortedFieldNames(fields) {
		f := fields[name]
		if f.Type != schema.TypePointer && f.Type != schema.TypeRelation {
			continue
		}
		target := f.TargetClass
		if target == className || schema.SystemClasses.Has(target) || c.Data().HasClass(target) {
			continue
		}
		if !reloaded {
			reloaded = true
			if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
				return err
			}
			if c.Data().HasClass(target) {
				continue
			}
		}
		return errors.ErrInvalidClassName.Newf("Class %s does not exist, cannot be the target of %s.", target, name)
	}
	return nil
}

// UpdateClass applies submitted field changes, permissions and indexes to an
// existing class. Deletions are applied before additions so a field can be
// dropped and re-added with a new type in one call.
func (c *SchemaController) UpdateClass(ctx context.Context, className string, submitted map[string]schema.FieldType, clp schema.CLP, indexes map[string]schema.Index) (*schema.Schema, error) {
	existing, err := c.GetOneSchema(ctx, className, false, SchemaOptions{})
	if err != nil {
		if errors.Is(err, errors.ErrClassNotFound) {
			return nil, errors.ErrInvalidClassName.Newf("Class %s does not exist.", className)
		}
		return nil, err
	}

	for _, name := range sortedFieldNames(submitted) {
		field := submitted[name]
		old, exists := existing.Fields[name]
		if exists && !field.IsDelete() && !old.Equal(field) {
			return nil, errors.ErrInvalidSchemaOperation.Newf("Field %s exists, cannot update.", name)
		}
		if !exists && field.IsDelete() {
			return nil, errors.ErrInvalidSchemaOperation.Newf("Field %s does not exist, cannot delete.", name)
		}
	}

	merged := map[string]schema.FieldType{}
	for name, f := range existing.Fields {
		if schema.IsClassDefaultField(className, name) {
			continue
		}
		if sub, ok := submitted[name]; ok && sub.IsDelete() {
			continue
		}
		merged[name] = f
	}
	var deleted []string
	inserted := map[string]schema.FieldType{}
	for _, name := range sortedFieldNames(submitted) {
		f := submitted[name]
		if f.IsDelete() {
			deleted = append(deleted, name)
			if f.Type == "" {
				continue
			}
			f.Op = ""
		} else if _, ok := existing.Fields[name]; ok {
			continue
		}
		merged[name] = f
		inserted[name] = f
	}

	kept := sets.KeySet(existing.Fields).Delete(deleted...)
	if err := schema.ValidateSchemaData(className, merged, clp, kept, c.userIDRegex); err != nil {
		return nil, err
	}
	if err := c.checkTargetClasses(ctx, className, inserted); err != nil {
		return nil, err
	}
	full := schema.DefaultFieldsFor(className)
	for k, v := range merged {
		full[k] = v
	}
	drops, creates, finalIndexes, err := planIndexes(indexes, existing.Indexes, full)
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		if err := c.DeleteFields(ctx, deleted, className); err != nil {
			return nil, err
		}
	}
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return nil, err
	}
	var added []*fieldAddition
	for _, name := range sortedFieldNames(inserted) {
		a, err := c.enforceFieldExists(ctx, className, name, inserted[name])
		if err != nil {
			return nil, err
		}
		if a != nil {
			added = append(added, a)
		}
	}
	if err := c.setPermissions(ctx, className, clp, full); err != nil {
		return nil, err
	}
	if len(drops) > 0 || len(creates) > 0 {
		if err := c.applyIndexes(ctx, className, drops, creates, finalIndexes); err != nil {
			return nil, err
		}
	}
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return nil, err
	}
	if err := c.ensureFields(added); err != nil {
		return nil, err
	}
	cd, ok := c.Data().Get(className)
	if !ok {
		return nil, errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
	}
	return classSchema(className, cd), nil
}

// DeleteFields drops fields from className and the join tables of relation
// fields among them.
func (c *SchemaController) DeleteFields(ctx context.Context, fieldNames []string, className string) error {
	for _, name := range fieldNames {
		if !schema.FieldNameIsValid(name, className) {
			return errors.ErrInvalidKeyName.Newf("invalid field name: %s", name)
		}
		if !schema.FieldNameIsValidForClass(name, className) {
			return errors.ErrFieldCannotBeModified.Newf("Field %s cannot be changed.", name)
		}
	}
	s, err := c.GetOneSchema(ctx, className, false, SchemaOptions{ClearCache: true})
	if err != nil {
		if errors.Is(err, errors.ErrClassNotFound) {
			return errors.ErrInvalidClassName.Newf("Class %s does not exist.", className)
		}
		return err
	}
	for _, name := range fieldNames {
		if _, ok := s.Fields[name]; !ok {
			return errors.ErrInvalidSchemaOperation.Newf("Field %s does not exist, cannot delete.", name)
		}
	}
	if err := c.adapter.DeleteFields(ctx, className, schema.ToAdapterSchema(s), fieldNames); err != nil {
		return err
	}
	for _, name := range fieldNames {
		if s.Fields[name].Type != schema.TypeRelation {
			continue
		}
		if err := c.adapter.DeleteClass(ctx, schema.JoinTableName(className, name)); err != nil {
			return err
		}
	}
	c.cache.Clear(ctx)
	return nil
}

// EnforceClassExists creates className if needed. Losing a creation race is
// fine as long as the class exists after a reload.
func (c *SchemaController) EnforceClassExists(ctx context.Context, className string) error {
	if c.Data().HasClass(className) {
		return nil
	}
	_, createErr := c.AddClassIfNotExists(ctx, className, nil, nil, nil)
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return err
	}
	if c.Data().HasClass(className) {
		return nil
	}
	if createErr != nil {
		return createErr
	}
	return errors.ErrInvalidJSON.Newf("Failed to add %s", className)
}

// EnforceFieldExists makes sure fieldName exists with fieldType. An existing
// field of another type is an error.
func (c *SchemaController) EnforceFieldExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) error {
	a, err := c.enforceFieldExists(ctx, className, fieldName, fieldType)
	if err != nil || a == nil {
		return err
	}
	if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
		return err
	}
	return c.ensureFields([]*fieldAddition{a})
}

// enforceFieldExists returns the addition it made, or nil when the field was
// already there.
func (c *SchemaController) enforceFieldExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) (*fieldAddition, error) {
	if i := strings.Index(fieldName, "."); i > 0 {
		fieldName = fieldName[:i]
		fieldType = schema.FieldType{Type: schema.TypeObject}
	}
	if !schema.FieldNameIsValid(fieldName, className) {
		return nil, errors.ErrInvalidKeyName.Newf("Invalid field name: %s.", fieldName)
	}
	if fieldType.Type == "" {
		return nil, nil
	}
	if fieldType.DefaultValue != nil {
		defaultType, err := schema.GetType(fieldType.DefaultValue)
		if err != nil {
			return nil, err
		}
		if defaultType == nil || !defaultType.Equal(fieldType) {
			got := "undefined"
			if defaultType != nil {
				got = defaultType.String()
			}
			return nil, errors.ErrIncorrectType.Newf("schema mismatch for %s.%s default value; expected %s but got %s",
				className, fieldName, fieldType, got)
		}
	}
	if expected, ok := c.Data().ExpectedType(className, fieldName); ok {
		if !expected.Equal(fieldType) {
			return nil, errors.ErrIncorrectType.Newf("schema mismatch for %s.%s; expected %s but got %s",
				className, fieldName, expected, fieldType)
		}
		return nil, nil
	}
	if fieldType.Type == schema.TypeGeoPoint {
		if cd, ok := c.Data().Get(className); ok {
			for _, name := range sortedFieldNames(cd.Fields) {
				if cd.Fields[name].Type == schema.TypeGeoPoint {
					return nil, errors.ErrIncorrectType.Newf("currently, only one GeoPoint field may exist in an object. Adding %s when %s already exists.",
						fieldName, name)
				}
			}
		}
	}
	if err := c.adapter.AddFieldIfNotExists(ctx, className, fieldName, fieldType); err != nil {
		return nil, err
	}
	c.log.Debug("Added field", zap.String("class", className), zap.String("field", fieldName), zap.Stringer("type", fieldType))
	return &fieldAddition{className: className, fieldName: fieldName, fieldType: fieldType}, nil
}

// ensureFields re-checks additions against the current snapshot. A racing
// writer that added the same field with another type wins.
func (c *SchemaController) ensureFields(added []*fieldAddition) error {
	for _, a := range added {
		expected, ok := c.Data().ExpectedType(a.className, a.fieldName)
		if !ok {
			return errors.ErrInvalidJSON.Newf("Could not add field %s", a.fieldName)
		}
		if !expected.Equal(a.fieldType) {
			return errors.ErrIncorrectType.Newf("schema mismatch for %s.%s; expected %s but got %s",
				a.className, a.fieldName, expected, a.fieldType)
		}
	}
	return nil
}

// ValidateObject makes sure every typed key of object exists in className,
// adding fields as needed, then checks required columns. query is the
// update query, nil on create.
func (c *SchemaController) ValidateObject(ctx context.Context, className string, object, query map[string]interface{}) error {
	geocount := 0
	var added []*fieldAddition
	for _, fieldName := range sortedKeys(object) {
		expected, err := schema.GetType(object[fieldName])
		if err != nil {
			return err
		}
		if expected == nil {
			continue
		}
		if expected.Type == schema.TypeGeoPoint {
			geocount++
		}
		if geocount > 1 {
			return errors.ErrIncorrectType.New("there can only be one geopoint field in a class")
		}
		if fieldName == "ACL" || (className == "_User" && fieldName == "authData") {
			continue
		}
		a, err := c.enforceFieldExists(ctx, className, fieldName, *expected)
		if err != nil {
			return err
		}
		if a != nil {
			added = append(added, a)
		}
	}
	if len(added) > 0 {
		if err := c.ReloadData(ctx, SchemaOptions{ClearCache: true}); err != nil {
			return err
		}
		if err := c.ensureFields(added); err != nil {
			return err
		}
	}
	return validateRequiredColumns(className, object, query)
}

func validateRequiredColumns(className string, object, query map[string]interface{}) error {
	_, updating := query["objectId"]
	for _, column := range schema.RequiredColumns(className, false) {
		v := object[column]
		missing := false
		if updating {
			if op, ok := v.(map[string]interface{}); ok {
				missing = op["__op"] == "Delete"
			}
		} else {
			missing = isFalsy(v)
		}
		if missing {
			return errors.ErrIncorrectType.Newf("%s is required.", column)
		}
	}
	return nil
}

func isFalsy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	}
	return false
}

// SetPermissions validates and stores clp for className. fields are the
// columns pointer permissions are checked against; nil means the current
// columns of the class.
func (c *SchemaController) SetPermissions(ctx context.Context, className string, clp schema.CLP, fields map[string]schema.FieldType) error {
	if clp == nil {
		return nil
	}
	if fields == nil {
		if cd, ok := c.Data().Get(className); ok {
			fields = cd.Fields
		}
	}
	if err := c.setPermissions(ctx, className, clp, fields); err != nil {
		return err
	}
	return c.ReloadData(ctx, SchemaOptions{ClearCache: true})
}

func (c *SchemaController) setPermissions(ctx context.Context, className string, clp schema.CLP, fields map[string]schema.FieldType) error {
	if clp == nil {
		return nil
	}
	if err := schema.ValidateCLP(clp, fields, c.userIDRegex); err != nil {
		return err
	}
	if err := c.adapter.SetClassLevelPermissions(ctx, className, clp.Normalize()); err != nil {
		return err
	}
	c.cache.Clear(ctx)
	return nil
}

// planIndexes validates submitted index changes against existing and fields.
// It returns the names to drop, the indexes to create and the resulting set.
func planIndexes(submitted, existing map[string]schema.Index, fields map[string]schema.FieldType) ([]string, map[string]schema.Index, map[string]schema.Index, error) {
	final := map[string]schema.Index{dynamic.IDIndexName: {"_id": 1}}
	for name, idx := range existing {
		final[name] = idx
	}
	var drops []string
	creates := map[string]schema.Index{}
	for _, name := range sortedIndexNames(submitted) {
		idx := submitted[name]
		_, exists := final[name]
		if exists && !idx.IsDelete() {
			return nil, nil, nil, errors.ErrInvalidQuery.Newf("Index %s exists, cannot update.", name)
		}
		if !exists && idx.IsDelete() {
			return nil, nil, nil, errors.ErrInvalidQuery.Newf("Index %s does not exist, cannot delete.", name)
		}
		if idx.IsDelete() {
			if name == dynamic.IDIndexName {
				return nil, nil, nil, errors.ErrInvalidQuery.Newf("Index %s cannot be deleted.", name)
			}
			drops = append(drops, name)
			delete(final, name)
			continue
		}
		keys := idx.Keys()
		if len(keys) == 0 {
			return nil, nil, nil, errors.ErrInvalidQuery.Newf("Index %s has no keys.", name)
		}
		for _, key := range keys {
			if _, ok := fields[strings.TrimPrefix(key, "_p_")]; !ok {
				return nil, nil, nil, errors.ErrInvalidQuery.Newf("Field %s does not exist, cannot add index.", key)
			}
		}
		final[name] = idx
		creates[name] = idx
	}
	return drops, creates, final, nil
}

func (c *SchemaController) applyIndexes(ctx context.Context, className string, drops []string, creates, final map[string]schema.Index) error {
	if len(drops) > 0 {
		if err := c.adapter.DropIndexes(ctx, className, drops); err != nil {
			return err
		}
	}
	if len(creates) > 0 {
		if err := c.adapter.CreateIndexes(ctx, className, creates); err != nil {
			return err
		}
	}
	if err := c.adapter.UpdateSchemaIndexes(ctx, className, final); err != nil {
		return err
	}
	c.cache.Clear(ctx)
	return nil
}

func (c *SchemaController) GetExpectedType(className, fieldName string) (schema.FieldType, bool) {
	return c.Data().ExpectedType(className, fieldName)
}

func (c *SchemaController) HasClass(className string) bool {
	return c.Data().HasClass(className)
}

func sortedFieldNames(fields map[string]schema.FieldType) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedIndexNames(indexes map[string]schema.Index) []string {
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
