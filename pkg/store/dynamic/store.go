package dynamic

import (
	"context"

	"github.com/sukryu/pStore/pkg/store/schema"
)

// StorageAdapter is the contract between the controllers and a physical
// store. Queries and objects cross it in REST form; each adapter transforms
// them into its own storage shape. The *schema.Schema arguments describe the
// class being operated on, defaults included.
type StorageAdapter interface {
	// Schema storage
	ClassExists(ctx context.Context, className string) (bool, error)
	SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) error
	// CreateClass is atomic: a concurrent create of the same class yields
	// errors.ErrDuplicateClass for all but one caller.
	CreateClass(ctx context.Context, className string, s *schema.Schema) (*schema.Schema, error)
	// AddFieldIfNotExists leaves an existing field untouched and reports no error.
	AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) error
	DeleteClass(ctx context.Context, className string) error
	DeleteAllClasses(ctx context.Context, fast bool) error
	DeleteFields(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error
	GetAllClasses(ctx context.Context) ([]*schema.Schema, error)
	GetClass(ctx context.Context, className string) (*schema.Schema, error)

	// Objects
	CreateObject(ctx context.Context, className string, s *schema.Schema, object map[string]interface{}) error
	// DeleteObjectsByQuery returns errors.ErrObjectNotFound when nothing matched.
	DeleteObjectsByQuery(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}) (int64, error)
	UpdateObjectsByQuery(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) (int64, error)
	// FindOneAndUpdate returns the updated object, or nil when nothing matched.
	FindOneAndUpdate(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) (map[string]interface{}, error)
	UpsertOneObject(ctx context.Context, className string, s *schema.Schema, query, update map[string]interface{}) error
	Find(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}, opts QueryOptions) ([]map[string]interface{}, error)
	Count(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}) (int64, error)
	Distinct(ctx context.Context, className string, s *schema.Schema, query map[string]interface{}, fieldName string) ([]interface{}, error)
	Aggregate(ctx context.Context, className string, s *schema.Schema, pipeline []map[string]interface{}) ([]map[string]interface{}, error)
	EnsureUniqueness(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error

	// Indexes
	CreateIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error
	DropIndexes(ctx context.Context, className string, names []string) error
	GetIndexes(ctx context.Context, className string) (map[string]schema.Index, error)
	// UpdateSchemaIndexes records the index set in the class's stored schema.
	UpdateSchemaIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error

	PerformInitialization(ctx context.Context) error
	Close() error
}

// SortField orders Find results by a REST field name.
type SortField struct {
	Field string
	Desc  bool
}

// QueryOptions shape a Find. Keys limits the returned REST fields.
type QueryOptions struct {
	Skip  int
	Limit int
	Sort  []SortField
	Keys  []string
}

type DatabaseType string

const (
	SQLiteDB DatabaseType = "sqlite"
	MongoDB  DatabaseType = "mongo"
)

// IDIndexName is the implicit primary index every class carries.
const IDIndexName = "_id_"
