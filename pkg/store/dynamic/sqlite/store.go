package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// Error is the class of storage failures raised by this adapter.
var Error = errs.Class("sqlite")

const schemaTable = "_SCHEMA"

// schemaModel is one row of the _SCHEMA table. Fields, permissions and
// indexes are JSON columns.
type schemaModel struct {
	ClassName             string `gorm:"column:class_name;primaryKey"`
	Fields                string `gorm:"column:fields;not null"`
	ClassLevelPermissions string `gorm:"column:class_level_permissions"`
	Indexes               string `gorm:"column:indexes"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (schemaModel) TableName() string { return schemaTable }

// Adapter stores every class as a table of (_id, doc) rows where doc is the
// relaxed extended JSON form of the stored document.
type Adapter struct {
	log *zap.Logger
	db  *gorm.DB
}

var _ dynamic.StorageAdapter = (*Adapter)(nil)

// Open opens the database at dsn. ":memory:" gives a private in-memory
// store; the pool is pinned to one connection so every query sees it.
func Open(log *zap.Logger, dsn string) (*Adapter, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, Error.New("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sqlDB.SetMaxOpenConns(1)
	return New(log, db)
}

func New(log *zap.Logger, db *gorm.DB) (*Adapter, error) {
	if db == nil {
		return nil, Error.New("db cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{log: log, db: db}
	if err := a.PerformInitialization(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// PerformInitialization creates the _SCHEMA table.
func (a *Adapter) PerformInitialization(ctx context.Context) error {
	if err := a.db.WithContext(ctx).AutoMigrate(&schemaModel{}); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(sqlDB.Close())
}

// GetStats reports connection pool statistics.
func (a *Adapter) GetStats() map[string]interface{} {
	sqlDB, err := a.db.DB()
	if err != nil {
		return map[string]interface{}{
			"error": err.Error(),
		}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

func toModel(className string, s *schema.Schema) (*schemaModel, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	model := &schemaModel{ClassName: className, Fields: string(fields)}
	if s.ClassLevelPermissions != nil {
		clp, err := json.Marshal(s.ClassLevelPermissions)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		model.ClassLevelPermissions = string(clp)
	}
	if len(s.Indexes) > 0 {
		indexes, err := json.Marshal(s.Indexes)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		model.Indexes = string(indexes)
	}
	return model, nil
}

func (m *schemaModel) toSchema() (*schema.Schema, error) {
	s := &schema.Schema{ClassName: m.ClassName}
	if err := json.Unmarshal([]byte(m.Fields), &s.Fields); err != nil {
		return nil, Error.New("corrupt fields for %s: %v", m.ClassName, err)
	}
	if m.ClassLevelPermissions != "" {
		if err := json.Unmarshal([]byte(m.ClassLevelPermissions), &s.ClassLevelPermissions); err != nil {
			return nil, Error.New("corrupt permissions for %s: %v", m.ClassName, err)
		}
	}
	if m.Indexes != "" {
		if err := json.Unmarshal([]byte(m.Indexes), &s.Indexes); err != nil {
			return nil, Error.New("corrupt indexes for %s: %v", m.ClassName, err)
		}
	}
	s.Normalize()
	return schema.FromAdapterSchema(s), nil
}

func (a *Adapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return tableExists(a.db.WithContext(ctx), className)
}

// CreateClass inserts the schema row and the class table in one
// transaction. The _SCHEMA primary key makes concurrent creates of one
// class fail for all but the first.
func (a *Adapter) CreateClass(ctx context.Context, className string, s *schema.Schema) (*schema.Schema, error) {
	model, err := toModel(className, s)
	if err != nil {
		return nil, err
	}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.ErrDuplicateClass.Newf("Class %s already exists.", className)
			}
			return Error.Wrap(err)
		}
		if err := ensureTable(tx, className); err != nil {
			return err
		}
		return createIndexes(tx, className, s.Indexes)
	})
	if err != nil {
		return nil, err
	}
	return model.toSchema()
}

// AddFieldIfNotExists is a no-op when the field, or the class, is absent from
// _SCHEMA; the caller re-reads the schema to see what won.
func (a *Adapter) AddFieldIfNotExists(ctx context.Context, className, fieldName string, fieldType schema.FieldType) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model schemaModel
		if err := tx.Where("class_name = ?", className).First(&model).Error; err != nil {
			if isNotFound(err) {
				return nil
			}
			return Error.Wrap(err)
		}
		fields := map[string]schema.FieldType{}
		if err := json.Unmarshal([]byte(model.Fields), &fields); err != nil {
			return Error.Wrap(err)
		}
		if _, exists := fields[fieldName]; exists {
			return nil
		}
		fieldType.Op = ""
		fields[fieldName] = fieldType
		encoded, err := json.Marshal(fields)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Model(&schemaModel{}).Where("class_name = ?", className).
			Update("fields", string(encoded)).Error)
	})
}

func (a *Adapter) SetClassLevelPermissions(ctx context.Context, className string, clp schema.CLP) error {
	encoded, err := json.Marshal(clp)
	if err != nil {
		return Error.Wrap(err)
	}
	result := a.db.WithContext(ctx).Model(&schemaModel{}).Where("class_name = ?", className).
		Update("class_level_permissions", string(encoded))
	if result.Error != nil {
		return Error.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
	}
	return nil
}

func (a *Adapter) DeleteClass(ctx context.Context, className string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DROP TABLE IF EXISTS " + quote(className)).Error; err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Where("class_name = ?", className).Delete(&schemaModel{}).Error)
	})
}

// DeleteAllClasses empties every table when fast is set and drops them
// otherwise. Used by tests.
func (a *Adapter) DeleteAllClasses(ctx context.Context, fast bool) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tables []string
		if err := tx.Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").
			Scan(&tables).Error; err != nil {
			return Error.Wrap(err)
		}
		for _, table := range tables {
			stmt := "DROP TABLE " + quote(table)
			if fast || table == schemaTable {
				stmt = "DELETE FROM " + quote(table)
			}
			if err := tx.Exec(stmt).Error; err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// DeleteFields removes the fields from the stored schema and unsets them on
// every object.
func (a *Adapter) DeleteFields(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	fields := fieldsOf(s)
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model schemaModel
		if err := tx.Where("class_name = ?", className).First(&model).Error; err != nil {
			if isNotFound(err) {
				return errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
			}
			return Error.Wrap(err)
		}
		stored := map[string]schema.FieldType{}
		if err := json.Unmarshal([]byte(model.Fields), &stored); err != nil {
			return Error.Wrap(err)
		}
		for _, name := range fieldNames {
			delete(stored, name)
		}
		encoded, err := json.Marshal(stored)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := tx.Model(&schemaModel{}).Where("class_name = ?", className).
			Update("fields", string(encoded)).Error; err != nil {
			return Error.Wrap(err)
		}

		holders := make([]interface{}, 0, len(fieldNames))
		for _, name := range fieldNames {
			holders = append(holders, map[string]interface{}{storageKey(fields, name): map[string]interface{}{"$exists": true}})
		}
		docs, err := loadDocs(tx, className, selectWhere(map[string]interface{}{"$or": holders}))
		if err != nil {
			return err
		}
		for _, doc := range docs {
			for _, name := range fieldNames {
				delete(doc, storageKey(fields, name))
			}
			if err := replaceDoc(tx, className, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) GetAllClasses(ctx context.Context) ([]*schema.Schema, error) {
	var models []schemaModel
	if err := a.db.WithContext(ctx).Order("class_name").Find(&models).Error; err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]*schema.Schema, 0, len(models))
	for i := range models {
		s, err := models[i].toSchema()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Adapter) GetClass(ctx context.Context, className string) (*schema.Schema, error) {
	var model schemaModel
	if err := a.db.WithContext(ctx).Where("class_name = ?", className).First(&model).Error; err != nil {
		if isNotFound(err) {
			return nil, errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
		}
		return nil, Error.Wrap(err)
	}
	return model.toSchema()
}
