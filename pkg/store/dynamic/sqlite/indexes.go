package sqlite

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/dynamic"
	"github.com/sukryu/pStore/pkg/store/schema"
)

// Index names are scoped to the database, so each is prefixed with its class.
func indexName(className, name string) string {
	return className + "$" + name
}

func jsonPath(field string) string {
	return `json_extract(doc, '$."` + strings.ReplaceAll(field, `'`, `''`) + `"')`
}

func indexColumns(idx schema.Index) string {
	cols := make([]string, 0, len(idx))
	for _, key := range idx.Keys() {
		col := jsonPath(key)
		switch n := idx[key].(type) {
		case int:
			if n < 0 {
				col += " DESC"
			}
		case float64:
			if n < 0 {
				col += " DESC"
			}
		}
		cols = append(cols, col)
	}
	return strings.Join(cols, ", ")
}

func createIndexes(tx *gorm.DB, className string, indexes map[string]schema.Index) error {
	for name, idx := range indexes {
		if name == dynamic.IDIndexName || len(idx.Keys()) == 0 {
			continue
		}
		stmt := "CREATE INDEX IF NOT EXISTS " + quote(indexName(className, name)) +
			" ON " + quote(className) + " (" + indexColumns(idx) + ")"
		if err := tx.Exec(stmt).Error; err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (a *Adapter) CreateIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureTable(tx, className); err != nil {
			return err
		}
		return createIndexes(tx, className, indexes)
	})
}

func (a *Adapter) DropIndexes(ctx context.Context, className string, names []string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range names {
			if err := tx.Exec("DROP INDEX IF EXISTS " + quote(indexName(className, name))).Error; err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

var indexColumnRegex = regexp.MustCompile(`json_extract\(doc, '\$\."([^"]+)"'\)( DESC)?`)

// GetIndexes reads the physical indexes back from sqlite_master. The
// primary key is reported as _id_.
func (a *Adapter) GetIndexes(ctx context.Context, className string) (map[string]schema.Index, error) {
	var rows []struct {
		Name string
		SQL  string `gorm:"column:sql"`
	}
	if err := a.db.WithContext(ctx).
		Raw("SELECT name, sql FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL", className).
		Scan(&rows).Error; err != nil {
		return nil, Error.Wrap(err)
	}
	out := map[string]schema.Index{dynamic.IDIndexName: {"_id": 1}}
	prefix := className + "$"
	for _, row := range rows {
		if !strings.HasPrefix(row.Name, prefix) {
			continue
		}
		idx := schema.Index{}
		for _, m := range indexColumnRegex.FindAllStringSubmatch(row.SQL, -1) {
			dir := 1
			if m[2] != "" {
				dir = -1
			}
			idx[m[1]] = dir
		}
		out[strings.TrimPrefix(row.Name, prefix)] = idx
	}
	return out, nil
}

func (a *Adapter) UpdateSchemaIndexes(ctx context.Context, className string, indexes map[string]schema.Index) error {
	encoded := ""
	if len(indexes) > 0 {
		data, err := json.Marshal(indexes)
		if err != nil {
			return Error.Wrap(err)
		}
		encoded = string(data)
	}
	result := a.db.WithContext(ctx).Model(&schemaModel{}).Where("class_name = ?", className).
		Update("indexes", encoded)
	if result.Error != nil {
		return Error.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrClassNotFound.Newf("Class %s does not exist.", className)
	}
	return nil
}

// EnsureUniqueness adds a unique index over the fields. Existing duplicates
// make it fail with a DuplicateValue error.
func (a *Adapter) EnsureUniqueness(ctx context.Context, className string, s *schema.Schema, fieldNames []string) error {
	fields := fieldsOf(s)
	keys := make([]string, 0, len(fieldNames))
	cols := make([]string, 0, len(fieldNames))
	for _, name := range fieldNames {
		key := storageKey(fields, name)
		keys = append(keys, key+"_1")
		cols = append(cols, jsonPath(key))
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureTable(tx, className); err != nil {
			return err
		}
		stmt := "CREATE UNIQUE INDEX IF NOT EXISTS " + quote(indexName(className, strings.Join(keys, "_"))) +
			" ON " + quote(className) + " (" + strings.Join(cols, ", ") + ")"
		if err := tx.Exec(stmt).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.ErrDuplicateValue.New("Tried to ensure field uniqueness for a class that already has duplicates.")
			}
			return Error.Wrap(err)
		}
		return nil
	})
}
