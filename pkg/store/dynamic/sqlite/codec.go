package sqlite

import (
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sukryu/pStore/pkg/errors"
	"github.com/sukryu/pStore/pkg/store/query"
	"github.com/sukryu/pStore/pkg/store/schema"
	"github.com/sukryu/pStore/pkg/store/transform"
)

// quote makes any class name, join tables included, a safe identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableExists(tx *gorm.DB, name string) (bool, error) {
	var n int64
	if err := tx.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).
		Scan(&n).Error; err != nil {
		return false, Error.Wrap(err)
	}
	return n > 0, nil
}

func ensureTable(tx *gorm.DB, name string) error {
	stmt := "CREATE TABLE IF NOT EXISTS " + quote(name) + " (_id TEXT PRIMARY KEY, doc TEXT NOT NULL)"
	return Error.Wrap(tx.Exec(stmt).Error)
}

func encodeDoc(doc map[string]interface{}) (string, error) {
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", Error.New("cannot encode document: %v", err)
	}
	return string(data), nil
}

func decodeDoc(data string) (map[string]interface{}, error) {
	var m bson.M
	if err := bson.UnmarshalExtJSON([]byte(data), false, &m); err != nil {
		return nil, Error.New("cannot decode document: %v", err)
	}
	return query.NormalizeDoc(m), nil
}

// loadDocs reads the documents of a class that sel lets through. A class
// without a table has no documents.
func loadDocs(tx *gorm.DB, className string, sel selection) ([]map[string]interface{}, error) {
	exists, err := tableExists(tx, className)
	if err != nil || !exists {
		return nil, err
	}
	var rows []string
	if err := sel.apply(tx, className).Pluck("doc", &rows).Error; err != nil {
		return nil, Error.Wrap(err)
	}
	docs := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeDoc(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// countDocs counts the rows sel lets through.
func countDocs(tx *gorm.DB, className string, sel selection) (int64, error) {
	exists, err := tableExists(tx, className)
	if err != nil || !exists {
		return 0, err
	}
	var n int64
	if err := sel.apply(tx, className).Count(&n).Error; err != nil {
		return 0, Error.Wrap(err)
	}
	return n, nil
}

// deleteWhere removes the rows p selects.
func deleteWhere(tx *gorm.DB, className string, p predicate) (int64, error) {
	exists, err := tableExists(tx, className)
	if err != nil || !exists {
		return 0, err
	}
	stmt := "DELETE FROM ?"
	args := []interface{}{clause.Table{Name: className}}
	if p.sql != "" {
		stmt += " WHERE " + p.sql
		args = append(args, p.args...)
	}
	res := tx.Exec(stmt, args...)
	if res.Error != nil {
		return 0, Error.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}

func docID(doc map[string]interface{}) string {
	id, _ := doc["_id"].(string)
	return id
}

func writeError(err error) error {
	if isUniqueViolation(err) {
		return errors.ErrDuplicateValue.WithReason(err.Error())
	}
	return Error.Wrap(err)
}

func insertDoc(tx *gorm.DB, className string, doc map[string]interface{}) error {
	if docID(doc) == "" {
		doc["_id"] = uuid.NewString()
	}
	data, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	if err := tx.Exec("INSERT INTO "+quote(className)+" (_id, doc) VALUES (?, ?)", docID(doc), data).Error; err != nil {
		return writeError(err)
	}
	return nil
}

func replaceDoc(tx *gorm.DB, className string, doc map[string]interface{}) error {
	data, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	if err := tx.Exec("UPDATE "+quote(className)+" SET doc = ? WHERE _id = ?", data, docID(doc)).Error; err != nil {
		return writeError(err)
	}
	return nil
}

func deleteDocs(tx *gorm.DB, className string, docs []map[string]interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, docID(doc))
	}
	return Error.Wrap(tx.Exec("DELETE FROM "+quote(className)+" WHERE _id IN ?", ids).Error)
}

func fieldsOf(s *schema.Schema) transform.Fields {
	if s == nil {
		return transform.Fields{}
	}
	return s.Fields
}

func storageKey(fields transform.Fields, name string) string {
	return transform.TransformKey(fields, name)
}

// queryError reports filters the evaluator cannot run as invalid queries.
func queryError(err error) error {
	if query.Error.Has(err) {
		return errors.ErrInvalidQuery.WithReason(err.Error())
	}
	return err
}
