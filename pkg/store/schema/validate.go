package schema

import (
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/sukryu/pStore/pkg/errors"
)

var (
	classAndFieldRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	joinClassRegex     = regexp.MustCompile(`^_Join:[A-Za-z0-9_]+:[A-Za-z0-9_]+`)

	// DefaultUserIDRegex matches generated object ids.
	DefaultUserIDRegex = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)
	// CustomUserIDRegex is used when callers may choose their own object ids.
	CustomUserIDRegex = regexp.MustCompile(`^.+$`)

	roleRegex                   = regexp.MustCompile(`^role:.*`)
	protectedFieldsPointerRegex = regexp.MustCompile(`^userField:.*`)
)

var invalidColumns = sets.New[string]("length")

// validNonRelationOrPointerTypes are the types a caller may declare directly.
var validNonRelationOrPointerTypes = sets.New[string](
	TypeNumber, TypeString, TypeBoolean, TypeDate, TypeObject,
	TypeArray, TypeGeoPoint, TypeFile, TypeBytes, TypePolygon,
)

// ClassNameIsValid accepts system classes, join tables and plain names.
func ClassNameIsValid(className string) bool {
	return SystemClasses.Has(className) ||
		joinClassRegex.MatchString(className) ||
		FieldNameIsValid(className, className)
}

// FieldNameIsValid checks the key pattern and reserved words. className is
// reserved everywhere except in _Hooks.
func FieldNameIsValid(fieldName, className string) bool {
	if className != "" && className != "_Hooks" && fieldName == "className" {
		return false
	}
	return classAndFieldRegex.MatchString(fieldName) && !invalidColumns.Has(fieldName)
}

// FieldNameIsValidForClass also rejects names that collide with implicit columns.
func FieldNameIsValidForClass(fieldName, className string) bool {
	if !FieldNameIsValid(fieldName, className) {
		return false
	}
	return !IsClassDefaultField(className, fieldName)
}

func InvalidClassNameMessage(className string) string {
	return "Invalid classname: " + className +
		", classnames can only have alphanumeric characters and _, and must start with an alpha character "
}

// FieldTypeIsInvalid returns the error for a declared type, or nil.
func FieldTypeIsInvalid(f FieldType) error {
	if f.Type == TypePointer || f.Type == TypeRelation {
		if f.TargetClass == "" {
			return errors.ErrMissingRequiredField.Newf("type %s needs a class name", f.Type)
		}
		if !ClassNameIsValid(f.TargetClass) {
			return errors.ErrInvalidClassName.New(InvalidClassNameMessage(f.TargetClass))
		}
		return nil
	}
	if f.Type == "" {
		return errors.ErrInvalidJSON.New("invalid JSON")
	}
	if !validNonRelationOrPointerTypes.Has(f.Type) {
		return errors.ErrIncorrectType.Newf("invalid field type: %s", f.Type)
	}
	return nil
}

// ValidateSchemaData checks the fields of a class being created or extended.
// Fields named in existing are not re-validated. fields is not modified.
func ValidateSchemaData(className string, fields map[string]FieldType, clp CLP, existing sets.Set[string], userIDRegex *regexp.Regexp) error {
	for _, fieldName := range sortedKeys(fields) {
		if existing.Has(fieldName) {
			continue
		}
		if !FieldNameIsValid(fieldName, className) {
			return errors.ErrInvalidKeyName.New("invalid field name: " + fieldName)
		}
		if !FieldNameIsValidForClass(fieldName, className) {
			return errors.ErrFieldCannotBeModified.New("field " + fieldName + " cannot be added")
		}
		fieldType := fields[fieldName]
		if err := FieldTypeIsInvalid(fieldType); err != nil {
			return err
		}
		if fieldType.DefaultValue != nil {
			defaultType, err := GetType(fieldType.DefaultValue)
			if err != nil {
				return err
			}
			if fieldType.Type == TypeRelation {
				return errors.ErrIncorrectType.Newf("The 'default value' option is not applicable for %s", fieldType)
			}
			if defaultType == nil || !fieldType.Equal(*defaultType) {
				got := "undefined"
				if defaultType != nil {
					got = defaultType.String()
				}
				return errors.ErrIncorrectType.Newf("schema mismatch for %s.%s default value; expected %s but got %s",
					className, fieldName, fieldType, got)
			}
		} else if fieldType.Required && fieldType.Type == TypeRelation {
			return errors.ErrIncorrectType.Newf("The 'required' option is not applicable for %s", fieldType)
		}
	}

	all := DefaultFieldsFor(className)
	for k, v := range fields {
		all[k] = v
	}
	var geoPoints []string
	for _, name := range sortedKeys(all) {
		if all[name].Type == TypeGeoPoint {
			geoPoints = append(geoPoints, name)
		}
	}
	if len(geoPoints) > 1 {
		return errors.ErrIncorrectType.Newf("currently, only one GeoPoint field may exist in an object. Adding %s when %s already exists.",
			geoPoints[1], geoPoints[0])
	}
	return ValidateCLP(clp, all, userIDRegex)
}

// ValidateCLP checks every key and entity of perms against fields.
func ValidateCLP(perms CLP, fields map[string]FieldType, userIDRegex *regexp.Regexp) error {
	if perms == nil {
		return nil
	}
	if userIDRegex == nil {
		userIDRegex = DefaultUserIDRegex
	}
	for _, operationKey := range sortedKeys(perms) {
		if !clpValidKeys[operationKey] {
			return errors.ErrInvalidJSON.Newf("%s is not a valid operation for class level permissions", operationKey)
		}
		operation := perms[operationKey]

		if operationKey == KeyReadUserFields || operationKey == KeyWriteUserFields {
			userFields, ok := asStrings(operation)
			if !ok {
				return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for class level permissions %s - must be an array", operation, operationKey)
			}
			for _, fieldName := range userFields {
				if err := validatePointerPermission(fieldName, fields, operationKey); err != nil {
					return err
				}
			}
			continue
		}

		if operationKey == KeyProtectedFields {
			if err := validateProtectedFields(operation, fields, userIDRegex); err != nil {
				return err
			}
			continue
		}

		entities, ok := asMap(operation)
		if !ok {
			return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for class level permissions %s - must be an object", operation, operationKey)
		}
		for _, entity := range sortedKeys(entities) {
			if err := validatePermissionKey(entity, userIDRegex); err != nil {
				return err
			}
			if entity == KeyPointerFields {
				pointerFields, ok := asStrings(entities[entity])
				if !ok {
					return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for %s[%s] - expected an array.", entities[entity], operationKey, entity)
				}
				for _, pointerField := range pointerFields {
					if err := validatePointerPermission(pointerField, fields, operationKey); err != nil {
						return err
					}
				}
				continue
			}
			if permit, _ := entities[entity].(bool); !permit {
				return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for class level permissions %s:%s:%v",
					entities[entity], operationKey, entity, entities[entity])
			}
		}
	}
	return nil
}

func validateProtectedFields(operation interface{}, fields map[string]FieldType, userIDRegex *regexp.Regexp) error {
	entities, ok := asMap(operation)
	if !ok {
		typed, ok := operation.(map[string][]string)
		if !ok {
			return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for class level permissions %s - must be an object", operation, KeyProtectedFields)
		}
		entities = make(map[string]interface{}, len(typed))
		for k, v := range typed {
			entities[k] = v
		}
	}
	for _, entity := range sortedKeys(entities) {
		if !(userIDRegex.MatchString(entity) || roleRegex.MatchString(entity) || entity == EntityPublic ||
			entity == EntityAuthenticated || protectedFieldsPointerRegex.MatchString(entity)) {
			return errors.ErrInvalidJSON.Newf("'%s' is not a valid key for class level permissions", entity)
		}
		protected, ok := asStrings(entities[entity])
		if !ok {
			return errors.ErrInvalidJSON.Newf("'%v' is not a valid value for protectedFields[%s] - expected an array.", entities[entity], entity)
		}
		for _, field := range protected {
			if IsDefaultField(field) {
				return errors.ErrInvalidJSON.Newf("Default field '%s' can not be protected", field)
			}
			if _, ok := fields[field]; !ok {
				return errors.ErrInvalidJSON.Newf("Field '%s' in protectedFields:%s does not exist", field, entity)
			}
		}
	}
	return nil
}

func validatePermissionKey(key string, userIDRegex *regexp.Regexp) error {
	if userIDRegex.MatchString(key) || roleRegex.MatchString(key) || key == EntityPublic ||
		key == EntityRequiresAuthentication || key == KeyPointerFields {
		return nil
	}
	return errors.ErrInvalidJSON.Newf("'%s' is not a valid key for class level permissions", key)
}

func validatePointerPermission(fieldName string, fields map[string]FieldType, operation string) error {
	f, ok := fields[fieldName]
	if ok && ((f.Type == TypePointer && f.TargetClass == "_User") || f.Type == TypeArray) {
		return nil
	}
	return errors.ErrInvalidJSON.New(fmt.Sprintf("'%s' is not a valid column for class level pointer permissions %s", fieldName, operation))
}
