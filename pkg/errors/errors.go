package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Wire codes. These are part of the client contract and never change.
const (
	CodeInternalServerError    = 1
	CodeObjectNotFound         = 101
	CodeInvalidQuery           = 102
	CodeInvalidClassName       = 103
	CodeMissingObjectID        = 104
	CodeInvalidKeyName         = 105
	CodeInvalidPointer         = 106
	CodeInvalidJSON            = 107
	CodeCommandUnavailable     = 108
	CodeIncorrectType          = 111
	CodeOperationForbidden     = 119
	CodeInvalidNestedKey       = 121
	CodeMissingRequiredField   = 135
	CodeChangedImmutableField  = 136
	CodeDuplicateValue         = 137
	CodeInvalidSchemaOperation = 255
)

type StatusError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Reason  string `json:"reason,omitempty"`

	// kind separates sentinels that share a wire code, e.g. a duplicate class
	// and a malformed class name are both 103.
	kind string
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("code %d: %s: %s", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Is reports whether target is the same sentinel. Sentinels with a kind only
// match errors derived from them; plain sentinels match on code.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	if t.kind != "" {
		return e.kind == t.kind
	}
	return e.Code == t.Code
}

// HTTPStatus maps the wire code to the status an HTTP front end should answer with.
func (e *StatusError) HTTPStatus() int {
	switch e.Code {
	case CodeInternalServerError:
		return http.StatusInternalServerError
	case CodeObjectNotFound:
		return http.StatusNotFound
	case CodeOperationForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func NewStatusError(code int, message string) *StatusError {
	return &StatusError{
		Code:    code,
		Message: message,
	}
}

func newKind(code int, kind, message string) *StatusError {
	return &StatusError{Code: code, Message: message, kind: kind}
}

// WithReason returns a copy of e carrying reason. Sentinels are never mutated.
func (e *StatusError) WithReason(reason string) *StatusError {
	c := *e
	c.Reason = reason
	return &c
}

// New returns a copy of e with a different message.
func (e *StatusError) New(message string) *StatusError {
	c := *e
	c.Message = message
	c.Reason = ""
	return &c
}

func (e *StatusError) Newf(format string, args ...interface{}) *StatusError {
	return e.New(fmt.Sprintf(format, args...))
}

// Code extracts the wire code of err, or CodeInternalServerError when err is
// not a StatusError.
func Code(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternalServerError
}

// Is and As forward to the standard library so callers need one errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// IsCode reports whether err is a StatusError with the given wire code.
func IsCode(err error, code int) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.Code == code
}

var (
	ErrInternal = NewStatusError(CodeInternalServerError, "internal server error")

	// Lookup errors
	ErrObjectNotFound = NewStatusError(CodeObjectNotFound, "Object not found.")
	ErrClassNotFound  = newKind(CodeInvalidClassName, "class-not-found", "class does not exist")

	// Schema errors
	ErrInvalidClassName       = NewStatusError(CodeInvalidClassName, "invalid class name")
	ErrDuplicateClass         = newKind(CodeInvalidClassName, "duplicate-class", "class already exists")
	ErrInvalidKeyName         = NewStatusError(CodeInvalidKeyName, "invalid key name")
	ErrIncorrectType          = NewStatusError(CodeIncorrectType, "incorrect type")
	ErrMissingRequiredField   = NewStatusError(CodeMissingRequiredField, "missing required field")
	ErrFieldCannotBeModified  = NewStatusError(CodeChangedImmutableField, "field cannot be modified")
	ErrInvalidSchemaOperation = NewStatusError(CodeInvalidSchemaOperation, "invalid schema operation")

	// Payload errors
	ErrInvalidJSON        = NewStatusError(CodeInvalidJSON, "invalid JSON")
	ErrInvalidQuery       = NewStatusError(CodeInvalidQuery, "invalid query")
	ErrInvalidNestedKey   = NewStatusError(CodeInvalidNestedKey, "Nested keys should not contain the '$' or '.' characters")
	ErrInvalidPointer     = NewStatusError(CodeInvalidPointer, "invalid pointer")
	ErrMissingObjectID    = NewStatusError(CodeMissingObjectID, "objectId is required")
	ErrCommandUnavailable = NewStatusError(CodeCommandUnavailable, "command unavailable")
	ErrDuplicateValue     = NewStatusError(CodeDuplicateValue, "A duplicate value for a field with unique values was provided")
	ErrOperationForbidden = NewStatusError(CodeOperationForbidden, "Permission denied")
)
