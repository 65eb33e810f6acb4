// Package errors provides structured error types for ntupler.
// All errors include a category, code, message, and retryable flag, plus the
// column and record/object position needed to diagnose a mismatch between
// the record source and the schema.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryEmit     ErrorCategory = "EMIT"
	ErrCategorySource   ErrorCategory = "SOURCE"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeDuplicateColumn  = "DUPLICATE_COLUMN"
	CodeInvalidTransform = "INVALID_TRANSFORM"
	CodeInvalidDefault   = "INVALID_DEFAULT"
	CodeUnknownColumn    = "UNKNOWN_COLUMN"
	CodeUnknownCatalog   = "UNKNOWN_CATALOG"

	// Emit codes
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodeMissingAttribute = "MISSING_ATTRIBUTE"
	CodeSinkUnavailable  = "SINK_UNAVAILABLE"
	CodeSinkFailed       = "SINK_FAILED"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeSessionNotOpen   = "SESSION_NOT_OPEN"

	// Source codes
	CodeDecodeFailed      = "DECODE_FAILED"
	CodeSourceUnavailable = "SOURCE_UNAVAILABLE"

	// Storage codes
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"
	CodeAlreadyPublished = "ALREADY_PUBLISHED"
	CodeObjectConflict   = "OBJECT_CONFLICT"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// NoIndex marks an unset RecordIndex or ObjectIndex.
const NoIndex = -1

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Column    string
	Record    int
	Object    int
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s:%s] %s", e.Category, e.Code, e.Message)

	var where []string
	if e.Column != "" {
		where = append(where, fmt.Sprintf("column=%q", e.Column))
	}
	if e.Record != NoIndex {
		where = append(where, fmt.Sprintf("record=%d", e.Record))
	}
	if e.Object != NoIndex {
		where = append(where, fmt.Sprintf("object=%d", e.Object))
	}
	if len(where) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(where, " "))
		sb.WriteString(")")
	}

	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Record:    NoIndex,
		Object:    NoIndex,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// At returns a copy of the error positioned at a column, record and object.
// Pass NoIndex for positions that do not apply.
func (e *Error) At(column string, record, object int) *Error {
	cp := *e
	cp.Column = column
	cp.Record = record
	cp.Object = object
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Position extracts the column, record index and object index from an error
// chain. ok is false if the error is not an *Error.
func Position(err error) (column string, record, object int, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Column, e.Record, e.Object, true
	}
	return "", NoIndex, NoIndex, false
}

// isRetryable determines if an error code is retryable. Only object storage
// transfers are; sink and emission failures never are.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching on category and code.
var (
	ErrDuplicateColumn  = New(ErrCategorySchema, CodeDuplicateColumn, "duplicate column")
	ErrInvalidTransform = New(ErrCategorySchema, CodeInvalidTransform, "invalid transform")
	ErrInvalidDefault   = New(ErrCategorySchema, CodeInvalidDefault, "invalid default")
	ErrUnknownColumn    = New(ErrCategorySchema, CodeUnknownColumn, "unknown column")
	ErrUnknownCatalog   = New(ErrCategorySchema, CodeUnknownCatalog, "unknown catalog")

	ErrTypeMismatch     = New(ErrCategoryEmit, CodeTypeMismatch, "type mismatch")
	ErrMissingAttribute = New(ErrCategoryEmit, CodeMissingAttribute, "missing attribute")
	ErrSinkUnavailable  = New(ErrCategoryEmit, CodeSinkUnavailable, "sink unavailable")
	ErrSinkFailed       = New(ErrCategoryEmit, CodeSinkFailed, "sink failed")
	ErrSessionClosed    = New(ErrCategoryEmit, CodeSessionClosed, "session closed")
	ErrSessionNotOpen   = New(ErrCategoryEmit, CodeSessionNotOpen, "session not open")

	ErrDecodeFailed      = New(ErrCategorySource, CodeDecodeFailed, "decode failed")
	ErrSourceUnavailable = New(ErrCategorySource, CodeSourceUnavailable, "source unavailable")

	ErrUploadFailed     = New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	ErrDownloadFailed   = New(ErrCategoryStorage, CodeDownloadFailed, "download failed")
	ErrObjectNotFound   = New(ErrCategoryStorage, CodeObjectNotFound, "object not found")
	ErrAlreadyPublished = New(ErrCategoryStorage, CodeAlreadyPublished, "already published")
	ErrObjectConflict   = New(ErrCategoryStorage, CodeObjectConflict, "object exists with different content")

	ErrInvalidConfig = New(ErrCategoryConfig, CodeInvalidConfig, "invalid config")
)

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewEmitError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryEmit, code, message, cause)
}

func NewSourceError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySource, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
