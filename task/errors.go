package task

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind classifies an error so callers can branch on it without string
// matching. State-precondition conflicts are not errors; see engine.Result.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindIntegrity     Kind = "integrity"
	KindInternal      Kind = "internal"
)

// Error is the error type returned by the store and the engine.
type Error struct {
	Kind   Kind
	Field  string // offending field for validation errors
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// NotFound reports an unknown id for the named entity.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf("%s %s not found", entity, id)}
}

// Validation reports a malformed or disallowed input field.
func Validation(field, detail string) error {
	return &Error{Kind: KindValidation, Field: field, Detail: detail}
}

// Validationf is Validation with a format string.
func Validationf(field, format string, args ...any) error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// Unauthorized reports an ownership or scope mismatch.
func Unauthorized(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Detail: fmt.Sprintf(format, args...)}
}

// Integrity reports a uniqueness or referential violation.
func Integrity(detail string, err error) error {
	return &Error{Kind: KindIntegrity, Detail: detail, Err: err}
}

// Internal wraps an unexpected persistence failure.
func Internal(detail string, err error) error {
	return &Error{Kind: KindInternal, Detail: detail, Err: err}
}

// KindOf returns the kind of err, KindInternal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }
func IsIntegrity(err error) bool     { return KindOf(err) == KindIntegrity }

// storeErr maps driver errors: unique and foreign key violations become
// Integrity errors, anything else Internal.
func storeErr(detail string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return Integrity(detail+": duplicate value", err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return Integrity(detail+": referenced record does not exist", err)
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return Integrity(detail+": state invariant violated", err)
		}
	}
	return Internal(detail, err)
}
