// Package apperr defines the error taxonomy shared by the graph client,
// query builder, mappers, services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind tags an error with the class of failure it represents.
type Kind string

const (
	KindConnection    Kind = "connection_error"
	KindQuery         Kind = "query_error"
	KindMapping       Kind = "mapping_error"
	KindInvalidFilter Kind = "invalid_filter"
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal_error"
)

// Sentinels usable with errors.Is; any *Error of the same kind matches.
var (
	ErrConnection    = &Error{Kind: KindConnection}
	ErrQuery         = &Error{Kind: KindQuery}
	ErrMapping       = &Error{Kind: KindMapping}
	ErrInvalidFilter = &Error{Kind: KindInvalidFilter}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

// Error is a tagged application error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Connection reports an unreachable store or broker, or an elapsed timeout.
func Connection(msg string, err error) error {
	return &Error{Kind: KindConnection, Message: msg, Err: err}
}

// Query reports a statement rejected by the backend.
func Query(msg string, err error) error {
	return &Error{Kind: KindQuery, Message: msg, Err: err}
}

// Mapping reports a graph record that cannot become a domain entity.
func Mapping(format string, args ...any) error {
	return &Error{Kind: KindMapping, Message: fmt.Sprintf(format, args...)}
}

// InvalidFilter reports a search request the query builder refuses.
func InvalidFilter(format string, args ...any) error {
	return &Error{Kind: KindInvalidFilter, Message: fmt.Sprintf(format, args...)}
}

// Validation reports caller input that violates an entity invariant.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced entity that does not exist.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
