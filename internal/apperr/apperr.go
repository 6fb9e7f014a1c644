// Package apperr defines the error kinds shared by the ingestion engine, the
// table manager and the join builder, plus the structured Result returned to
// callers at the boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are compared, not messages.
type Kind string

const (
	UnsupportedFileType  Kind = "unsupported_file_type"
	NoTabularData        Kind = "no_tabular_data"
	UnknownTable         Kind = "unknown_table"
	UnknownColumn        Kind = "unknown_column"
	MissingJoin          Kind = "missing_join"
	InvalidJoinKind      Kind = "invalid_join_kind"
	NameConflict         Kind = "name_conflict"
	NotFound             Kind = "not_found"
	ConfirmationRequired Kind = "confirmation_required"
	ForbiddenStatement   Kind = "forbidden_statement"
	LockContention       Kind = "lock_contention"
	PartialRowFailure    Kind = "partial_row_failure"
	CatalogInconsistency Kind = "catalog_inconsistency"
	InvalidFormula       Kind = "invalid_formula"
	InvalidValue         Kind = "invalid_value"
	Internal             Kind = "internal"
)

// Error carries a Kind together with the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.E(apperr.NotFound))
// works through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// E returns a bare sentinel for kind, suitable for errors.Is comparisons.
func E(kind Kind) error { return &Error{Kind: kind} }

// New builds an *Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether err is a lock-contention failure.
func IsRetryable(err error) bool { return IsKind(err, LockContention) }
