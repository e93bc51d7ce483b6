// Package errs defines the error taxonomy shared by the sync engine.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInternal           Kind = "INTERNAL"
	KindValidation         Kind = "VALIDATION"
	KindNotFound           Kind = "NOT_FOUND"
	KindForbidden          Kind = "FORBIDDEN"
	KindConflict           Kind = "CONFLICT"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	// KindBestEffort marks failures that are logged and never returned.
	KindBestEffort Kind = "BEST_EFFORT"
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, msg string) error {
	return New(KindValidation, op, msg)
}

func NotFound(op, msg string) error {
	return New(KindNotFound, op, msg)
}

func Forbidden(op, msg string) error {
	return New(KindForbidden, op, msg)
}

func Unavailable(op string, err error) error {
	return Wrap(KindStorageUnavailable, op, err)
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

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a caller may retry an idempotent operation that
// failed with err.
func Retryable(err error) bool {
	return Is(err, KindStorageUnavailable)
}
