package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrClosed      = errors.New("closed")
)

// ErrorKind classifies failures that cross the core boundary.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindConnection          ErrorKind = "connection_error"
	KindRejection           ErrorKind = "rejection_error"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindInternal            ErrorKind = "internal_error"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConnection          = &Error{Kind: KindConnection}
	ErrRejected            = &Error{Kind: KindRejection}
	ErrIdempotencyConflict = &Error{Kind: KindIdempotencyConflict}
)

// Error is the only error shape the HTTP layer sees from the core.
type Error struct {
	Kind        ErrorKind
	Message     string
	ClientToken string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrRejected)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ValidationError reports malformed caller input.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ConnectionError reports a transient brokerage-link failure.
func ConnectionError(msg string, cause error) error {
	return &Error{Kind: KindConnection, Message: msg, Err: cause}
}

// RejectionError reports an explicit refusal by the broker. reason is kept
// verbatim.
func RejectionError(reason string) error {
	return &Error{Kind: KindRejection, Message: reason}
}

// IdempotencyConflictError reports a replayed token carrying a different
// payload.
func IdempotencyConflictError(token string) error {
	return &Error{
		Kind:        KindIdempotencyConflict,
		Message:     "client token already used with a different order payload",
		ClientToken: token,
	}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// WithToken returns err annotated with the order's client token when err is
// an *Error without one.
func WithToken(err error, token string) error {
	var e *Error
	if !errors.As(err, &e) || e.ClientToken != "" {
		return err
	}
	cp := *e
	cp.ClientToken = token
	return &cp
}
