package faults

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/sony/gobreaker"
)

// Kind classifies a failure so workers can pick a retry discipline without
// inspecting error strings.
type Kind string

const (
	// KindTransientTransport covers unreachable stores and bus brokers.
	KindTransientTransport Kind = "transient_transport"
	// KindContention covers CAS misses and held locks; the next tick retries
	// naturally, nothing backs off.
	KindContention    Kind = "transient_contention"
	KindSerialization Kind = "serialization"
	KindValidation    Kind = "validation"
	KindTimeout       Kind = "timeout"
	KindCircuitOpen   Kind = "circuit_open"
	KindFatal         Kind = "fatal"
)

// Error carries a classification alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Classify maps an arbitrary error to a Kind. Unknown errors are treated as
// transient transport so they stay on the retry path instead of being
// silently terminal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindCircuitOpen
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientTransport
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindSerialization
	}

	return KindTransientTransport
}

// Retryable reports whether a failure of the given kind should ever be
// retried by the engine. Contention is "retryable" only in the sense that
// the next tick picks the item up again.
func Retryable(kind Kind) bool {
	switch kind {
	case KindSerialization, KindValidation, KindFatal:
		return false
	}
	return true
}
