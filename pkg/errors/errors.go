// Package errors defines the stable error taxonomy surfaced at the
// devbench server's tool boundary. Every error a caller can observe is
// normalized to one of a fixed set of Kinds plus a one-line message; causes
// are wrapped for logging but never echoed to the caller.
package errors

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// Kind is the machine-stable error code returned alongside a human message.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindImagePolicy        Kind = "image_policy"
	KindPathViolation      Kind = "path_violation"
	KindETagConflict       Kind = "etag_conflict"
	KindConcurrencyLimit   Kind = "concurrency_limit"
	KindTimeout            Kind = "timeout"
	KindCancelled          Kind = "cancelled"
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	KindRuntimeError       Kind = "runtime_error"
	KindInternal           Kind = "internal"
)

// Error carries a stable Kind plus a human-readable message. The
// underlying cause is kept for logging (via Unwrap) but its text is never
// part of Error() — callers only ever see Message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that carries cause for logging, independent of the
// message shown to the caller.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FromRuntime classifies an error returned by the containerd client into a
// taxonomy Kind, per the adapter boundary contract: not found/already
// exists/unavailable map to their matching Kind, everything else is an
// opaque runtime_error.
func FromRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return Wrap(KindNotFound, fmt.Sprintf("%s: not found", op), err)
	case cerrdefs.IsAlreadyExists(err):
		return Wrap(KindAlreadyExists, fmt.Sprintf("%s: already exists", op), err)
	case cerrdefs.IsUnavailable(err):
		return Wrap(KindRuntimeUnavailable, fmt.Sprintf("%s: runtime unavailable", op), err)
	default:
		return Wrap(KindRuntimeError, fmt.Sprintf("%s: runtime error", op), err)
	}
}
