// Package errs provides a structured error envelope for the terminal core
// and its service adapters.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeTransient indicates a fetch or stream-open failure that may succeed later.
	CodeTransient Code = "transient"
	// CodeClosed indicates use of a component after it was disposed.
	CodeClosed Code = "closed"
	// CodeUnsupported indicates the adapter lacks the requested capability.
	CodeUnsupported Code = "unsupported"
	// CodeUnavailable indicates the upstream service is not configured or reachable.
	CodeUnavailable Code = "unavailable"
)

// E is the error envelope. Op names the failing operation, e.g.
// "broker.cancel_order".
type E struct {
	Op      string
	Code    Code
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField records a key/value detail such as an order or account id.
func WithField(key, value string) Option {
	key = strings.TrimSpace(key)
	return func(e *E) {
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[key] = value
	}
}

// Error implements the error interface.
func (e *E) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 5)
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Code != "" {
		parts = append(parts, "code="+string(e.Code))
	}
	if e.Message != "" {
		parts = append(parts, "msg="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, 0, len(keys))
		for _, k := range keys {
			kv = append(kv, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(kv, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// IsCode reports whether any envelope in err's chain carries code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
