package kernelerr

import (
	"errors"
	"fmt"
)

// Error is the structured error carrier used throughout the kernel. It pairs
// a stable Code with a human-readable Message and optional structured
// Fields, and preserves a causal chain via Cause so errors.Is/As keep
// working across wrapped failures — the same discipline
// runtime/agent/toolerrors applied to tool invocation failures, generalized
// to the kernel's own taxonomy.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]any
	Cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that carries cause as its underlying error. If
// message is empty and cause is non-nil, the cause's message is used.
func Wrap(code Code, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithField returns a copy of e with the given field set. Fields carry
// structured context (e.g. "schema", "height", "intent_hash") that journal
// encoders and callers can inspect without parsing Message.
func (e *Error) WithField(key string, value any) *Error {
	clone := *e
	clone.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}
	clone.Fields[key] = value
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// GetCode returns the Code of err if it is (or wraps) a *Error, and false
// otherwise. Journal encoders use this to tag failure records without
// string matching.
func GetCode(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code, walking the error chain.
func Is(err error, code Code) bool {
	c, ok := GetCode(err)
	return ok && c == code
}
