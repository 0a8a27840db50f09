package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies tool failures. Each kind is itself an error so it can
// be matched with errors.Is.
type ErrorKind string

const (
	ErrDuplicateToolName      ErrorKind = "DuplicateToolName"
	ErrUnknownTool            ErrorKind = "UnknownTool"
	ErrMalformedToolCall      ErrorKind = "MalformedToolCall"
	ErrSchemaValidationFailed ErrorKind = "SchemaValidationFailed"
	ErrHandlerError           ErrorKind = "HandlerError"
	ErrRemoteUnavailable      ErrorKind = "RemoteUnavailable"
	ErrTimeout                ErrorKind = "Timeout"
	ErrRemoteProtocolError    ErrorKind = "RemoteProtocolError"
	ErrAuthenticationFailed   ErrorKind = "AuthenticationFailed"
)

func (k ErrorKind) Error() string {
	return string(k)
}

// With returns a ToolError of this kind for the named tool
func (k ErrorKind) With(tool string, cause error) *ToolError {
	return &ToolError{Kind: k, Tool: tool, Err: cause, Retryable: k.retryable()}
}

// Withf returns a ToolError of this kind with a formatted message
func (k ErrorKind) Withf(tool, format string, a ...any) *ToolError {
	return k.With(tool, fmt.Errorf(format, a...))
}

func (k ErrorKind) retryable() bool {
	return k == ErrRemoteUnavailable || k == ErrTimeout
}

// ToolError is a classified failure
type ToolError struct {
	Kind      ErrorKind
	Tool      string
	Names     []string // every unresolved name, for UnknownTool
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch {
	case len(e.Names) > 0:
		fmt.Fprintf(&b, ": %s", strings.Join(quote(e.Names), ", "))
	case e.Tool != "":
		fmt.Fprintf(&b, ": %q", e.Tool)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches the error against its kind
func (e *ToolError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// Transient marks the error retryable regardless of its kind's default
func (e *ToolError) Transient() *ToolError {
	e.Retryable = true
	return e
}

// UnknownTools builds a single UnknownTool error naming every miss
func UnknownTools(names ...string) *ToolError {
	return &ToolError{Kind: ErrUnknownTool, Names: names}
}

// KindOf classifies an arbitrary error. Context deadline errors map to
// Timeout; anything unclassified is a HandlerError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrHandlerError
}

// IsRetryable reports whether err may succeed if attempted again
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return KindOf(err).retryable()
}

func quote(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = fmt.Sprintf("%q", n)
	}
	return out
}
