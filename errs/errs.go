// Package errs provides structured error types and helpers for the session stack.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category.
type Code string

const (
	// CodeFraming indicates a malformed or oversize frame on the wire.
	CodeFraming Code = "framing"
	// CodeTransport indicates a socket level I/O failure.
	CodeTransport Code = "transport"
	// CodeTimeout indicates that no response arrived before the request deadline.
	CodeTimeout Code = "timeout"
	// CodeConnectionLost indicates that the connection dropped while the request was outstanding.
	CodeConnectionLost Code = "connection_lost"
	// CodeAuth indicates credential rejection after the retry budget was exhausted.
	CodeAuth Code = "auth"
	// CodeProtocol indicates the broker answered with an explicit error response.
	CodeProtocol Code = "protocol"
	// CodeNotConnected indicates the session was not ready and queuing was disabled.
	CodeNotConnected Code = "not_connected"
	// CodeQueueFull indicates the bounded wait queue for readiness is saturated.
	CodeQueueFull Code = "queue_full"
	// CodeClosed indicates the session has been shut down.
	CodeClosed Code = "closed"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
)

// Sentinels usable with errors.Is; matching is by Code only.
var (
	ErrFraming        = &E{Code: CodeFraming}
	ErrTransport      = &E{Code: CodeTransport}
	ErrTimeout        = &E{Code: CodeTimeout}
	ErrConnectionLost = &E{Code: CodeConnectionLost}
	ErrAuth           = &E{Code: CodeAuth}
	ErrProtocol       = &E{Code: CodeProtocol}
	ErrNotConnected   = &E{Code: CodeNotConnected}
	ErrQueueFull      = &E{Code: CodeQueueFull}
	ErrClosed         = &E{Code: CodeClosed}
	ErrInvalid        = &E{Code: CodeInvalid}
)

// E captures structured error information produced across the session stack.
type E struct {
	Component string
	Code      Code
	RawCode   string
	RawMsg    string
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error description.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "session"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*E)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code of the first envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSessionFailure reports whether err means the whole session is unavailable,
// as opposed to a failure scoped to one request.
func IsSessionFailure(err error) bool {
	switch CodeOf(err) {
	case CodeConnectionLost, CodeNotConnected, CodeQueueFull, CodeClosed, CodeAuth, CodeTransport, CodeFraming:
		return true
	default:
		return false
	}
}
