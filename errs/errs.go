// Package errs provides structured error envelopes shared across hyperfeed.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category in the streaming pipeline.
type Code string

const (
	// CodeTransport indicates a connection-level transport failure.
	CodeTransport Code = "transport"
	// CodeParse indicates a single malformed or unparsable message.
	CodeParse Code = "parse"
	// CodeSubscription indicates a per-subscription failure reported by the venue.
	CodeSubscription Code = "subscription"
	// CodeProtocol indicates an unexpected or malformed control message.
	CodeProtocol Code = "protocol"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTimeout indicates a deadline or liveness window expired.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the component is shut down or not ready.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the hyperfeed stack.
type E struct {
	Scope   string
	Code    Code
	Venue   string
	Channel string
	Symbol  string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Venue:   "",
		Channel: "",
		Symbol:  "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
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

// WithVenue records the venue the error originated from.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithSubscription records the (channel, symbol) pair the error relates to.
func WithSubscription(channel, symbol string) Option {
	return func(e *E) {
		e.Channel = strings.TrimSpace(channel)
		e.Symbol = strings.TrimSpace(symbol)
	}
}

// WithRawMessage captures the raw venue payload that triggered the error.
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

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.Channel != "" {
		parts = append(parts, "channel="+e.Channel)
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, or empty when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsTransient reports whether err should be absorbed by the reconnect cycle
// rather than surfaced as fatal to a caller.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTransport, CodeProtocol, CodeTimeout:
		return true
	default:
		return false
	}
}
