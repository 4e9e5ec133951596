package delta

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("delta: configuration error")
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("delta: protocol error")
	// ErrFieldDecode matches every *FieldDecodeError.
	ErrFieldDecode = errors.New("delta: field decode error")
	// ErrPollAttemptsExceeded is returned when MaxPollAttempts is set and the
	// statement is still pending after that many polls.
	ErrPollAttemptsExceeded = errors.New("delta: statement still pending after max poll attempts")
)

// ConfigurationError reports identifiers or credentials that are missing
// before any request is sent.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "delta: missing " + strings.Join(e.Missing, ", ")
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ProtocolError reports a response that cannot be materialized: an empty or
// malformed body, a missing manifest, schema or result, or a missing external
// link. It always aborts the whole operation.
type ProtocolError struct {
	StatementId string
	Message     string
	Err         error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("delta: ")
	b.WriteString(e.Message)
	if e.StatementId != "" {
		b.WriteString(" (statement ")
		b.WriteString(e.StatementId)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(statementId string, format string, args ...any) *ProtocolError {
	return &ProtocolError{StatementId: statementId, Message: fmt.Sprintf(format, args...)}
}

// StatementError is the error carried by a statement that ended FAILED,
// CANCELED or CLOSED. Message holds the server's message verbatim.
type StatementError struct {
	// ErrorCode is the Databricks error code, e.g. "BAD_REQUEST"
	ErrorCode string `json:"error_code"`

	// Message is the human-readable error message
	Message string `json:"message"`
}

// String returns "ErrorCode: Message", or just the message when no code is set.
func (e *StatementError) String() string {
	if e == nil {
		return "nil StatementError"
	}
	if e.ErrorCode == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// Error implements the error interface for StatementError.
func (e *StatementError) Error() string {
	return e.String()
}

// FieldDecodeError describes a single field that could not be decoded
// against its column type. During materialization these are logged and the
// field is replaced by nil; they never abort a row.
type FieldDecodeError struct {
	Column string
	Type   string
	Raw    string
	Err    error
}

func (e *FieldDecodeError) Error() string {
	raw := abbreviate(e.Raw)
	if e.Column == "" {
		return fmt.Sprintf("delta: cannot decode %q as %s: %v", raw, e.Type, e.Err)
	}
	return fmt.Sprintf("delta: column %s: cannot decode %q as %s: %v", e.Column, raw, e.Type, e.Err)
}

func (e *FieldDecodeError) Unwrap() error { return e.Err }

func (e *FieldDecodeError) Is(target error) bool {
	return target == ErrFieldDecode
}
