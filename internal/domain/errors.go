package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the streaming core.
var (
	ErrProviderError     = fmt.Errorf("provider error")
	ErrDecode            = fmt.Errorf("malformed stream event")
	ErrFraming           = fmt.Errorf("malformed stream framing")
	ErrPersistence       = fmt.Errorf("persistence failed")
	ErrCancelled         = fmt.Errorf("cancelled")
	ErrConversationBusy  = fmt.Errorf("conversation has an active stream")
	ErrUnrecognizedEvent = fmt.Errorf("unrecognized stream event")
	ErrStreamTruncated   = fmt.Errorf("stream ended before completion")
	ErrIdleTimeout       = fmt.Errorf("stream idle timeout")
	ErrRequestTimeout    = fmt.Errorf("request timed out")
	ErrInvalidInput      = fmt.Errorf("invalid input")
)

// Sentinel errors for lookups and configuration.
var (
	ErrProviderNotFound     = fmt.Errorf("llm provider not found")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrMessageTerminal      = fmt.Errorf("message is in a terminal state")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")
)

// Provider classification sentinels, wrapped by ProviderError.
var (
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrServerError     = fmt.Errorf("provider server error")
)

// ProviderError is a non-2xx HTTP response or a provider-reported error
// payload. Body is kept verbatim for display.
type ProviderError struct {
	Provider   string
	StatusCode int    // 0 for errors reported inside the stream
	Type       string // provider error type, when reported
	Message    string
	Body       string
	Err        error // classifying sentinel
}

func (e *ProviderError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, detail)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Type, detail)
	}
	return fmt.Sprintf("%s: %s", e.Provider, detail)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil || e.Err == ErrProviderError {
		return []error{ErrProviderError}
	}
	return []error{ErrProviderError, e.Err}
}

// DecodeError reports an event whose payload could not be parsed.
type DecodeError struct {
	Event string
	Data  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("decode %q event: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// FramingError reports a byte stream with no recoverable event separator.
type FramingError struct {
	Buffered int
	Limit    int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s: %d bytes buffered without separator (limit %d)", ErrFraming, e.Buffered, e.Limit)
}

func (e *FramingError) Unwrap() error { return ErrFraming }

// PersistenceError reports a failed store write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// NewPersistenceError wraps err for op, returning nil for a nil err.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for display and logging.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeProviderError        ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeContextOverflow      ErrorCode = "CONTEXT_OVERFLOW"
	CodeServerError          ErrorCode = "SERVER_ERROR"
	CodeDecode               ErrorCode = "DECODE"
	CodeFraming              ErrorCode = "FRAMING"
	CodePersistence          ErrorCode = "PERSISTENCE"
	CodeCancelled            ErrorCode = "CANCELLED"
	CodeConversationBusy     ErrorCode = "CONVERSATION_BUSY"
	CodeUnrecognizedEvent    ErrorCode = "UNRECOGNIZED_EVENT"
	CodeStreamTruncated      ErrorCode = "STREAM_TRUNCATED"
	CodeIdleTimeout          ErrorCode = "IDLE_TIMEOUT"
	CodeRequestTimeout       ErrorCode = "REQUEST_TIMEOUT"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"
	CodeMessageTerminal      ErrorCode = "MESSAGE_TERMINAL"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeDecryption           ErrorCode = "DECRYPTION"
)

// codeOrder lists sentinels from most to least specific. A ProviderError
// matches both ErrProviderError and its classifier, so classifiers come first.
var codeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrServerError, CodeServerError},
	{ErrProviderError, CodeProviderError},
	{ErrFraming, CodeFraming},
	{ErrDecode, CodeDecode},
	{ErrConversationNotFound, CodeConversationNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrMessageTerminal, CodeMessageTerminal},
	{ErrPersistence, CodePersistence},
	{ErrCancelled, CodeCancelled},
	{ErrConversationBusy, CodeConversationBusy},
	{ErrUnrecognizedEvent, CodeUnrecognizedEvent},
	{ErrStreamTruncated, CodeStreamTruncated},
	{ErrIdleTimeout, CodeIdleTimeout},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, c := range codeOrder {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
