package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidRequest     = fmt.Errorf("invalid request")
	ErrMissingUserMessage = fmt.Errorf("missing user message in `messages`")
	ErrBodyTooLarge       = fmt.Errorf("request body too large")
	ErrUnauthorized       = fmt.Errorf("unauthorized")
	ErrRunFailed          = fmt.Errorf("agent run failed")
	ErrCircuitOpen        = fmt.Errorf("upstream circuit open")
	ErrRunNotFound        = fmt.Errorf("run not found")
	ErrBusClosed          = fmt.Errorf("event bus closed")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrEncryption         = fmt.Errorf("encryption operation failed")

	// Upstream model errors, classified from HTTP status.
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrUpstream     = fmt.Errorf("upstream error")
	ErrContextLimit = fmt.Errorf("context window exceeded")

	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrUnauthorized)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Run")
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

// ErrorType is the OpenAI-style error category placed in the error envelope.
type ErrorType string

const (
	TypeInvalidRequest ErrorType = "invalid_request_error"
	TypeUnauthorized   ErrorType = "unauthorized"
	TypeNotFound       ErrorType = "not_found_error"
	TypeAPIError       ErrorType = "api_error"
)

var errorTypeMap = []struct {
	err error
	typ ErrorType
}{
	{ErrUnauthorized, TypeUnauthorized},
	{ErrInvalidRequest, TypeInvalidRequest},
	{ErrMissingUserMessage, TypeInvalidRequest},
	{ErrBodyTooLarge, TypeInvalidRequest},
	{ErrRunNotFound, TypeNotFound},
}

// ErrorTypeOf maps err to its envelope type. Unclassified errors are api_error.
func ErrorTypeOf(err error) ErrorType {
	for _, m := range errorTypeMap {
		if errors.Is(err, m.err) {
			return m.typ
		}
	}
	return TypeAPIError
}
