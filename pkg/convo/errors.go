package convo

import "fmt"

// Error is the canonical error shape crossing package boundaries. Handlers
// and the live protocol map Type to a transport-level status.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// RetryAfter is set on rate limit errors, in seconds.
	RetryAfter *int `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrInvalidState   ErrorType = "invalid_state_error"
	ErrGeneration     ErrorType = "generation_error"
	ErrStorage        ErrorType = "storage_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewInvalidStateError creates an invalid state error. The message is kept
// generic on the wire so internal state is not leaked to the client.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewGenerationError wraps an exhausted or malformed generative call.
func NewGenerationError(message string) *Error {
	return &Error{Type: ErrGeneration, Message: message, Code: "assistant_unavailable"}
}

// NewStorageError wraps a failed synthesis or blob upload.
func NewStorageError(message string) *Error {
	return &Error{Type: ErrStorage, Message: message, Code: "assistant_unavailable"}
}
