package httpcall

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRebound is the terminal sentinel for the "rebound" error policy: the
// failure is transient and the caller decides whether to replay the whole
// invocation. It is distinct from the engine's own retry loop.
var ErrRebound = errors.New("rebound")

// EngineError represents different types of request execution errors
type EngineError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of engine error
type ErrorType string

const (
	ConfigError     ErrorType = "config"
	CredentialError ErrorType = "credential"
	TransportError  ErrorType = "transport"
	HTTPStatusError ErrorType = "http_status"
	DecodeError     ErrorType = "decode"
	RetryExhausted  ErrorType = "retry_exhausted"
)

// configError represents invalid configuration detected before any I/O
type configError struct {
	message string
	field   string
}

func (e *configError) Error() string {
	if e.field != "" {
		return fmt.Sprintf("configuration error: %s (field: %s)", e.message, e.field)
	}
	return fmt.Sprintf("configuration error: %s", e.message)
}

func (e *configError) Type() ErrorType {
	return ConfigError
}

// credentialError represents missing or incomplete credentials
type credentialError struct {
	message string
	wrapped error
}

func (e *credentialError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("credential error: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("credential error: %s", e.message)
}

func (e *credentialError) Type() ErrorType {
	return CredentialError
}

func (e *credentialError) Unwrap() error {
	return e.wrapped
}

// transportError represents connection, DNS and timeout failures
type transportError struct {
	message string
	code    string
	wrapped error
}

func (e *transportError) Error() string {
	return e.message
}

func (e *transportError) Type() ErrorType {
	return TransportError
}

func (e *transportError) Code() string {
	return e.code
}

func (e *transportError) Unwrap() error {
	return e.wrapped
}

// httpStatusError represents a non-2xx response classified as a failure
type httpStatusError struct {
	message    string
	statusCode int
	body       []byte
}

func (e *httpStatusError) Error() string {
	return e.message
}

func (e *httpStatusError) Type() ErrorType {
	return HTTPStatusError
}

func (e *httpStatusError) StatusCode() int {
	return e.statusCode
}

func (e *httpStatusError) Body() []byte {
	return e.body
}

// decodeError represents a malformed payload when the content type promised a format
type decodeError struct {
	message string
	wrapped error
}

func (e *decodeError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("decode error: %s: %v", e.message, e.wrapped)
	}
	return fmt.Sprintf("decode error: %s", e.message)
}

func (e *decodeError) Type() ErrorType {
	return DecodeError
}

func (e *decodeError) Unwrap() error {
	return e.wrapped
}

// retryExhaustedError carries the last observed failure once the retry budget is spent
type retryExhaustedError struct {
	message string
	last    error
}

func (e *retryExhaustedError) Error() string {
	return e.message
}

func (e *retryExhaustedError) Type() ErrorType {
	return RetryExhausted
}

func (e *retryExhaustedError) Unwrap() error {
	return e.last
}

// NewConfigError creates a new configuration error
func NewConfigError(message, field string) EngineError {
	return &configError{message: message, field: field}
}

// NewCredentialError creates a new credential error
func NewCredentialError(message string, wrapped error) EngineError {
	return &credentialError{message: message, wrapped: wrapped}
}

// NewTransportError creates a new transport error with a pre-formatted message
func NewTransportError(message, code string, wrapped error) EngineError {
	return &transportError{message: message, code: code, wrapped: wrapped}
}

// NewHTTPStatusError creates a new HTTP status error with a pre-formatted message
func NewHTTPStatusError(message string, statusCode int, body []byte) EngineError {
	return &httpStatusError{message: message, statusCode: statusCode, body: body}
}

// NewDecodeError creates a new decode error
func NewDecodeError(message string, wrapped error) EngineError {
	return &decodeError{message: message, wrapped: wrapped}
}

// NewRetryExhaustedError creates a new retry-exhausted error wrapping the
// last observed failure
func NewRetryExhaustedError(last error) EngineError {
	return &retryExhaustedError{message: last.Error(), last: last}
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var engineErr EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Type() == errorType
	}
	return false
}

// StatusCodeOf returns the status code of an HTTP status error, or 0.
func StatusCodeOf(err error) int {
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// TransportCodeOf returns the transport error code (ECONNABORTED, ENOTFOUND,
// EAI_AGAIN, ...) of a transport failure, or "".
func TransportCodeOf(err error) string {
	var transportErr *transportError
	if errors.As(err, &transportErr) {
		return transportErr.Code()
	}
	return ""
}

// formatResponseError renders an HTTP failure the way it is surfaced to users:
// Got error "<statusText-or-unknown>", status - "<code-or-unknown>", body: <JSON-or-"no body found">
func formatResponseError(statusCode int, statusText string, body []byte) string {
	text := "unknown"
	if statusText != "" {
		text = statusText
	}
	code := "unknown"
	if statusCode > 0 {
		code = fmt.Sprintf("%d", statusCode)
	}
	bodyText := "no body found"
	if len(body) > 0 {
		if encoded, err := json.Marshal(json.RawMessage(body)); err == nil && json.Valid(body) {
			bodyText = string(encoded)
		} else if encoded, err := json.Marshal(string(body)); err == nil {
			bodyText = string(encoded)
		}
	}
	return fmt.Sprintf("Got error %q, status - %q, body: %s", text, code, bodyText)
}

// formatTransportFailure renders a non-HTTP failure:
// Got error "<message>" optionally suffixed with the transport error code.
func formatTransportFailure(message, code string) string {
	if code != "" {
		return fmt.Sprintf("Got error %q (code - %s)", message, code)
	}
	return fmt.Sprintf("Got error %q", message)
}
