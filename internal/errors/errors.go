package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError is the JSON error body returned by the admin API.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details) use pre-serialized bytes.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &APIError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &APIError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrBadRequest = &APIError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrTooManyRequests = &APIError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrServiceUnavailable = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrInternalServer = &APIError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

var preSerialized map[*APIError][]byte

func init() {
	bases := []*APIError{
		ErrNotFound, ErrMethodNotAllowed, ErrBadRequest,
		ErrTooManyRequests, ErrServiceUnavailable, ErrInternalServer,
	}
	preSerialized = make(map[*APIError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new APIError
func New(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// IsAPIError checks if an error is an APIError
func IsAPIError(err error) (*APIError, bool) {
	if ae, ok := err.(*APIError); ok {
		return ae, true
	}
	return nil, false
}
