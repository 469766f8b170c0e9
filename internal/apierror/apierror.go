package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Machine-readable error codes surfaced to API clients.
const (
	CodeAuthenticationFailed    = "authentication_failed"
	CodeInsufficientPermissions = "insufficient_permissions"
	CodeNotFound                = "not_found"
	CodeValidation              = "validation_error"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodePayloadTooLarge         = "payload_too_large"
	CodeInvalidEventType        = "invalid_event_type"
	CodeInvalidProjectReference = "invalid_project_reference"
	CodeMissingField            = "missing_field"
	CodeInvalidSeverity         = "invalid_severity"
	CodeInternal                = "internal_error"
)

// Error is the JSON error envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Coded is an error carrying a client-facing code, so service layers can
// classify a failure and handlers can map it onto the taxonomy instead of
// collapsing everything into internal_error.
type Coded struct {
	Code    string
	Message string
}

func (e *Coded) Error() string { return e.Code + ": " + e.Message }

// New builds a Coded error.
func New(code, message string) error {
	return &Coded{Code: code, Message: message}
}

// Write sends a JSON error response.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]Error{"error": {Code: code, Message: message}})
}

// WriteRateLimited sends a 429 with a Retry-After hint in seconds.
func WriteRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(w, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded, retry later")
}
