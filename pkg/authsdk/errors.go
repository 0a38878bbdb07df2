package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotReady is returned by GetReadiness when the service answers 503.
var ErrNotReady = errors.New("authsdk: service not ready")

// Error codes used in the {"error", "error_description"} envelope.
const (
	ErrorCodeRateLimited = "rate_limit_exceeded"
	ErrorCodeServerError = "server_error"
)

// APIError is a non-success response from the service.
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// parseErrorResponse turns an error body into an *APIError, falling back to
// the status text when the body is not the usual envelope.
func parseErrorResponse(resp *http.Response, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" {
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}

	return &APIError{
		StatusCode:  resp.StatusCode,
		Code:        ErrorCodeServerError,
		Description: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}
