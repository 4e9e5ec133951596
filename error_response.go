package delta

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorResponse represents an HTTP error response from the Databricks API.
// It wraps the HTTP response and the error code and message of its body.
type ErrorResponse struct {
	// Response is the original HTTP response
	Response *http.Response

	// ErrorCode is the Databricks error code, e.g. "INVALID_PARAMETER_VALUE"
	ErrorCode string

	// Message is the error message from the response body
	Message string
}

// Error implements the error interface for ErrorResponse.
// It returns a formatted string with the message and status code.
func (e *ErrorResponse) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("%s (status code: %d)", e.Message, e.Response.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status code: %d)", e.ErrorCode, e.Message, e.Response.StatusCode)
}

// NewErrorResponse creates a new ErrorResponse from an HTTP response.
// It reads the response body and closes it. A body that is not a Databricks
// error document is kept verbatim as the message.
func NewErrorResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var apiErr struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) != nil || (apiErr.ErrorCode == "" && apiErr.Message == "") {
		return &ErrorResponse{Response: resp, Message: strings.TrimSpace(string(body))}
	}
	return &ErrorResponse{Response: resp, ErrorCode: apiErr.ErrorCode, Message: apiErr.Message}
}
