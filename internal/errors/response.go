package errors

import (
	"net/http"
	"strings"
)

// Standard for Error reponses on the HTTP side of Relay (status endpoint, upgrade refusals).
type ErrorResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error is required by the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// Get the StatusCode of the error.
func (e ErrorResponse) StatusCode() int {
	return e.Status
}

// InternalError creates a new error response representing an internal server error (HTTP 500)
func InternalError(msg string) ErrorResponse {
	if msg == "" {
		msg = "We encountered an error while processing your request."
	}
	return ErrorResponse{
		Status:  http.StatusInternalServerError,
		Message: msg,
	}
}

// ServiceUnavailable creates a new error response for refused upgrades during repair or shutdown (HTTP 503)
func ServiceUnavailable(msg string) ErrorResponse {
	if msg == "" {
		msg = "The gateway is not accepting connections right now."
	}
	return ErrorResponse{
		Status:  http.StatusServiceUnavailable,
		Message: msg,
	}
}

// Standard for Validation-error details.
type validationError struct {
	Param   string `json:"param"`   // Parameter or Field
	Message string `json:"message"` // Issue in Field
}

// Scans through a govalidator error and splits it into Param:Message pairs.
// Used when logging why a command payload was rejected with Syntax.
func ValidationDetails(err error) []validationError {
	if err == nil {
		return nil
	}
	resp := []validationError{}
	for _, line := range strings.Split(err.Error(), ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e := strings.SplitN(line, ":", 2)
		if len(e) < 2 {
			resp = append(resp, validationError{Message: line})
			continue
		}
		resp = append(resp, validationError{
			Param:   strings.TrimSpace(e[0]),
			Message: strings.TrimSpace(e[1]),
		})
	}
	return resp
}
