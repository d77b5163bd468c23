package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the envelope returned for every failed request.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    any    `json:"message"`
	Details    any    `json:"details,omitempty"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
	RequestID  string `json:"request_id,omitempty"`
}

// respondError writes the error envelope and aborts the request.
func respondError(c *gin.Context, status int, message any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       c.Request.URL.Path,
		RequestID:  c.GetString(requestIDKey),
	})
}

// respondErrorDetails is respondError with a structured details payload.
func respondErrorDetails(c *gin.Context, status int, message, details any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
		Details:    details,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       c.Request.URL.Path,
		RequestID:  c.GetString(requestIDKey),
	})
}
