package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	apperrors "github.com/indexnow-engine/internal/errors"
	"github.com/indexnow-engine/internal/types"
	"github.com/indexnow-engine/internal/worker"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeAlreadyRunning     = "ALREADY_RUNNING"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps engine errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	if stderrors.Is(err, worker.ErrAlreadyRunning) {
		return http.StatusConflict, ErrCodeAlreadyRunning, err.Error()
	}

	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) {
		switch catErr.Category {
		case apperrors.CategorySystem, apperrors.CategoryDatabase:
			return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
		default:
			return catErr.StatusCode, catErr.Code, catErr.Message
		}
	}

	// Default to internal server error
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
