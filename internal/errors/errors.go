package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/indexnow-engine/internal/types"
)

// QuotaExhaustedMarker is the substring every quota-exhaustion message carries.
// The quota reset monitor matches it to find jobs it may resume.
const QuotaExhaustedMarker = "quota exhausted"

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryContention represents a lock that was not acquired (expected, skipped)
	CategoryContention ErrorCategory = "contention"
	// CategoryItem represents a single URL submission or keyword check failure
	CategoryItem ErrorCategory = "item"
	// CategoryQuota represents quota exhaustion
	CategoryQuota ErrorCategory = "quota"
	// CategoryOwnerGroup represents a failure while processing one owner's rank-check group
	CategoryOwnerGroup ErrorCategory = "owner_group"
	// CategoryFatal represents a job-level failure
	CategoryFatal ErrorCategory = "fatal"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryProvider represents external API errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategorySystem represents other internal errors
	CategorySystem ErrorCategory = "system"
)

// Sentinel errors
var (
	ErrNoCredential    = stderrors.New("no available credential: " + QuotaExhaustedMarker)
	ErrJobNotFound     = stderrors.New("job not found")
	ErrLockNotAcquired = stderrors.New("lock not acquired")
	ErrLockLost        = stderrors.New("job lock lost")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewQuotaExhaustedError creates a quota exhaustion error for a credential scope
func NewQuotaExhaustedError(scope string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQuota,
		StatusCode: http.StatusTooManyRequests,
		Code:       "QUOTA_EXHAUSTED",
		Message:    fmt.Sprintf("%s for %s", QuotaExhaustedMarker, scope),
		Cause:      ErrNoCredential,
		Details: map[string]interface{}{
			"scope": scope,
		},
	}
}

// NewItemError creates an item-level failure
func NewItemError(item string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryItem,
		StatusCode: http.StatusBadGateway,
		Code:       "ITEM_FAILED",
		Message:    fmt.Sprintf("item %s failed", item),
		Cause:      cause,
		Details: map[string]interface{}{
			"item": item,
		},
	}
}

// NewOwnerGroupError creates an owner-group failure
func NewOwnerGroupError(ownerID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryOwnerGroup,
		StatusCode: http.StatusInternalServerError,
		Code:       "OWNER_GROUP_FAILED",
		Message:    fmt.Sprintf("processing owner %s failed", ownerID),
		Cause:      cause,
		Details: map[string]interface{}{
			"ownerId": ownerID,
		},
	}
}

// NewFatalJobError creates a job-level failure
func NewFatalJobError(jobID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFatal,
		StatusCode: http.StatusInternalServerError,
		Code:       "JOB_FAILED",
		Message:    fmt.Sprintf("job %s failed", jobID),
		Cause:      cause,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewPanicError wraps a recovered panic value
func NewPanicError(where string, recovered interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "PANIC",
		Message:    fmt.Sprintf("panic in %s: %v", where, recovered),
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError creates an external API error
func NewProviderError(provider string, statusCode int, body string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: statusCode,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("%s returned %d: %s", provider, statusCode, body),
		Details: map[string]interface{}{
			"provider": provider,
			"status":   statusCode,
		},
	}
}

// NewProviderUnreachableError wraps a transport failure (timeout, refused connection)
func NewProviderUnreachableError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_UNREACHABLE",
		Message:    fmt.Sprintf("%s request failed", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderQuotaError creates an external API quota rejection
func NewProviderQuotaError(provider string, body string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQuota,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_QUOTA",
		Message:    fmt.Sprintf("%s: %s: %s", provider, QuotaExhaustedMarker, body),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	switch {
	case stderrors.Is(err, ErrNoCredential):
		return &CategorizedError{Category: CategoryQuota, StatusCode: http.StatusTooManyRequests, Code: "QUOTA_EXHAUSTED", Message: err.Error()}
	case stderrors.Is(err, ErrJobNotFound):
		return &CategorizedError{Category: CategoryNotFound, StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case stderrors.Is(err, ErrLockNotAcquired), stderrors.Is(err, ErrLockLost):
		return &CategorizedError{Category: CategoryContention, StatusCode: http.StatusConflict, Code: "LOCK_CONTENTION", Message: err.Error()}
	}

	return NewInternalError("unexpected error", err)
}

// IsQuotaExhausted reports whether err signals quota exhaustion
func IsQuotaExhausted(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrNoCredential) {
		return true
	}
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) && catErr.Category == CategoryQuota {
		return true
	}
	return IsQuotaExhaustedMessage(err.Error())
}

// IsQuotaExhaustedMessage reports whether a persisted error message marks quota exhaustion
func IsQuotaExhaustedMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), QuotaExhaustedMarker)
}

// IsRetryable determines if an error is worth retrying.
// Quota errors never are.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider:
		return catErr.StatusCode >= 500 || catErr.StatusCode == http.StatusRequestTimeout
	case CategoryDatabase:
		return true
	default:
		return false
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
