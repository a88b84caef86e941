package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/timeline-harvester/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransientFetch represents recoverable page fetch failures (rate limit, 5xx, network)
	CategoryTransientFetch ErrorCategory = "transient_fetch"
	// CategoryPermanentFetch represents unrecoverable per-account fetch failures
	CategoryPermanentFetch ErrorCategory = "permanent_fetch"
	// CategorySchema represents a missing or incompatible warehouse table
	CategorySchema ErrorCategory = "schema"
	// CategoryStage represents a failed pipeline stage
	CategoryStage ErrorCategory = "stage"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// ErrRunInProgress is returned when another harvest run holds the run lock
var ErrRunInProgress = &CategorizedError{
	Category:   CategoryConflict,
	StatusCode: http.StatusConflict,
	Code:       "RUN_IN_PROGRESS",
	Message:    "another harvest run is in progress",
}

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

// Fetch Errors

// NewTransientFetchError creates a recoverable fetch error for an account
func NewTransientFetchError(account string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransientFetch,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_FETCH_ERROR",
		Message:    fmt.Sprintf("transient fetch failure for account %s", account),
		Cause:      cause,
		Details: map[string]interface{}{
			"account":        account,
			"upstreamStatus": statusCode,
		},
	}
}

// NewPermanentFetchError creates an unrecoverable fetch error (unknown, suspended or protected account)
func NewPermanentFetchError(account string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPermanentFetch,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "PERMANENT_FETCH_ERROR",
		Message:    fmt.Sprintf("account %s cannot be fetched: %s", account, reason),
		Details: map[string]interface{}{
			"account": account,
			"reason":  reason,
		},
	}
}

// Warehouse Errors

// NewSchemaError creates a fatal schema error for a warehouse table
func NewSchemaError(table string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySchema,
		StatusCode: http.StatusInternalServerError,
		Code:       "SCHEMA_ERROR",
		Message:    fmt.Sprintf("table %s failed schema check: %s", table, reason),
		Details: map[string]interface{}{
			"table":  table,
			"reason": reason,
		},
	}
}

// NewStageError wraps the failure of a named pipeline stage
func NewStageError(stage types.Stage, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STAGE_FAILED",
		Message:    fmt.Sprintf("stage %s failed", stage),
		Cause:      cause,
		Details: map[string]interface{}{
			"stage": string(stage),
		},
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

// User Input Errors (4xx)

// NewInvalidWindowError creates an invalid extraction window error
func NewInvalidWindowError(minDate, maxDate string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_WINDOW",
		Message:    fmt.Sprintf("invalid extraction window: %s", reason),
		Details: map[string]interface{}{
			"minDate": minDate,
			"maxDate": maxDate,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
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

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// categoryOf returns the category of the first categorized error in the chain
func categoryOf(err error) (ErrorCategory, bool) {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category, true
	}
	return "", false
}

// IsTransientFetch reports whether err is a recoverable fetch failure
func IsTransientFetch(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryTransientFetch
}

// IsPermanentFetch reports whether err is an unrecoverable per-account fetch failure
func IsPermanentFetch(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryPermanentFetch
}

// IsSchemaError reports whether err is a warehouse schema failure
func IsSchemaError(err error) bool {
	if err == nil {
		return false
	}
	// A stage error wraps the schema error, so walk the whole chain.
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if catErr, ok := e.(*CategorizedError); ok && catErr.Category == CategorySchema {
			return true
		}
	}
	return false
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	c, ok := categoryOf(err)
	if !ok {
		return false
	}

	switch c {
	case CategoryTransientFetch, CategoryDatabase:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
