package ingestion

import (
	"errors"
	"fmt"
)

// Error codes persisted on failed runs and returned in API error envelopes.
// The split into retryable and fatal classes drives worker retry policy:
// fatal errors transition the run to FAILED immediately, retryable errors go
// back to the queue with backoff until MaxAttempts is exhausted.
const (
	// Retryable family.
	CodeAPITimeout          = "API_TIMEOUT"
	CodeAPIRateLimit        = "API_RATE_LIMIT"
	CodeAPIFetchError       = "API_FETCH_ERROR"
	CodeStorageConnection   = "STORAGE_CONNECTION"
	CodeStorageUpload       = "STORAGE_UPLOAD"
	CodeDatabaseLockTimeout = "DATABASE_LOCK_TIMEOUT"

	// Non-retryable family.
	CodeAPIAuthentication      = "API_AUTHENTICATION"
	CodeAPIError               = "API_ERROR" // upstream 404 and other non-429 4xx
	CodeStorageAuthentication  = "STORAGE_AUTHENTICATION"
	CodeStorageBucketNotFound  = "STORAGE_BUCKET_NOT_FOUND"
	CodeInvalidDataFormat      = "INVALID_DATA_FORMAT"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeInvalidState           = "INVALID_STATE"
	CodeRunNotFound            = "RUN_NOT_FOUND"
	CodeStockNotFound          = "STOCK_NOT_FOUND"
	CodeTableWriteError        = "TABLE_WRITE_ERROR"
	CodeTableMergeError        = "TABLE_MERGE_ERROR"
	CodeTableReadError         = "TABLE_READ_ERROR"
	CodeUnexpectedError        = "UNEXPECTED_ERROR"

	// Codes set by orchestration rather than a worker step.
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeMissingRawData     = "MISSING_RAW_DATA"
	CodeBrokerError        = "BROKER_ERROR"
	CodeRaceCondition      = "RACE_CONDITION"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidUUID        = "INVALID_UUID"
)

// Sentinel errors surfaced by the Store and the service.
var (
	// ErrStockNotFound indicates the requested ticker has no Stock record.
	ErrStockNotFound = errors.New("stock not found")

	// ErrRunNotFound indicates the requested ingestion run does not exist.
	ErrRunNotFound = errors.New("ingestion run not found")

	// ErrBulkRunNotFound indicates the requested bulk queue run does not exist.
	ErrBulkRunNotFound = errors.New("bulk queue run not found")

	// ErrDuplicateActiveRun indicates the partial unique constraint rejected a
	// second active run for the same stock. API handlers map this to 409.
	ErrDuplicateActiveRun = errors.New("stock already has an active ingestion run")

	// ErrInvalidTicker indicates a ticker that is empty or not 1-10
	// alphanumeric characters after normalization.
	ErrInvalidTicker = errors.New("invalid ticker")
)

// Class partitions pipeline errors into retry behavior families.
type Class int

// Error classes. ClassFatal errors transition the run to FAILED immediately;
// ClassRetryable errors are re-queued with backoff.
const (
	ClassFatal Class = iota
	ClassRetryable
)

// PipelineError is a taxonomy member: an error code, a retry class, and an
// optional wrapped cause. Workers persist Code as the run's error_code when
// the error ends the run.
type PipelineError struct {
	Code    string
	Class   Class
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is/As chains.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Retryable constructs a retryable pipeline error.
func Retryable(code, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Class: ClassRetryable, Message: message, Err: cause}
}

// Fatal constructs a non-retryable pipeline error.
func Fatal(code, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Class: ClassFatal, Message: message, Err: cause}
}

// IsRetryable reports whether err carries a retryable pipeline error.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class == ClassRetryable
	}

	return false
}

// CodeOf extracts the taxonomy code from err, falling back to
// UNEXPECTED_ERROR for unclassified errors.
func CodeOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}

	return CodeUnexpectedError
}
