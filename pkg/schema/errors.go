package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNoHandler         = "NO_HANDLER"
	ErrCodeCancelled         = "EXECUTION_CANCELLED"
	ErrCodeHandlerExecution  = "HANDLER_EXECUTION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// Sentinels for errors.Is matching. A FlowError matches a sentinel when the codes are equal.
var (
	ErrNoHandler        = &FlowError{Code: ErrCodeNoHandler}
	ErrCancelled        = &FlowError{Code: ErrCodeCancelled}
	ErrHandlerExecution = &FlowError{Code: ErrCodeHandlerExecution}
	ErrCycleDetected    = &FlowError{Code: ErrCodeCycleDetected}
)

// FlowError is the structured error type for all blockflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	BlockID string         `json:"block_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("[%s] block %s: %s", e.Code, e.BlockID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FlowError with the same code.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithBlock attaches a block ID to the error.
func (e *FlowError) WithBlock(blockID string) *FlowError {
	e.BlockID = blockID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
