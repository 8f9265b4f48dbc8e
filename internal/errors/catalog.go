package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized error kind for a pipeline run
type ErrorCode string

// Error codes. The set is closed: every failure a stage can report maps onto
// exactly one of these.
const (
	// Configuration Errors
	ErrorCodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
	ErrorCodeBuildFileNotFound ErrorCode = "BUILD_FILE_NOT_FOUND"

	// Engine Errors
	ErrorCodeEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorCodeEngineAPI         ErrorCode = "ENGINE_API_ERROR"
	ErrorCodeBuildFailed       ErrorCode = "BUILD_FAILED"
	ErrorCodeContainerRun      ErrorCode = "CONTAINER_RUN_FAILED"
	ErrorCodeImageNotFound     ErrorCode = "IMAGE_NOT_FOUND"

	// Host Errors
	ErrorCodeExternalTool    ErrorCode = "EXTERNAL_TOOL_FAILED"
	ErrorCodePreflightFailed ErrorCode = "PREFLIGHT_FAILED"

	// Label Errors
	ErrorCodeLabelUnresolved ErrorCode = "LABEL_UNRESOLVED"
)

// Error messages map
var errorMessages = map[ErrorCode]string{
	ErrorCodeConfigInvalid:     "Configuration file is missing or invalid.",
	ErrorCodeBuildFileNotFound: "Image file not found.",

	ErrorCodeEngineUnavailable: "Error connecting to the container engine service.",
	ErrorCodeEngineAPI:         "The container engine rejected the request.",
	ErrorCodeBuildFailed:       "Error building image.",
	ErrorCodeContainerRun:      "Container exited with an error.",
	ErrorCodeImageNotFound:     "Image not found.",

	ErrorCodeExternalTool:    "Error executing command.",
	ErrorCodePreflightFailed: "Root access is required to perform actions on bootable containers.",

	ErrorCodeLabelUnresolved: "Could not compute image labels.",
}

// Process exit status per error code. Zero is reserved for success and one for
// errors outside the catalog.
var exitCodes = map[ErrorCode]int{
	ErrorCodeConfigInvalid:     2,
	ErrorCodeEngineUnavailable: 3,
	ErrorCodeEngineAPI:         4,
	ErrorCodeBuildFailed:       5,
	ErrorCodeContainerRun:      6,
	ErrorCodeImageNotFound:     7,
	ErrorCodeExternalTool:      8,
	ErrorCodeLabelUnresolved:   9,
	ErrorCodePreflightFailed:   10,
	ErrorCodeBuildFileNotFound: 11,
}

// BciError represents a structured error with code and message
type BciError struct {
	Code    ErrorCode
	Message string
	Details string // Additional context for the operator
	Err     error  // Original error
}

// Error implements the error interface
func (e *BciError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *BciError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status for the error's code
func (e *BciError) ExitCode() int {
	return ExitCode(e.Code)
}

// New creates a new BciError with the given code
func New(code ErrorCode, details ...string) *BciError {
	err := &BciError{
		Code:    code,
		Message: GetMessage(code),
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// Wrap wraps an existing error with a BciError code
func Wrap(code ErrorCode, err error, details ...string) *BciError {
	bciErr := New(code, details...)
	if err == nil {
		return bciErr
	}
	bciErr.Err = err
	if bciErr.Details == "" {
		bciErr.Details = err.Error()
	} else {
		bciErr.Details = fmt.Sprintf("%s: %s", bciErr.Details, err.Error())
	}
	return bciErr
}

// GetMessage returns the user-facing message for an error code
func GetMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "An unknown error occurred."
}

// ExitCode returns the process exit status for an error code
func ExitCode(code ErrorCode) int {
	if status, ok := exitCodes[code]; ok {
		return status
	}
	return 1
}

// As finds the first BciError in err's chain
func As(err error) (*BciError, bool) {
	if err == nil {
		return nil, false
	}
	var bciErr *BciError
	if stderrors.As(err, &bciErr) {
		return bciErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	bciErr, ok := As(err)
	return ok && bciErr.Code == code
}
