package engine

import (
	"errors"
	"fmt"
)

// ExitCodeUnknown is reported when a failed build's exit code could not be
// recovered.
const ExitCodeUnknown = -1

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassSourcePackageBuild indicates the SRPM stage failed.
	// Fatal for that version's build, not for the run.
	ErrorClassSourcePackageBuild ErrorClass = "source-package-build"

	// ErrorClassBinaryPackageBuild indicates the RPM stage failed.
	// Carries the exit code, possibly ExitCodeUnknown.
	ErrorClassBinaryPackageBuild ErrorClass = "binary-package-build"

	// ErrorClassPatchConflict indicates a patch could not be reconciled.
	// Recorded as an inapplicable patch, never fatal.
	ErrorClassPatchConflict ErrorClass = "patch-conflict"

	// ErrorClassCheckerNotFound indicates a checker's binary is missing.
	// Fatal only for that checker.
	ErrorClassCheckerNotFound ErrorClass = "checker-not-found"

	// ErrorClassEnvironment indicates a required tool or directory is unusable.
	ErrorClassEnvironment ErrorClass = "environment"

	// ErrorClassPipeline is a generic fatal error that aborts remaining stages.
	ErrorClassPipeline ErrorClass = "pipeline"
)

// RebaseError represents a classified error with context.
type RebaseError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Version is the package version being processed, if applicable.
	Version Version `json:"version,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// LogFile points at the most relevant log of a failed build.
	LogFile string `json:"log_file,omitempty"`

	// ExitCode is the exit code of a failed build tool.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RebaseError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Version != "" {
		msg += fmt.Sprintf(" (version=%s)", e.Version)
	}
	if e.LogFile != "" {
		msg += fmt.Sprintf(", see %s", e.LogFile)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RebaseError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RebaseError) Is(target error) bool {
	t, ok := target.(*RebaseError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewSourcePackageBuildError creates an error for a failed SRPM stage.
func NewSourcePackageBuildError(message, logFile string) *RebaseError {
	return &RebaseError{
		Class:   ErrorClassSourcePackageBuild,
		Message: message,
		LogFile: logFile,
	}
}

// NewBinaryPackageBuildError creates an error for a failed RPM stage.
func NewBinaryPackageBuildError(message string, exitCode int) *RebaseError {
	return &RebaseError{
		Class:    ErrorClassBinaryPackageBuild,
		Message:  message,
		ExitCode: exitCode,
	}
}

// NewPatchConflictError creates an error for an unreconcilable patch.
func NewPatchConflictError(message string, err error) *RebaseError {
	return &RebaseError{
		Class:   ErrorClassPatchConflict,
		Message: message,
		Err:     err,
	}
}

// NewCheckerNotFoundError creates an error for a missing checker binary.
func NewCheckerNotFoundError(checker, binary string) *RebaseError {
	return &RebaseError{
		Class:   ErrorClassCheckerNotFound,
		Message: fmt.Sprintf("checker %s requires %s which is not installed", checker, binary),
		Code:    ErrCodeNotFound,
	}
}

// NewEnvironmentError creates an error for an unusable environment.
func NewEnvironmentError(message string, err error) *RebaseError {
	return &RebaseError{
		Class:   ErrorClassEnvironment,
		Message: message,
		Err:     err,
	}
}

// NewPipelineError creates a generic fatal pipeline error.
func NewPipelineError(message string, err error) *RebaseError {
	return &RebaseError{
		Class:   ErrorClassPipeline,
		Message: message,
		Err:     err,
	}
}

// WithVersion adds version context to an error.
func (e *RebaseError) WithVersion(version Version) *RebaseError {
	e.Version = version
	return e
}

// WithOperation adds operation context to an error.
func (e *RebaseError) WithOperation(operation string) *RebaseError {
	e.Operation = operation
	return e
}

// WithLogFile sets the log file of a failed build.
func (e *RebaseError) WithLogFile(logFile string) *RebaseError {
	e.LogFile = logFile
	return e
}

// WithCode adds an error code to an error.
func (e *RebaseError) WithCode(code string) *RebaseError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *RebaseError) WithDetail(key string, value interface{}) *RebaseError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or an empty class if err is not a
// RebaseError.
func ClassOf(err error) ErrorClass {
	var e *RebaseError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsSourcePackageBuild returns true if the error is an SRPM stage failure.
func IsSourcePackageBuild(err error) bool {
	return ClassOf(err) == ErrorClassSourcePackageBuild
}

// IsBinaryPackageBuild returns true if the error is an RPM stage failure.
func IsBinaryPackageBuild(err error) bool {
	return ClassOf(err) == ErrorClassBinaryPackageBuild
}

// IsBuildFailure returns true for either build stage failure.
func IsBuildFailure(err error) bool {
	return IsSourcePackageBuild(err) || IsBinaryPackageBuild(err)
}

// IsPatchConflict returns true if the error is a patch conflict.
func IsPatchConflict(err error) bool {
	return ClassOf(err) == ErrorClassPatchConflict
}

// IsCheckerNotFound returns true if a checker binary is missing.
func IsCheckerNotFound(err error) bool {
	return ClassOf(err) == ErrorClassCheckerNotFound
}

// IsFatal returns true if the error must abort the run. Build failures,
// patch conflicts and missing checkers are recorded and the run continues.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ErrorClassSourcePackageBuild, ErrorClassBinaryPackageBuild,
		ErrorClassPatchConflict, ErrorClassCheckerNotFound:
		return false
	}
	return true
}

// ExitCodeOf returns the exit code carried by a binary build error, or
// ExitCodeUnknown.
func ExitCodeOf(err error) int {
	var e *RebaseError
	if errors.As(err, &e) && e.Class == ErrorClassBinaryPackageBuild {
		return e.ExitCode
	}
	return ExitCodeUnknown
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeToolMissing  = "TOOL_MISSING"
	ErrCodeUploadFailed = "UPLOAD_FAILED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
