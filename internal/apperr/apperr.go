// Package apperr defines the typed errors surfaced to API callers. Every
// error carries a stable machine-readable code; handlers map codes onto HTTP
// statuses and render `{code, message}` bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes errors for API clients.
type Code string

const (
	// Input validation
	CodeInvalidURL        Code = "INVALID_URL"
	CodeInvalidSourceType Code = "INVALID_SOURCE_TYPE"
	CodeMissingURL        Code = "MISSING_URL"
	CodeMissingFile       Code = "MISSING_FILE"
	CodeInvalidFileType   Code = "INVALID_FILE_TYPE"
	CodeFileTooLarge      Code = "FILE_TOO_LARGE"
	CodeInvalidFormat     Code = "INVALID_FORMAT"
	CodeInvalidTrack      Code = "INVALID_TRACK"
	CodeInvalidAction     Code = "INVALID_ACTION"
	CodeMissingTitle      Code = "MISSING_TITLE"
	CodeInvalidFile       Code = "INVALID_FILE"

	// Admission
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeServiceBusy       Code = "SERVICE_BUSY"
	CodeDurationExceeded  Code = "DURATION_EXCEEDED"

	// Lookup
	CodeJobNotFound     Code = "JOB_NOT_FOUND"
	CodeJobNotCompleted Code = "JOB_NOT_COMPLETED"
	CodeNoResult        Code = "NO_RESULT"
	CodeNoTracks        Code = "NO_TRACKS"
	CodeTrackNotFound   Code = "TRACK_NOT_FOUND"
	CodeMixNotFound     Code = "MIX_NOT_FOUND"
	CodeExportNotFound  Code = "EXPORT_NOT_FOUND"

	// Pipeline execution
	CodeAcquisitionFailed Code = "ACQUISITION_FAILED"
	CodeExtractError      Code = "EXTRACT_ERROR"
	CodeSeparationError   Code = "SEPARATION_ERROR"
	CodeMergeError        Code = "MERGE_ERROR"
	CodeToolTimeout       Code = "TOOL_TIMEOUT"
	CodeExternalTool      Code = "EXTERNAL_TOOL_ERROR"

	// Bundles
	CodeBadBundle      Code = "BAD_BUNDLE"
	CodeExportFailed   Code = "EXPORT_FAILED"
	CodeNoJobsSelected Code = "NO_JOBS_SELECTED"

	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is the structured error type carried across layer boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, walking wrapped chains. Untyped errors
// report CodeInternal so handlers never leak internals by accident.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf extracts the caller-facing message from err. Untyped errors get a
// generic message.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// HTTPStatus maps a code onto its response status code.
func HTTPStatus(code Code) int {
	switch code {
	case CodeJobNotFound, CodeTrackNotFound, CodeMixNotFound, CodeExportNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeServiceBusy:
		return http.StatusServiceUnavailable
	case CodeInternal, CodeExportFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
