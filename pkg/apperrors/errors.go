package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConversionError carries an error code and a user-safe message alongside the
// internal cause. Handlers expose UserMessage only; the cause stays in logs.
type ConversionError struct {
	Code          string
	UserMessage   string
	InternalError error
}

func (e *ConversionError) Error() string {
	return e.UserMessage
}

func (e *ConversionError) Unwrap() error {
	return e.InternalError
}

// New creates a ConversionError with the given code and sanitized user message.
func New(code, userMsg string, internalErr error) *ConversionError {
	return &ConversionError{
		Code:          code,
		UserMessage:   userMsg,
		InternalError: internalErr,
	}
}

// Conversion lifecycle errors. UnsupportedFormat rejects a whole batch,
// UnsupportedMediaType and SourceNotFound fail a single item, InvalidPath is a
// security rejection at the path boundary, ProcessingFailed is the catch-all.
var (
	ErrUnsupportedFormat    = New("UNSUPPORTED_FORMAT", "unsupported output format", errors.New("output format validation failed"))
	ErrUnsupportedMediaType = New("UNSUPPORTED_MEDIA_TYPE", "unsupported image type", errors.New("media type validation failed"))
	ErrEmptyFile            = New("EMPTY_FILE", "empty file not allowed", errors.New("zero-length upload"))
	ErrFileTooLarge         = New("FILE_TOO_LARGE", "file too large", errors.New("upload exceeds the size limit"))
	ErrSourceNotFound       = New("SOURCE_NOT_FOUND", "source file not found", errors.New("re-convert source missing"))
	ErrInvalidPath          = New("INVALID_PATH", "invalid file path", errors.New("path validation failed"))
	ErrProcessingFailed     = New("PROCESSING_FAILED", "image processing failed", errors.New("conversion pipeline failure"))
	ErrSessionRequired      = New("SESSION_REQUIRED", "session identifier required", errors.New("missing session identifier"))
)

// HTTPStatus maps an error to the status class the transport should answer with.
func HTTPStatus(err error) int {
	var ce *ConversionError
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case "UNSUPPORTED_FORMAT", "UNSUPPORTED_MEDIA_TYPE", "INVALID_PATH", "SESSION_REQUIRED",
		"EMPTY_FILE", "FILE_TOO_LARGE":
		return http.StatusBadRequest
	case "SOURCE_NOT_FOUND":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Wrap attaches an internal cause to one of the taxonomy errors, preserving
// the code and user message so errors.Is against the sentinel still matches.
func Wrap(base *ConversionError, cause error) *ConversionError {
	return &ConversionError{
		Code:          base.Code,
		UserMessage:   base.UserMessage,
		InternalError: cause,
	}
}

// Is lets wrapped taxonomy errors match their sentinel by code.
func (e *ConversionError) Is(target error) bool {
	var ce *ConversionError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// SanitizeError removes sensitive information from error messages before they
// reach a client.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.UserMessage
	}

	errMsg := strings.ToLower(err.Error())

	// File paths and filesystem errors leak directory layout.
	sensitiveKeywords := []string{
		"/etc/", "/var/", "/usr/", "/home/", "/root/",
		"no such file or directory",
		"permission denied",
	}
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(errMsg, keyword) {
			return "operation failed"
		}
	}
	if strings.Contains(errMsg, "/") {
		return "file operation failed"
	}

	if strings.Contains(errMsg, "postgres://") || strings.Contains(errMsg, "password") {
		return "database connection failed"
	}
	if strings.Contains(errMsg, "connection refused") {
		return "service unavailable"
	}
	if strings.Contains(errMsg, "timeout") {
		return "request timeout"
	}

	return "internal server error"
}

// ItemError pairs a failed batch item with its failure, for per-item reporting.
type ItemError struct {
	Name string
	Err  error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}
