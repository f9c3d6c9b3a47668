package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types for the symbol index daemon
type ErrorType string

const (
	// Indexing errors
	ErrorTypeStaleVersion     ErrorType = "stale_version"
	ErrorTypeExtractionFailed ErrorType = "extraction_failed"
	ErrorTypeUnresolved       ErrorType = "unresolved_reference"

	// Dispatcher errors
	ErrorTypeMalformedRequest ErrorType = "malformed_request"
	ErrorTypeUnknownOperation ErrorType = "unknown_operation"
	ErrorTypeNotReady         ErrorType = "not_ready"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"

	// Resource errors
	ErrorTypeResourceExhausted ErrorType = "resource_exhausted"

	// Internal errors
	ErrorTypeInternal ErrorType = "internal"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrStaleVersion      = errors.New("stale version")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrUnresolved        = errors.New("unresolved reference")
	ErrMalformedRequest  = errors.New("malformed request")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// StaleVersionError reports an out-of-order update. It is discarded by the
// indexer and never reaches query callers.
type StaleVersionError struct {
	Path      string
	Version   uint64
	Current   uint64
	Timestamp time.Time
}

// NewStaleVersionError creates a stale version error
func NewStaleVersionError(path string, version, current uint64) *StaleVersionError {
	return &StaleVersionError{
		Path:      path,
		Version:   version,
		Current:   current,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version %d for %s (current %d)", e.Version, e.Path, e.Current)
}

// Is matches ErrStaleVersion
func (e *StaleVersionError) Is(target error) bool {
	return target == ErrStaleVersion
}

// ExtractionError represents a per-file extraction failure
type ExtractionError struct {
	Type       ErrorType
	FilePath   string
	Language   string
	Version    uint64
	Underlying error
	Timestamp  time.Time
}

// NewExtractionError creates a new extraction error
func NewExtractionError(path, language string, version uint64, err error) *ExtractionError {
	return &ExtractionError{
		Type:       ErrorTypeExtractionFailed,
		FilePath:   path,
		Language:   language,
		Version:    version,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ExtractionError) Error() string {
	if e.Language != "" {
		return fmt.Sprintf("extraction failed for %s (%s, version %d): %v", e.FilePath, e.Language, e.Version, e.Underlying)
	}
	return fmt.Sprintf("extraction failed for %s (version %d): %v", e.FilePath, e.Version, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ExtractionError) Unwrap() error {
	return e.Underlying
}

// Is matches ErrExtractionFailed
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtractionFailed
}

// RequestError is a dispatcher-level failure returned to the caller as a
// structured response.
type RequestError struct {
	Type       ErrorType
	Operation  string
	Message    string
	Underlying error
}

// NewMalformedRequest creates a malformed request error
func NewMalformedRequest(op string, err error) *RequestError {
	msg := "malformed request"
	if err != nil {
		msg = err.Error()
	}
	return &RequestError{Type: ErrorTypeMalformedRequest, Operation: op, Message: msg, Underlying: err}
}

// NewUnknownOperation creates an unknown operation error
func NewUnknownOperation(op string) *RequestError {
	return &RequestError{
		Type:      ErrorTypeUnknownOperation,
		Operation: op,
		Message:   fmt.Sprintf("unknown operation %q", op),
	}
}

// NewNotReady reports that the index cannot serve yet
func NewNotReady(op string) *RequestError {
	return &RequestError{Type: ErrorTypeNotReady, Operation: op, Message: "index not ready"}
}

// NewInternalError wraps an unexpected failure
func NewInternalError(op string, err error) *RequestError {
	return &RequestError{Type: ErrorTypeInternal, Operation: op, Message: err.Error(), Underlying: err}
}

// Error implements the error interface
func (e *RequestError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *RequestError) Unwrap() error {
	return e.Underlying
}

// Is matches the dispatcher sentinels
func (e *RequestError) Is(target error) bool {
	switch e.Type {
	case ErrorTypeMalformedRequest:
		return target == ErrMalformedRequest
	case ErrorTypeUnknownOperation:
		return target == ErrUnknownOperation
	}
	return false
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
	Timestamp  time.Time
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{
		Field:      field,
		Value:      value,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}

// ResourceError reports an unrecoverable resource problem such as a memory cap
// that cannot hold the workspace. The daemon exits after logging it.
type ResourceError struct {
	Resource string
	Limit    int64
	Required int64
}

// NewResourceError creates a resource exhaustion error
func NewResourceError(resource string, limit, required int64) *ResourceError {
	return &ResourceError{Resource: resource, Limit: limit, Required: required}
}

// Error implements the error interface
func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s exhausted: limit %d, required %d", e.Resource, e.Limit, e.Required)
}

// Is matches ErrResourceExhausted
func (e *ResourceError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// MultiError represents multiple errors
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new multi-error
func NewMultiError(errs []error) *MultiError {
	// Filter out nil errors
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

// ErrOrNil returns nil when no errors were collected
func (e *MultiError) ErrOrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Error implements the error interface
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

// Unwrap returns all errors
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// IsStaleVersion reports whether err is (or wraps) a stale version rejection
func IsStaleVersion(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}

// TypeOf returns the dispatcher error type for err, defaulting to internal
func TypeOf(err error) ErrorType {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Type
	}
	switch {
	case errors.Is(err, ErrStaleVersion):
		return ErrorTypeStaleVersion
	case errors.Is(err, ErrExtractionFailed):
		return ErrorTypeExtractionFailed
	case errors.Is(err, ErrUnresolved):
		return ErrorTypeUnresolved
	case errors.Is(err, ErrResourceExhausted):
		return ErrorTypeResourceExhausted
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ErrorTypeConfig
	}
	return ErrorTypeInternal
}
