// Package errors provides the error kinds used across navifleet.
//
// The repository engine distinguishes four failure families with different
// propagation policy: validation failures become result values at the
// administrative boundary, permission failures roll a sync client back to
// the true head, not-found/structural failures are fatal to the call, and
// malformed wire patches are rejected outright. Keeping them as distinct
// types (instead of one hierarchy) lets each boundary pick its policy with
// errors.As.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInternal     = errors.New("internal error")
)

// ValidationError reports an input that fails a business rule (duplicate
// login, short password, unknown license). It is expected, surfaced as a
// message in the result value, and never fails the call at transport level.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validation creates a ValidationError.
func Validation(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError and
// returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// PermissionError reports that the acting viewer lacks required permission
// bits on an entity kind. Missing carries the unmet flag bits so callers
// can branch on "no flags remaining" without string matching.
type PermissionError struct {
	Kind     string
	StaticID string
	Missing  uint8
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied on %s %q: missing flags %#x", e.Kind, e.StaticID, e.Missing)
}

// PermissionDenied creates a PermissionError.
func PermissionDenied(kind, staticID string, missing uint8) *PermissionError {
	return &PermissionError{Kind: kind, StaticID: staticID, Missing: missing}
}

// IsPermissionDenied reports whether err is (or wraps) a PermissionError.
func IsPermissionDenied(err error) (*PermissionError, bool) {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NotFoundError reports a referenced commit, entity kind, or static id that
// does not exist where it must. Not expected in normal operation; it
// implies a schema mismatch or a corrupted commit and propagates as a
// fatal failure.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound creates a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) (*NotFoundError, bool) {
	var ne *NotFoundError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// MalformedPatchError reports a wire document that does not parse into a
// valid operation sequence. Normally fatal to the call.
type MalformedPatchError struct {
	Reason string
	Err    error
}

func (e *MalformedPatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed patch: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed patch: %s", e.Reason)
}

func (e *MalformedPatchError) Unwrap() error { return e.Err }

// MalformedPatch creates a MalformedPatchError.
func MalformedPatch(reason string, err error) *MalformedPatchError {
	return &MalformedPatchError{Reason: reason, Err: err}
}

// IsMalformedPatch reports whether err is (or wraps) a MalformedPatchError.
func IsMalformedPatch(err error) (*MalformedPatchError, bool) {
	var me *MalformedPatchError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// AppError is a structured application error with HTTP status and error
// code, used at the HTTP boundary.
type AppError struct {
	// Code is a machine-readable error code (e.g., "COMMIT_NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// HTTPStatus is the corresponding HTTP status code.
	HTTPStatus int `json:"-"`

	// Err is the wrapped underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

// Unauthorized creates a 401 error.
func Unauthorized(code, message string) *AppError {
	return New(code, message, http.StatusUnauthorized)
}

// Forbidden creates a 403 error.
func Forbidden(code, message string) *AppError {
	return New(code, message, http.StatusForbidden)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
