// Package apperr defines the error taxonomy shared by every service and the
// echo error handler that renders it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindAccessDenied Kind = "ACCESS_DENIED"
	KindNotFound     Kind = "NOT_FOUND"
	KindValidation   Kind = "VALIDATION_ERROR"
	KindSlotConflict Kind = "SLOT_CONFLICT"
	KindAuthFailure  Kind = "AUTH_FAILURE"
	KindStore        Kind = "STORE_ERROR"
)

var statusByKind = map[Kind]int{
	KindAccessDenied: http.StatusForbidden,
	KindNotFound:     http.StatusNotFound,
	KindValidation:   http.StatusBadRequest,
	KindSlotConflict: http.StatusConflict,
	KindAuthFailure:  http.StatusUnauthorized,
	KindStore:        http.StatusServiceUnavailable,
}

// Error is an application error with a kind, a user-facing message and
// optional field-scoped details.
type Error struct {
	Err     error             `json:"-"`
	Kind    Kind              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code the error is rendered with.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AccessDenied reports a failed policy check.
func AccessDenied(message string) *Error {
	if message == "" {
		message = "access denied"
	}
	return &Error{Kind: KindAccessDenied, Message: message}
}

// NotFound reports that a referenced id has no live record.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// Validation reports a field-level rejection.
func Validation(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf("%s: %s", field, message),
		Details: map[string]string{field: message},
	}
}

// ValidationFields reports several field rejections at once.
func ValidationFields(details map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Details: details}
}

// SlotConflict reports a booking race that was lost.
func SlotConflict(message string) *Error {
	return &Error{Kind: KindSlotConflict, Message: message}
}

// AuthFailure reports a failed authentication or re-authentication.
func AuthFailure(message string) *Error {
	return &Error{Kind: KindAuthFailure, Message: message}
}

// Store wraps a failure of the document store. Store errors are transient
// and safe for the user to retry.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op + " failed, please retry", Err: err}
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
