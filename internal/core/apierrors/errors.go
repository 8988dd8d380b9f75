// Package apierrors defines the canonical API error identifiers and the
// envelope returned to clients. Domain packages either return these directly
// or return their own sentinel errors which the HTTP layer converts.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ID is a canonical, wire-stable error identifier.
type ID string

const (
	InvalidAccessToken      ID = "invalidAccessToken"
	Forbidden               ID = "forbidden"
	UnknownResource         ID = "unknownResource"
	ItemAlreadyExists       ID = "itemAlreadyExists"
	InvalidOperation        ID = "invalidOperation"
	InvalidItemID           ID = "invalidItemId"
	InvalidParametersFormat ID = "invalidParametersFormat"
	InvalidInvitationToken  ID = "invalidInvitationToken"
	CorruptedData           ID = "corruptedData"
	UnexpectedError         ID = "unexpectedError"
)

// APIError is the error shape every handler ultimately surfaces.
// Data carries machine-readable details, e.g. the colliding fields of an
// itemAlreadyExists.
type APIError struct {
	ID      ID
	Message string
	Data    map[string]interface{}
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ID, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatus maps the identifier to the HTTP status the API layer writes.
func (e *APIError) HTTPStatus() int {
	switch e.ID {
	case InvalidAccessToken:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case UnknownResource:
		return http.StatusNotFound
	case ItemAlreadyExists:
		return http.StatusConflict
	case InvalidOperation, InvalidParametersFormat, InvalidItemID, InvalidInvitationToken:
		return http.StatusBadRequest
	case CorruptedData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// New creates an APIError with an arbitrary identifier.
func New(id ID, message string) *APIError {
	return &APIError{ID: id, Message: message}
}

// NewWithData creates an APIError carrying machine-readable details.
func NewWithData(id ID, message string, data map[string]interface{}) *APIError {
	return &APIError{ID: id, Message: message, Data: data}
}

// Wrap attaches a cause to a fresh APIError. The cause is kept for logs and
// errors.Is/As, never serialized to clients.
func Wrap(id ID, message string, cause error) *APIError {
	return &APIError{ID: id, Message: message, cause: cause}
}

// Unexpected wraps any error as an unexpectedError, preserving the cause.
// A nil cause is allowed; the message alone is surfaced (the cause is not
// dereferenced).
func Unexpected(message string, cause error) *APIError {
	if message == "" {
		message = "unexpected error"
	}
	return &APIError{ID: UnexpectedError, Message: message, cause: cause}
}

// AlreadyExists builds the 409 payload: data names the colliding fields with
// their (sanitised) values.
func AlreadyExists(fields map[string]interface{}) *APIError {
	return &APIError{
		ID:      ItemAlreadyExists,
		Message: "One or more fields already exist",
		Data:    fields,
	}
}

// As extracts an *APIError from an error chain, or nil.
func As(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// Is reports whether err carries the given canonical identifier.
func Is(err error, id ID) bool {
	apiErr := As(err)
	return apiErr != nil && apiErr.ID == id
}
