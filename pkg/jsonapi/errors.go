package jsonapi

import (
	"fmt"
	"net/http"
	"strconv"
)

// Error is a JSON:API error object. Code is the machine-readable reason
// clients switch on; Title is the HTTP status text.
type Error struct {
	Status string       `json:"status"`
	Code   string       `json:"code"`
	Title  string       `json:"title"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
	Meta   Meta         `json:"meta,omitempty"`
}

// ErrorSource points at the request member that caused an error.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`   // body field, e.g. "/quantity"
	Parameter string `json:"parameter,omitempty"` // query parameter
}

// NewError builds an error whose title is the status text for status.
func NewError(status int, code, detail string) Error {
	return Error{
		Status: strconv.Itoa(status),
		Code:   code,
		Title:  http.StatusText(status),
		Detail: detail,
	}
}

// StatusCode returns the HTTP status as an int, or 0 when unset.
func (e Error) StatusCode() int {
	code, _ := strconv.Atoi(e.Status)
	return code
}

// WithPointer returns a copy of e attributed to a body field.
func (e Error) WithPointer(field string) Error {
	e.Source = &ErrorSource{Pointer: "/" + field}
	return e
}

// WithParameter returns a copy of e attributed to a query parameter.
func (e Error) WithParameter(param string) Error {
	e.Source = &ErrorSource{Parameter: param}
	return e
}

// WithMeta returns a copy of e carrying key=value in its meta.
func (e Error) WithMeta(key string, value any) Error {
	m := make(Meta, len(e.Meta)+1)
	for k, v := range e.Meta {
		m[k] = v
	}
	m[key] = value
	e.Meta = m
	return e
}

func ErrBadRequest(detail string) Error {
	return NewError(http.StatusBadRequest, "bad_request", detail)
}

// ErrInvalidField rejects a body field; reason doubles as the error code
// (unknown_metric, invalid_quantity, ...).
func ErrInvalidField(field, reason string) Error {
	return NewError(http.StatusBadRequest, reason, fmt.Sprintf("%s: %s", field, reason)).WithPointer(field)
}

func ErrInvalidParameter(param, reason string) Error {
	return NewError(http.StatusBadRequest, "invalid_parameter", fmt.Sprintf("%s: %s", param, reason)).WithParameter(param)
}

func ErrNotFound(detail string) Error {
	return NewError(http.StatusNotFound, "not_found", detail)
}

func ErrConflict(detail string) Error {
	return NewError(http.StatusConflict, "conflict", detail)
}

// ErrDuplicateEvent reports an idempotency key reused with a different
// payload.
func ErrDuplicateEvent(detail string) Error {
	return NewError(http.StatusConflict, "duplicate_event", detail)
}

func ErrInternal(detail string) Error {
	if detail == "" {
		detail = "An internal error occurred"
	}
	return NewError(http.StatusInternalServerError, "internal_error", detail)
}

func ErrServiceUnavailable(code, detail string) Error {
	if code == "" {
		code = "service_unavailable"
	}
	if detail == "" {
		detail = "Service temporarily unavailable"
	}
	return NewError(http.StatusServiceUnavailable, code, detail)
}
