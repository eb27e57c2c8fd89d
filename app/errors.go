// Package app provides application services that orchestrate domain logic.
package app

import (
	"errors"
	"fmt"
)

// Engine errors. Callers match them with errors.Is; the HTTP layer maps
// each to a status code in one place.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateEvent = errors.New("idempotency key reused with a different payload")
	ErrLimitLookup    = errors.New("limit lookup failed")
	ErrRollup         = errors.New("rollup failed")
	ErrAlertDelivery  = errors.New("alert delivery failed")
	ErrBackpressure   = errors.New("ingestion queue full")
)

// InvalidInputError names the field that failed validation.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

func invalid(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}
