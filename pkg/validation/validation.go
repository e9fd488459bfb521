// Package validation collects per-field input errors so callers can report
// every problem at once instead of failing on the first.
package validation

import (
	"errors"
	"strings"
)

const (
	CodeRequired = "required"
	CodeInvalid  = "invalid"
	CodeTaken    = "taken"
	CodeReserved = "reserved"
	CodeTooShort = "too_short"
	CodeTooLong  = "too_long"
	CodeNotFound = "not_found"
)

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errors is an ordered list of field errors. It satisfies error when non-empty.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation_error"
	}
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation_error: " + strings.Join(parts, "; ")
}

func (e *Errors) Add(field, code, message string) {
	*e = append(*e, FieldError{Field: field, Code: code, Message: message})
}

// Has reports whether field already carries an error.
func (e Errors) Has(field string) bool {
	for _, fe := range e {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Err returns nil when no errors were collected.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// As extracts validation errors from a wrapped error chain.
func As(err error) (Errors, bool) {
	var verrs Errors
	if errors.As(err, &verrs) {
		return verrs, true
	}
	return nil, false
}

// Single is a shortcut for a one-field failure.
func Single(field, code, message string) error {
	return Errors{{Field: field, Code: code, Message: message}}
}
