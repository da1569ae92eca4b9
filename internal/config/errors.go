package config

import (
	"errors"
	"fmt"
)

var (
	ErrNoEndpoint        = errors.New("no endpoint kind set")
	ErrMultipleEndpoints = errors.New("more than one endpoint kind set")
	ErrMissingValue      = errors.New("value is required")
	ErrConflictingValues = errors.New("values are mutually exclusive")
)

// FieldError reports a problem with one field of a configuration. Field is a
// dotted path such as "destination.peer_connect.public_key".
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldError(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

func prefixField(prefix string, err error) error {
	var fe *FieldError
	if errors.As(err, &fe) {
		return &FieldError{Field: prefix + "." + fe.Field, Err: fe.Err}
	}
	return &FieldError{Field: prefix, Err: err}
}
