package model

import (
	"errors"
)

// Error taxonomy shared by the packages of etfd. Packages wrap these with
// their own context, callers match them with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("resource in use")
	ErrCapacity    = errors.New("capacity exceeded")
	ErrNotDurable  = errors.New("not a durable resource")
	ErrUnavailable = errors.New("service unavailable")
)
