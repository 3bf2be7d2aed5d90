package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers rejected input: weak or breached passwords,
	// mismatched confirmation, malformed account fields.
	ErrValidation = errors.New("validation failed")
	// ErrPasswordMismatch is the confirmation check; it also matches ErrValidation.
	ErrPasswordMismatch = fmt.Errorf("%w: passwords do not match", ErrValidation)
	// ErrAuthentication is a failed master password check. It never says why.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotInitialized means no master password has been set up yet.
	ErrNotInitialized = errors.New("vault is not initialized")
	// ErrAlreadyInitialized guards a second setup.
	ErrAlreadyInitialized = errors.New("vault is already initialized")
	// ErrNotFound means no live account has the requested id.
	ErrNotFound = errors.New("account not found")
	// ErrConflict means a live account already uses the email.
	ErrConflict = errors.New("account already exists")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
