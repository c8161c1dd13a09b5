package signup

import "errors"

var (
	// ErrInvalidInput is wrapped by every ValidationError.
	ErrInvalidInput = errors.New("invalid signup submission")
	// ErrEmailNotProven is returned for a missing, expired or foreign
	// email-possession token.
	ErrEmailNotProven = errors.New("Your email verification has expired. Please request a new code.")
	// ErrAlreadyExists is returned when the email belongs to a finished account.
	ErrAlreadyExists = errors.New("An account with this email already exists. Please log in instead.")
	// ErrSignupConflict is returned when a concurrent signup claimed the email first.
	ErrSignupConflict = errors.New("This email is already being registered. Please try again in a moment.")
	// ErrStorageUnavailable is returned when the selfie could not be stored.
	ErrStorageUnavailable = errors.New("We could not save your selfie. Please try again.")
)

// ValidationError names the offending field and carries a user-facing
// sentence.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
