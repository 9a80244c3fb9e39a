package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrEngineUnavailable = errors.New("image engine is not available")
	ErrNotRefinable      = errors.New("only completed generations can be refined")
	ErrNoImages          = errors.New("generation has no images to refine")
)

// ValidationError reports a user-fixable problem with a single input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
