package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrDuplicateID             = errors.New("order id already exists")
	ErrCodeGenerationExhausted = errors.New("display code generation exhausted")
	ErrStaleTransition         = errors.New("order status changed concurrently")
	ErrIllegalTransition       = errors.New("illegal status transition")
	ErrInvalidStatus           = errors.New("invalid status")

	// ErrDisplayCodeConflict means another active order claimed the display code
	// between the collision check and the insert.
	ErrDisplayCodeConflict = errors.New("display code already in use")
)

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsIntegrityError reports errors that indicate a broken invariant rather than bad input.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrCodeGenerationExhausted)
}
