package workflow

import "fmt"

// ValidationError marks a dispatch payload or graph the agent must
// reject outright: retrying cannot fix it. The job engine maps these to
// the VALIDATION failure category.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
