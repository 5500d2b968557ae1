package action

import (
	"errors"
	"fmt"
)

// Error wraps a failure of an action operation.
type Error struct {
	Op     string // "new", "apply", "cancel", "execute"
	Kind   Kind
	Device string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("action %s %s %q: %v", e.Op, e.Kind, e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsActionError checks if err is (or wraps) an action Error.
func IsActionError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}
