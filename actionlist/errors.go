package actionlist

import (
	"errors"
	"fmt"
)

// PartitioningError reports that the pending actions cannot be turned into a
// valid execution plan: a requirement cycle, or a plan that would have to
// tear down a protected device. It aborts the commit before anything touches
// the real system.
type PartitioningError struct {
	Reason  string
	Actions []string // summaries of the actions involved
}

func (e *PartitioningError) Error() string {
	if len(e.Actions) == 0 {
		return fmt.Sprintf("partitioning: %s", e.Reason)
	}
	return fmt.Sprintf("partitioning: %s (actions: %v)", e.Reason, e.Actions)
}

// IsPartitioningError checks if err is (or wraps) a PartitioningError.
func IsPartitioningError(err error) bool {
	var pe *PartitioningError
	return errors.As(err, &pe)
}
