package devicetree

import (
	"errors"
	"fmt"
)

// DeviceTreeError wraps a failure of a tree-level operation.
type DeviceTreeError struct {
	Op   string // operation that failed, e.g. "add", "rename"
	Name string // device name
	Err  error
}

func (e *DeviceTreeError) Error() string {
	return fmt.Sprintf("device tree %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *DeviceTreeError) Unwrap() error { return e.Err }

// DuplicateUUIDError reports two existing devices claiming the same UUID.
// This is a corrupted-state signal and is never retried.
type DuplicateUUIDError struct {
	UUID         string
	ExistingName string
	NewName      string
}

func (e *DuplicateUUIDError) Error() string {
	return fmt.Sprintf("duplicate uuid %s: held by %q, claimed by %q", e.UUID, e.ExistingName, e.NewName)
}

// NotLeafError reports an attempt to remove a device that still has
// children.
type NotLeafError struct {
	Name     string
	Children int
}

func (e *NotLeafError) Error() string {
	return fmt.Sprintf("device %q still has %d children", e.Name, e.Children)
}

// IsDeviceTreeError checks if err is (or wraps) a DeviceTreeError.
func IsDeviceTreeError(err error) bool {
	var te *DeviceTreeError
	return errors.As(err, &te)
}

// IsDuplicateUUIDError checks if err is (or wraps) a DuplicateUUIDError.
func IsDuplicateUUIDError(err error) bool {
	var de *DuplicateUUIDError
	return errors.As(err, &de)
}

// IsNotLeafError checks if err is (or wraps) a NotLeafError.
func IsNotLeafError(err error) bool {
	var le *NotLeafError
	return errors.As(err, &le)
}
