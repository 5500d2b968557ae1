package device

import (
	"errors"
	"fmt"
)

// DeviceError wraps a failure of a device-level operation.
type DeviceError struct {
	Op   string // operation that failed, e.g. "create", "teardown"
	Name string // device name
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// FormatError wraps a failure of a format-level operation.
type FormatError struct {
	Op   string
	Type string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// DiskLabelCommitError reports a failure to commit a partition table to
// disk, almost always because the kernel refused to reread the table while
// something still held a partition open. It is the one execution failure the
// scheduler treats as retryable.
type DiskLabelCommitError struct {
	Path string // disk device node
	Err  error
}

func (e *DiskLabelCommitError) Error() string {
	return fmt.Sprintf("disklabel commit on %s: %v", e.Path, e.Err)
}

func (e *DiskLabelCommitError) Unwrap() error { return e.Err }

// IsDiskLabelCommitError checks if err is (or wraps) a DiskLabelCommitError.
func IsDiskLabelCommitError(err error) bool {
	var ce *DiskLabelCommitError
	return errors.As(err, &ce)
}

// IsDeviceError checks if err is (or wraps) a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsFormatError checks if err is (or wraps) a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
