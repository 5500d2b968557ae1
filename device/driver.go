package device

import (
	"context"
	"fmt"
)

// Driver is the device-side collaborator contract. Implementations wrap the
// external tools that realize a device kind (sfdisk, lvm, mdadm, dmsetup);
// the core never inspects how an operation is carried out, only whether it
// succeeded.
type Driver interface {
	Create(ctx context.Context, d *Device) error
	Destroy(ctx context.Context, d *Device) error
	Setup(ctx context.Context, d *Device) error
	Teardown(ctx context.Context, d *Device) error
}

// Resizer is implemented by drivers whose kind supports resizing.
type Resizer interface {
	Resize(ctx context.Context, d *Device, targetSize int64) error
}

// Optional pre/post hooks. When a driver implements one, the action calls it
// in fixed order around the main operation (pre, op, post), so kind-specific
// bookkeeping such as recording a freshly assigned UUID happens without the
// scheduler knowing about it.
type (
	PreCreator    interface{ PreCreate(ctx context.Context, d *Device) error }
	PostCreator   interface{ PostCreate(ctx context.Context, d *Device) error }
	PreDestroyer  interface{ PreDestroy(ctx context.Context, d *Device) error }
	PostDestroyer interface{ PostDestroy(ctx context.Context, d *Device) error }
)

// FormatDriver is the format-side collaborator contract (mkfs.ext4,
// cryptsetup, pvcreate, sfdisk and friends).
type FormatDriver interface {
	Create(ctx context.Context, f *Format) error
	Destroy(ctx context.Context, f *Format) error
	Setup(ctx context.Context, f *Format) error
	Teardown(ctx context.Context, f *Format) error
}

// FormatResizer is implemented by format drivers that support resize.
type FormatResizer interface {
	Resize(ctx context.Context, f *Format, targetSize int64) error
}

// Registry maps kinds and format types to their drivers. It is constructed
// explicitly at startup (or with fakes in tests) and read-only afterwards.
type Registry struct {
	devices map[Kind]Driver
	formats map[FormatType]FormatDriver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[Kind]Driver),
		formats: make(map[FormatType]FormatDriver),
	}
}

// RegisterDevice binds a driver to a device kind, replacing any previous
// binding.
func (r *Registry) RegisterDevice(k Kind, d Driver) {
	r.devices[k] = d
}

// RegisterFormat binds a driver to a format type, replacing any previous
// binding.
func (r *Registry) RegisterFormat(t FormatType, d FormatDriver) {
	r.formats[t] = d
}

// DeviceDriver returns the driver for a kind.
func (r *Registry) DeviceDriver(k Kind) (Driver, error) {
	d, ok := r.devices[k]
	if !ok {
		return nil, &DeviceError{Op: "driver", Name: string(k), Err: fmt.Errorf("no driver registered for device kind %q", k)}
	}
	return d, nil
}

// FormatDriver returns the driver for a format type.
func (r *Registry) FormatDriver(t FormatType) (FormatDriver, error) {
	d, ok := r.formats[t]
	if !ok {
		return nil, &FormatError{Op: "driver", Type: string(t), Err: fmt.Errorf("no driver registered for format type %q", t)}
	}
	return d, nil
}
