package action

import (
	"context"
	"fmt"

	"github.com/superfly/blockplan/device"
)

// Execute runs the action against the real system through the registered
// drivers. Only an applied action can execute. On success the action is
// terminal; on failure it stays applied, and whether to retry is the
// scheduler's call, not ours.
//
// Device drivers may implement the optional pre/post hooks from the device
// package; they run in fixed order around the main operation.
func (a *Action) Execute(ctx context.Context, reg *device.Registry) error {
	if a.status != StatusApplied {
		return &Error{Op: "execute", Kind: a.kind, Device: a.dev.Name(), Err: fmt.Errorf("action is %s, not applied", a.status)}
	}

	var err error
	switch a.kind {
	case CreateDevice:
		err = a.executeCreateDevice(ctx, reg)
	case DestroyDevice:
		err = a.executeDestroyDevice(ctx, reg)
	case ResizeDevice:
		err = a.executeResizeDevice(ctx, reg)
	case CreateFormat:
		err = a.executeCreateFormat(ctx, reg)
	case DestroyFormat:
		err = a.executeDestroyFormat(ctx, reg)
	case ResizeFormat:
		err = a.executeResizeFormat(ctx, reg)
	}
	if err != nil {
		return err
	}
	a.status = StatusExecuted
	return nil
}

func (a *Action) executeCreateDevice(ctx context.Context, reg *device.Registry) error {
	drv, err := reg.DeviceDriver(a.dev.Kind())
	if err != nil {
		return err
	}
	if pre, ok := drv.(device.PreCreator); ok {
		if err := pre.PreCreate(ctx, a.dev); err != nil {
			return err
		}
	}
	if err := drv.Create(ctx, a.dev); err != nil {
		return err
	}
	a.dev.SetExists(true)
	if post, ok := drv.(device.PostCreator); ok {
		if err := post.PostCreate(ctx, a.dev); err != nil {
			return err
		}
	}
	// The driver may have learned the device's UUID during create.
	return a.graph.RegisterUUID(a.dev)
}

func (a *Action) executeDestroyDevice(ctx context.Context, reg *device.Registry) error {
	drv, err := reg.DeviceDriver(a.dev.Kind())
	if err != nil {
		return err
	}
	if pre, ok := drv.(device.PreDestroyer); ok {
		if err := pre.PreDestroy(ctx, a.dev); err != nil {
			return err
		}
	}
	if err := drv.Destroy(ctx, a.dev); err != nil {
		return err
	}
	a.dev.SetExists(false)
	if post, ok := drv.(device.PostDestroyer); ok {
		if err := post.PostDestroy(ctx, a.dev); err != nil {
			return err
		}
	}
	return nil
}

func (a *Action) executeResizeDevice(ctx context.Context, reg *device.Registry) error {
	drv, err := reg.DeviceDriver(a.dev.Kind())
	if err != nil {
		return err
	}
	rz, ok := drv.(device.Resizer)
	if !ok {
		return &Error{Op: "execute", Kind: a.kind, Device: a.dev.Name(), Err: fmt.Errorf("driver for %s does not resize", a.dev.Kind())}
	}
	return rz.Resize(ctx, a.dev, a.targetSize)
}

func (a *Action) executeCreateFormat(ctx context.Context, reg *device.Registry) error {
	drv, err := reg.FormatDriver(a.newFormat.Type)
	if err != nil {
		return err
	}
	if err := drv.Create(ctx, a.newFormat); err != nil {
		return err
	}
	a.newFormat.SetExists(true)
	return nil
}

func (a *Action) executeDestroyFormat(ctx context.Context, reg *device.Registry) error {
	// prevFormat is the displaced value Apply captured. Nothing to wipe when
	// the device had no on-disk format.
	if a.prevFormat == nil || a.prevFormat.IsNone() || !a.prevFormat.Exists() {
		return nil
	}
	drv, err := reg.FormatDriver(a.prevFormat.Type)
	if err != nil {
		return err
	}
	if err := drv.Destroy(ctx, a.prevFormat); err != nil {
		return err
	}
	a.prevFormat.SetExists(false)
	return nil
}

func (a *Action) executeResizeFormat(ctx context.Context, reg *device.Registry) error {
	f := a.dev.Format()
	drv, err := reg.FormatDriver(f.Type)
	if err != nil {
		return err
	}
	rz, ok := drv.(device.FormatResizer)
	if !ok {
		return &Error{Op: "execute", Kind: a.kind, Device: a.dev.Name(), Err: fmt.Errorf("driver for %s does not resize", f.Type)}
	}
	if err := rz.Resize(ctx, f, a.targetSize); err != nil {
		return err
	}
	f.CurrentSize = a.targetSize
	return nil
}
