// Package action models planned changes to the storage graph as explicit
// values with a small state machine.
//
// An action starts pending, is applied to the in-memory model the moment it
// is registered, and is either executed against the real system during a
// commit or canceled back out. Apply and Cancel are exact inverses: a
// registered-then-canceled action leaves no trace in the model, which is
// what makes plan building freely revisable before commit.
package action

import (
	"fmt"
	"sync/atomic"

	"github.com/superfly/blockplan/device"
)

// Kind identifies what an action does, to what side of a device.
type Kind string

const (
	CreateDevice  Kind = "create-device"
	DestroyDevice Kind = "destroy-device"
	ResizeDevice  Kind = "resize-device"
	CreateFormat  Kind = "create-format"
	DestroyFormat Kind = "destroy-format"
	ResizeFormat  Kind = "resize-format"
)

// Status is the action lifecycle state.
type Status string

const (
	// StatusPending means the action has been constructed but not yet
	// registered, or has been canceled back out.
	StatusPending Status = "pending"

	// StatusApplied means the action's effect is visible in the in-memory
	// model but nothing has touched the real system.
	StatusApplied Status = "applied"

	// StatusExecuted means the action ran against the real system. Terminal.
	StatusExecuted Status = "executed"
)

// Graph is the slice of tree behavior actions need for apply and cancel.
// The device tree satisfies it; tests pass fakes.
type Graph interface {
	Add(*device.Device) error
	Remove(d *device.Device, force bool) error
	RegisterUUID(*device.Device) error
}

// seqCounter orders actions by construction. Obsolescence rules compare
// these sequence numbers, so "earlier" and "later" stay well defined even
// after pruning reshuffles list positions.
var seqCounter atomic.Int64

// Action is one planned change. Construct via the New* functions.
type Action struct {
	seq    int64
	kind   Kind
	status Status

	graph Graph
	dev   *device.Device

	// newFormat/prevFormat track format replacement so Cancel can restore
	// the displaced value exactly.
	newFormat  *device.Format
	prevFormat *device.Format

	// targetSize/prevSize track resizes.
	targetSize int64
	prevSize   int64

	// existedAtPlan snapshots on-disk existence at construction. A destroy
	// of something that never existed obsoletes itself together with the
	// create, which is how a create/destroy pair vanishes from the plan.
	existedAtPlan bool
}

func newAction(g Graph, k Kind, d *device.Device) *Action {
	return &Action{
		seq:    seqCounter.Add(1),
		kind:   k,
		status: StatusPending,
		graph:  g,
		dev:    d,
	}
}

// NewCreateDevice plans bringing a device into existence. The device must
// not already exist on disk.
func NewCreateDevice(g Graph, d *device.Device) (*Action, error) {
	if d.Exists() {
		return nil, &Error{Op: "new", Kind: CreateDevice, Device: d.Name(), Err: fmt.Errorf("device already exists")}
	}
	return newAction(g, CreateDevice, d), nil
}

// NewDestroyDevice plans destroying a device.
func NewDestroyDevice(g Graph, d *device.Device) (*Action, error) {
	if d.Protected() {
		return nil, &Error{Op: "new", Kind: DestroyDevice, Device: d.Name(), Err: fmt.Errorf("device is protected")}
	}
	a := newAction(g, DestroyDevice, d)
	a.existedAtPlan = d.Exists()
	return a, nil
}

// NewResizeDevice plans resizing a device to targetSize bytes.
func NewResizeDevice(g Graph, d *device.Device, targetSize int64) (*Action, error) {
	if !device.SpecFor(d.Kind()).Resizable {
		return nil, &Error{Op: "new", Kind: ResizeDevice, Device: d.Name(), Err: fmt.Errorf("kind %s is not resizable", d.Kind())}
	}
	if targetSize <= 0 {
		return nil, &Error{Op: "new", Kind: ResizeDevice, Device: d.Name(), Err: fmt.Errorf("target size %d is not positive", targetSize)}
	}
	a := newAction(g, ResizeDevice, d)
	a.targetSize = targetSize
	return a, nil
}

// NewCreateFormat plans writing a new format onto a device, replacing
// whatever format the model currently records.
func NewCreateFormat(g Graph, d *device.Device, f *device.Format) (*Action, error) {
	if f == nil || f.IsNone() {
		return nil, &Error{Op: "new", Kind: CreateFormat, Device: d.Name(), Err: fmt.Errorf("no format given")}
	}
	a := newAction(g, CreateFormat, d)
	a.newFormat = f
	a.existedAtPlan = d.Format().Exists()
	return a, nil
}

// NewDestroyFormat plans wiping the device's current format.
func NewDestroyFormat(g Graph, d *device.Device) (*Action, error) {
	a := newAction(g, DestroyFormat, d)
	a.existedAtPlan = d.Format().Exists()
	return a, nil
}

// NewResizeFormat plans resizing the device's format to targetSize bytes.
func NewResizeFormat(g Graph, d *device.Device, targetSize int64) (*Action, error) {
	f := d.Format()
	if !device.FormatSpecFor(f.Type).Resizable {
		return nil, &Error{Op: "new", Kind: ResizeFormat, Device: d.Name(), Err: fmt.Errorf("format %s is not resizable", f.Type)}
	}
	if targetSize <= 0 {
		return nil, &Error{Op: "new", Kind: ResizeFormat, Device: d.Name(), Err: fmt.Errorf("target size %d is not positive", targetSize)}
	}
	a := newAction(g, ResizeFormat, d)
	a.targetSize = targetSize
	return a, nil
}

func (a *Action) Seq() int64                { return a.seq }
func (a *Action) Kind() Kind                { return a.kind }
func (a *Action) Status() Status            { return a.status }
func (a *Action) Device() *device.Device    { return a.dev }
func (a *Action) TargetSize() int64         { return a.targetSize }
func (a *Action) NewFormat() *device.Format { return a.newFormat }

// IsDevice reports whether the action changes the device itself rather than
// its format.
func (a *Action) IsDevice() bool {
	return a.kind == CreateDevice || a.kind == DestroyDevice || a.kind == ResizeDevice
}

// IsFormat reports whether the action changes the device's format.
func (a *Action) IsFormat() bool { return !a.IsDevice() }

// IsCreate, IsDestroy and IsResize classify the verb.
func (a *Action) IsCreate() bool  { return a.kind == CreateDevice || a.kind == CreateFormat }
func (a *Action) IsDestroy() bool { return a.kind == DestroyDevice || a.kind == DestroyFormat }
func (a *Action) IsResize() bool  { return a.kind == ResizeDevice || a.kind == ResizeFormat }

// Apply makes the action's effect visible in the in-memory model. Only a
// pending action can be applied; errors leave both action and model
// untouched.
func (a *Action) Apply() error {
	if a.status != StatusPending {
		return &Error{Op: "apply", Kind: a.kind, Device: a.dev.Name(), Err: fmt.Errorf("action is %s, not pending", a.status)}
	}
	switch a.kind {
	case CreateDevice:
		if err := a.graph.Add(a.dev); err != nil {
			return err
		}
	case DestroyDevice:
		if err := a.graph.Remove(a.dev, false); err != nil {
			return err
		}
	case ResizeDevice:
		a.prevSize = a.dev.Size()
		a.dev.SetSize(a.targetSize)
	case CreateFormat:
		a.prevFormat = a.dev.SetFormat(a.newFormat)
	case DestroyFormat:
		a.prevFormat = a.dev.SetFormat(nil)
	case ResizeFormat:
		f := a.dev.Format()
		a.prevSize = f.TargetSize
		f.TargetSize = a.targetSize
	}
	a.status = StatusApplied
	return nil
}

// Cancel undoes Apply exactly. Only an applied action can be canceled; an
// executed action is past the point of no return.
func (a *Action) Cancel() error {
	if a.status != StatusApplied {
		return &Error{Op: "cancel", Kind: a.kind, Device: a.dev.Name(), Err: fmt.Errorf("action is %s, not applied", a.status)}
	}
	switch a.kind {
	case CreateDevice:
		if err := a.graph.Remove(a.dev, false); err != nil {
			return err
		}
	case DestroyDevice:
		if err := a.graph.Add(a.dev); err != nil {
			return err
		}
	case ResizeDevice:
		a.dev.SetSize(a.prevSize)
	case CreateFormat, DestroyFormat:
		a.dev.SetFormat(a.prevFormat)
		a.prevFormat = nil
	case ResizeFormat:
		a.dev.Format().TargetSize = a.prevSize
	}
	a.status = StatusPending
	return nil
}

// String is a one-line human summary used in logs, events and the journal.
func (a *Action) String() string {
	switch a.kind {
	case CreateFormat:
		return fmt.Sprintf("%s %s on %s", a.kind, a.newFormat.Type, a.dev.Name())
	case ResizeDevice, ResizeFormat:
		return fmt.Sprintf("%s %s to %d bytes", a.kind, a.dev.Name(), a.targetSize)
	default:
		return fmt.Sprintf("%s %s", a.kind, a.dev.Name())
	}
}
