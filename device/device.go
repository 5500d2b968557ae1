// Package device defines the entity model for the storage graph: Device and
// Format values, the closed sets of device kinds and format types, and the
// driver interfaces the scheduler executes real operations through.
//
// The model is pure state plus derived properties. Nothing in this package
// touches the running system except Status, which deliberately probes the
// device node so that callers always see reality rather than a cached guess.
package device

import (
	"fmt"
	"os"

	"github.com/superfly/blockplan"
)

// Kind identifies what a device is. The set is closed: the scheduler's
// requirement rules and the driver registry dispatch on it.
type Kind string

const (
	Disk             Kind = "disk"
	Partition        Kind = "partition"
	MDArray          Kind = "mdarray"
	LVMVolumeGroup   Kind = "lvmvg"
	LVMLogicalVolume Kind = "lvmlv"
	LUKSMapping      Kind = "luks-mapping"
	ThinPool         Kind = "thinpool"
	Loop             Kind = "loop"
)

// KindSpec captures the static properties of a device kind. The table is
// built once at init and never mutated; "does this kind need parents" style
// questions dispatch through it instead of probing attributes at runtime.
type KindSpec struct {
	// RequiresParents is true when a device of this kind cannot be added to
	// the tree without at least one parent.
	RequiresParents bool

	// Wrapper is true for kinds whose storage is entirely provided by a
	// single backing parent (LUKS mappings, loop devices). A wrapper with no
	// explicit size reports its parent's size.
	Wrapper bool

	// Resizable is true for kinds whose drivers support a resize operation.
	Resizable bool
}

var kindSpecs = map[Kind]KindSpec{
	Disk:             {},
	Partition:        {RequiresParents: true, Resizable: true},
	MDArray:          {RequiresParents: true},
	LVMVolumeGroup:   {RequiresParents: true},
	LVMLogicalVolume: {RequiresParents: true, Resizable: true},
	LUKSMapping:      {RequiresParents: true, Wrapper: true},
	ThinPool:         {RequiresParents: true, Resizable: true},
	Loop:             {},
}

// SpecFor returns the static spec for a kind. Unknown kinds report a zero
// spec, which is the most conservative answer.
func SpecFor(k Kind) KindSpec {
	return kindSpecs[k]
}

// PartType distinguishes partition roles on msdos disklabels.
type PartType string

const (
	PartPrimary  PartType = "primary"
	PartLogical  PartType = "logical"
	PartExtended PartType = "extended"
)

// Device is one node in the storage graph.
//
// Identity is three-fold: ID (process-unique, never reused), Name (human
// meaningful, mutable; partitions get renumbered), and UUID (optional).
// Children are never stored; they are derived by the tree via reverse
// lookup over parent edges, so the graph has no reference cycles.
type Device struct {
	id   int64
	kind Kind

	name string
	uuid string

	// path is the device node, e.g. /dev/vda1. Empty until known.
	path string

	size    int64
	exists  bool
	format  *Format
	parents []*Device

	// protected devices are never torn down automatically, and pre-commit
	// checks refuse to relabel disks whose busy partitions are protected.
	protected bool

	// partType is meaningful only for Partition devices on msdos labels.
	partType PartType
}

// Config carries the constructor arguments for a Device.
type Config struct {
	Kind    Kind
	Name    string
	UUID    string
	Path    string
	Size    int64
	Exists  bool
	Format  *Format
	Parents []*Device

	Protected bool
	PartType  PartType
}

// New constructs a device and assigns it a fresh process-unique ID. The
// format defaults to the "no format" sentinel bound to the device path.
func New(cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, &DeviceError{Op: "new", Name: cfg.Name, Err: fmt.Errorf("device name cannot be empty")}
	}
	if _, ok := kindSpecs[cfg.Kind]; !ok {
		return nil, &DeviceError{Op: "new", Name: cfg.Name, Err: fmt.Errorf("unknown device kind %q", cfg.Kind)}
	}
	if SpecFor(cfg.Kind).RequiresParents && len(cfg.Parents) == 0 {
		return nil, &DeviceError{Op: "new", Name: cfg.Name, Err: fmt.Errorf("kind %s requires at least one parent", cfg.Kind)}
	}
	d := &Device{
		id:        blockplan.NextDeviceID(),
		kind:      cfg.Kind,
		name:      cfg.Name,
		uuid:      cfg.UUID,
		path:      cfg.Path,
		size:      cfg.Size,
		exists:    cfg.Exists,
		format:    cfg.Format,
		parents:   append([]*Device(nil), cfg.Parents...),
		protected: cfg.Protected,
		partType:  cfg.PartType,
	}
	if d.format == nil {
		d.format = NoFormat(d.path)
	}
	return d, nil
}

// MustNew is New for construction sites where the config is statically valid
// (tests, fixtures). It panics on error.
func MustNew(cfg Config) *Device {
	d, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Device) ID() int64          { return d.id }
func (d *Device) Kind() Kind         { return d.kind }
func (d *Device) Name() string       { return d.name }
func (d *Device) UUID() string       { return d.uuid }
func (d *Device) Path() string       { return d.path }
func (d *Device) Exists() bool       { return d.exists }
func (d *Device) Protected() bool    { return d.protected }
func (d *Device) PartType() PartType { return d.partType }

// Size returns the device size in bytes. Wrapper kinds with no explicit size
// delegate to their backing parent.
func (d *Device) Size() int64 {
	if d.size == 0 && SpecFor(d.kind).Wrapper && len(d.parents) > 0 {
		return d.parents[0].Size()
	}
	return d.size
}

// Parents returns a copy of the ordered parent list.
func (d *Device) Parents() []*Device {
	return append([]*Device(nil), d.parents...)
}

// HasParent reports whether p is a direct parent of d, by ID.
func (d *Device) HasParent(p *Device) bool {
	for _, q := range d.parents {
		if q.id == p.id {
			return true
		}
	}
	return false
}

// DependsOn reports whether other is reachable from d via parent edges, i.e.
// d transitively sits on top of other.
func (d *Device) DependsOn(other *Device) bool {
	for _, p := range d.parents {
		if p.id == other.id || p.DependsOn(other) {
			return true
		}
	}
	return false
}

// Format returns the device's current format value. Never nil.
func (d *Device) Format() *Format {
	return d.format
}

// SetFormat replaces the device's format wholesale and returns the previous
// value. A nil argument resets to the "no format" sentinel. The old Format is
// discarded from the model entirely; formats are never shared between
// devices.
func (d *Device) SetFormat(f *Format) *Format {
	old := d.format
	if f == nil {
		f = NoFormat(d.path)
	}
	d.format = f
	return old
}

// SetExists records that the underlying OS object now exists (or no longer
// does). Only action execution and discovery flip this.
func (d *Device) SetExists(exists bool) {
	d.exists = exists
}

// SetSize updates the stored size in bytes.
func (d *Device) SetSize(size int64) {
	d.size = size
}

// SetPath updates the device node path and rebinds the format to it.
func (d *Device) SetPath(path string) {
	d.path = path
	if d.format != nil {
		d.format.DevicePath = path
	}
}

// SetProtected marks or unmarks the device as protected.
func (d *Device) SetProtected(p bool) {
	d.protected = p
}

// SetName changes the device name. The tree owns the name indexes, so
// renames of devices already in a tree must go through Tree.Rename.
func (d *Device) SetName(name string) {
	d.name = name
}

// AddParent appends a parent edge. The caller (tree or action) is
// responsible for the parent already being part of the same graph.
func (d *Device) AddParent(p *Device) {
	if !d.HasParent(p) {
		d.parents = append(d.parents, p)
	}
}

// RemoveParent drops a parent edge, by ID. Unknown parents are ignored.
func (d *Device) RemoveParent(p *Device) {
	out := d.parents[:0]
	for _, q := range d.parents {
		if q.id != p.id {
			out = append(out, q)
		}
	}
	d.parents = out
}

// Status reports whether the device is currently active and usable. It is
// always computed, never cached: exists must be set and the device node must
// be present, so the answer stays honest even when something changed the
// system behind the model's back.
func (d *Device) Status() bool {
	if !d.exists || d.path == "" {
		return false
	}
	_, err := os.Stat(d.path)
	return err == nil
}

// String implements fmt.Stringer for log fields.
func (d *Device) String() string {
	return fmt.Sprintf("%s %q (id=%d)", d.kind, d.name, d.id)
}
