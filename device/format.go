package device

import (
	"fmt"
)

// FormatType tags the content written to a device. The set is closed and the
// registry below is built statically at startup; there is no dynamic
// discovery of format implementations.
type FormatType string

const (
	// FormatNone is the "unformatted / unknown" sentinel. Every device owns
	// a Format at all times; a device with nothing on it owns one of these.
	FormatNone FormatType = ""

	FormatExt4      FormatType = "ext4"
	FormatXFS       FormatType = "xfs"
	FormatSwap      FormatType = "swap"
	FormatLUKS      FormatType = "luks"
	FormatLVMPV     FormatType = "lvmpv"
	FormatMDMember  FormatType = "mdmember"
	FormatDisklabel FormatType = "disklabel"
	FormatThinData  FormatType = "thin-data"
)

// FormatSpec captures the static capabilities of a format type.
type FormatSpec struct {
	// Resizable is true when the format driver supports resize.
	Resizable bool

	// Mountable is true for formats that can be mounted as filesystems.
	Mountable bool

	// PartitionTable is true for disklabel-like formats whose commit
	// invalidates kernel handles held by child partitions.
	PartitionTable bool

	// Container is true for formats that host other devices (LVM PVs carry
	// VGs, LUKS headers carry mappings, MD members carry arrays).
	Container bool
}

var formatSpecs = map[FormatType]FormatSpec{
	FormatNone:      {},
	FormatExt4:      {Resizable: true, Mountable: true},
	FormatXFS:       {Resizable: true, Mountable: true},
	FormatSwap:      {},
	FormatLUKS:      {Container: true},
	FormatLVMPV:     {Container: true},
	FormatMDMember:  {Container: true},
	FormatDisklabel: {PartitionTable: true},
	FormatThinData:  {},
}

// FormatSpecFor returns the static spec for a format type. Unknown types
// report a zero spec.
func FormatSpecFor(t FormatType) FormatSpec {
	return formatSpecs[t]
}

// KnownFormat reports whether t is a registered format type.
func KnownFormat(t FormatType) bool {
	_, ok := formatSpecs[t]
	return ok
}

// Format is the content on a device: a filesystem, a LUKS header, a PV
// signature, a partition table, or the "no format" sentinel. A Format is
// owned by exactly one Device; replacing a device's format discards the old
// value entirely.
type Format struct {
	Type FormatType

	// DevicePath is the device node the format is bound to.
	DevicePath string

	UUID  string
	Label string

	// LabelType is the disklabel flavor ("gpt", "msdos") for
	// FormatDisklabel values; empty otherwise.
	LabelType string

	// CurrentSize/TargetSize/MinSize/MaxSize are meaningful for resizable
	// formats; zero means unknown/unbounded.
	CurrentSize int64
	TargetSize  int64
	MinSize     int64
	MaxSize     int64

	exists bool
}

// NewFormat plans a format of the given type on devicePath. It starts with
// exists=false; a successful create action flips it.
func NewFormat(t FormatType, devicePath string) (*Format, error) {
	if !KnownFormat(t) {
		return nil, &FormatError{Op: "new", Type: string(t), Err: fmt.Errorf("unknown format type %q", t)}
	}
	return &Format{Type: t, DevicePath: devicePath}, nil
}

// NoFormat returns the "no format" sentinel bound to devicePath.
func NoFormat(devicePath string) *Format {
	return &Format{Type: FormatNone, DevicePath: devicePath}
}

// Exists reports whether the format is actually on disk.
func (f *Format) Exists() bool { return f.exists }

// SetExists records the on-disk state. Only action execution and discovery
// flip this.
func (f *Format) SetExists(exists bool) { f.exists = exists }

// Resizable reports whether the format both supports resize and currently
// exists (a planned-but-unwritten format has nothing to resize).
func (f *Format) Resizable() bool {
	return FormatSpecFor(f.Type).Resizable && f.exists
}

// IsDisklabel reports whether the format is a partition table.
func (f *Format) IsDisklabel() bool {
	return FormatSpecFor(f.Type).PartitionTable
}

// IsNone reports whether this is the "no format" sentinel.
func (f *Format) IsNone() bool {
	return f.Type == FormatNone
}

// String implements fmt.Stringer for log fields.
func (f *Format) String() string {
	if f.IsNone() {
		return "no format"
	}
	return fmt.Sprintf("%s on %s", f.Type, f.DevicePath)
}
