package action

import (
	"github.com/superfly/blockplan/device"
)

// Obsoletes reports whether a makes b pointless. The scheduler prunes
// obsolete actions before sorting, so the committed plan never does work a
// later action would immediately undo.
//
// The rules, all scoped to the same device (by ID):
//
//   - destroy-device obsoletes every earlier action on the device. When the
//     device never existed on disk, the destroy also obsoletes itself, so a
//     create/destroy pair both drop out of the plan.
//   - destroy-format obsoletes every earlier format action on the device,
//     and itself when the on-disk format never existed.
//   - create-format obsoletes earlier create-format and resize-format
//     actions; only the last planned format will ever be written.
//   - resize obsoletes an earlier resize of the same side (device side or
//     format side); only the final geometry matters.
func (a *Action) Obsoletes(b *Action) bool {
	if a.dev.ID() != b.dev.ID() {
		return false
	}

	switch a.kind {
	case DestroyDevice:
		if b.seq < a.seq {
			return true
		}
		// Self-obsolescence makes the prune drop the whole create/destroy
		// pair for a device that never reached the disk.
		return !a.existedAtPlan && b.seq == a.seq
	case DestroyFormat:
		if b.IsFormat() && b.seq < a.seq {
			return true
		}
		return !a.existedAtPlan && b.seq == a.seq
	case CreateFormat:
		return (b.kind == CreateFormat || b.kind == ResizeFormat) && b.seq < a.seq
	case ResizeDevice:
		return b.kind == ResizeDevice && b.seq < a.seq
	case ResizeFormat:
		return b.kind == ResizeFormat && b.seq < a.seq
	}
	return false
}

// Requires reports whether b must execute before a. The scheduler turns
// these into edges and sorts; registration order breaks the remaining ties.
//
//   - creating a device requires creating its parents first, and the
//     formats that host it (a partition needs its disk's disklabel, a VG
//     needs its PV formats).
//   - creating or resizing a format requires the device to exist first.
//   - destroying a device requires destroying its format first, and
//     destroying everything stacked on top of it first.
//   - destroying a format requires destroying the devices it hosts first.
func (a *Action) Requires(b *Action) bool {
	if a == b {
		return false
	}

	switch a.kind {
	case CreateDevice:
		if b.kind == CreateDevice && a.dev.HasParent(b.dev) {
			return true
		}
		if b.kind == CreateFormat && a.dev.HasParent(b.dev) {
			return true
		}
		// Logical partitions live inside the extended partition even though
		// their parent edge points at the disk.
		if b.kind == CreateDevice && isLogical(a.dev) && isExtended(b.dev) && sharesParent(a.dev, b.dev) {
			return true
		}

	case CreateFormat:
		if b.kind == CreateDevice && b.dev.ID() == a.dev.ID() {
			return true
		}
		if b.kind == DestroyFormat && b.dev.ID() == a.dev.ID() && b.seq < a.seq {
			return true
		}

	case ResizeFormat:
		if b.kind == CreateDevice && b.dev.ID() == a.dev.ID() {
			return true
		}
		if b.kind == ResizeDevice && b.dev.ID() == a.dev.ID() {
			return true
		}

	case DestroyDevice:
		if b.kind == DestroyFormat && b.dev.ID() == a.dev.ID() {
			return true
		}
		if b.kind == DestroyDevice && b.dev.DependsOn(a.dev) {
			return true
		}
		if b.kind == DestroyDevice && isExtended(a.dev) && isLogical(b.dev) && sharesParent(a.dev, b.dev) {
			return true
		}

	case DestroyFormat:
		if b.kind == DestroyDevice && b.dev.HasParent(a.dev) {
			return true
		}
	}
	return false
}

func isLogical(d *device.Device) bool {
	return d.Kind() == device.Partition && d.PartType() == device.PartLogical
}

func isExtended(d *device.Device) bool {
	return d.Kind() == device.Partition && d.PartType() == device.PartExtended
}

func sharesParent(a, b *device.Device) bool {
	for _, pa := range a.Parents() {
		for _, pb := range b.Parents() {
			if pa.ID() == pb.ID() {
				return true
			}
		}
	}
	return false
}
