package devicetree

import (
	"sort"

	"github.com/superfly/blockplan/device"
)

// ChildrenOf returns the devices (visible or hidden) with d as a direct
// parent, in insertion order. Child edges are derived, never stored, so this
// is a linear scan; trees are small enough that it does not matter.
func (t *Tree) ChildrenOf(d *device.Device) []*device.Device {
	var out []*device.Device
	for _, id := range t.order {
		if c := t.devices[id]; c.HasParent(d) {
			out = append(out, c)
		}
	}
	return out
}

// Descendants returns every device transitively built on d, parents before
// children, deterministic for a given insertion order.
func (t *Tree) Descendants(d *device.Device) []*device.Device {
	var out []*device.Device
	seen := map[int64]bool{d.ID(): true}
	frontier := []*device.Device{d}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, c := range t.ChildrenOf(next) {
			if seen[c.ID()] {
				continue
			}
			seen[c.ID()] = true
			out = append(out, c)
			frontier = append(frontier, c)
		}
	}
	return out
}

// DisksOf returns the disks d ultimately sits on, walking parent edges. A
// disk is its own answer.
func (t *Tree) DisksOf(d *device.Device) []*device.Device {
	seen := make(map[int64]bool)
	var out []*device.Device
	var walk func(x *device.Device)
	walk = func(x *device.Device) {
		if seen[x.ID()] {
			return
		}
		seen[x.ID()] = true
		if x.Kind() == device.Disk {
			out = append(out, x)
			return
		}
		for _, p := range x.Parents() {
			walk(p)
		}
	}
	walk(d)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RelatedDisks returns the closure of disks tied to d through shared
// containers. Starting from d's own disks, any device in the tree that
// touches a disk in the set pulls all of its other disks in too; a VG
// spanning two disks makes both disks related to everything on either.
// The result is sorted by device ID.
func (t *Tree) RelatedDisks(d *device.Device) []*device.Device {
	related := make(map[int64]*device.Device)
	for _, disk := range t.DisksOf(d) {
		related[disk.ID()] = disk
	}

	for changed := true; changed; {
		changed = false
		for _, id := range t.order {
			member := t.devices[id]
			disks := t.DisksOf(member)
			touches := false
			for _, disk := range disks {
				if _, ok := related[disk.ID()]; ok {
					touches = true
					break
				}
			}
			if !touches {
				continue
			}
			for _, disk := range disks {
				if _, ok := related[disk.ID()]; !ok {
					related[disk.ID()] = disk
					changed = true
				}
			}
		}
	}

	out := make([]*device.Device, 0, len(related))
	for _, disk := range related {
		out = append(out, disk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Roots returns the visible devices with no parents, in insertion order.
func (t *Tree) Roots() []*device.Device {
	var out []*device.Device
	for _, d := range t.Devices() {
		if len(d.Parents()) == 0 {
			out = append(out, d)
		}
	}
	return out
}

// Leaves returns the visible devices with no children, in insertion order.
func (t *Tree) Leaves() []*device.Device {
	var out []*device.Device
	for _, d := range t.Devices() {
		if len(t.ChildrenOf(d)) == 0 {
			out = append(out, d)
		}
	}
	return out
}
