// Package devicetree owns the full graph of devices for one session.
//
// The tree is an arena keyed by device ID. Parent relationships live on the
// devices as ordered references; child relationships are never stored and are
// always derived by reverse lookup, so the graph cannot form reference
// cycles. Name and UUID lookups go through copy-on-write indexes, which keeps
// lookups cheap and makes an index snapshot a pointer copy.
//
// The tree is not safe for concurrent use. One session owns one tree, and
// the session's commit guard serializes every mutation path (see the
// safeguards package).
package devicetree

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/immutable"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/device"
)

// Tree is the device graph for one session.
type Tree struct {
	devices map[int64]*device.Device
	order   []int64 // insertion order, for deterministic iteration
	hidden  map[int64]bool

	// names indexes visible devices only: a hidden device gives its name up,
	// which is what lets ignored-disk filtering coexist with name uniqueness.
	names *immutable.Map[string, int64]

	// uuids indexes devices that exist and carry a UUID.
	uuids *immutable.Map[string, int64]

	bus    *blockplan.Bus
	logger logrus.FieldLogger
}

// New creates an empty tree. bus and logger may be nil.
func New(bus *blockplan.Bus, logger logrus.FieldLogger) *Tree {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tree{
		devices: make(map[int64]*device.Device),
		hidden:  make(map[int64]bool),
		names:   immutable.NewMap[string, int64](nil),
		uuids:   immutable.NewMap[string, int64](nil),
		bus:     bus,
		logger:  logger.WithField("component", "device-tree"),
	}
}

// Add inserts a device. Every parent must already be present (and not
// hidden), the name must be free among visible devices, and an existing
// device's UUID must be unique tree-wide. A UUID collision between two
// existing devices is fatal and never retried.
func (t *Tree) Add(d *device.Device) error {
	if _, ok := t.devices[d.ID()]; ok {
		return &DeviceTreeError{Op: "add", Name: d.Name(), Err: fmt.Errorf("device already in tree")}
	}
	for _, p := range d.Parents() {
		if _, ok := t.devices[p.ID()]; !ok || t.hidden[p.ID()] {
			return &DeviceTreeError{Op: "add", Name: d.Name(), Err: fmt.Errorf("parent %q not in tree", p.Name())}
		}
	}
	if id, ok := t.names.Get(d.Name()); ok {
		return &DeviceTreeError{Op: "add", Name: d.Name(), Err: fmt.Errorf("name already used by device id=%d", id)}
	}
	if d.UUID() != "" && d.Exists() {
		if id, ok := t.uuids.Get(d.UUID()); ok {
			return &DuplicateUUIDError{UUID: d.UUID(), ExistingName: t.devices[id].Name(), NewName: d.Name()}
		}
	}

	t.devices[d.ID()] = d
	t.order = append(t.order, d.ID())
	t.names = t.names.Set(d.Name(), d.ID())
	if d.UUID() != "" && d.Exists() {
		t.uuids = t.uuids.Set(d.UUID(), d.ID())
	}

	t.logger.WithFields(logrus.Fields{
		"device": d.Name(),
		"kind":   string(d.Kind()),
		"exists": d.Exists(),
	}).Debug("device added to tree")
	t.bus.Publish(blockplan.DeviceAdded{DeviceID: d.ID(), Name: d.Name()})
	for _, p := range d.Parents() {
		t.bus.Publish(blockplan.ParentAdded{DeviceName: d.Name(), ParentName: p.Name()})
	}
	return nil
}

// Remove deletes a device from the tree. A device with children still
// present fails with a NotLeafError unless force is set; force is for
// internal recursive removal, where the caller has already arranged order.
func (t *Tree) Remove(d *device.Device, force bool) error {
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "remove", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	if !force {
		if kids := t.ChildrenOf(d); len(kids) > 0 {
			return &NotLeafError{Name: d.Name(), Children: len(kids)}
		}
	}
	// The device's parent edges die with it.
	for _, p := range d.Parents() {
		t.bus.Publish(blockplan.ParentRemoved{DeviceName: d.Name(), ParentName: p.Name()})
	}
	t.forget(d)
	t.bus.Publish(blockplan.DeviceRemoved{DeviceID: d.ID(), Name: d.Name()})
	return nil
}

func (t *Tree) forget(d *device.Device) {
	delete(t.devices, d.ID())
	delete(t.hidden, d.ID())
	for i, id := range t.order {
		if id == d.ID() {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if id, ok := t.names.Get(d.Name()); ok && id == d.ID() {
		t.names = t.names.Delete(d.Name())
	}
	if d.UUID() != "" {
		if id, ok := t.uuids.Get(d.UUID()); ok && id == d.ID() {
			t.uuids = t.uuids.Delete(d.UUID())
		}
	}
}

// GetByName returns the visible device with the given name, or nil. Absence
// is a normal outcome, not an error.
func (t *Tree) GetByName(name string) *device.Device {
	if id, ok := t.names.Get(name); ok {
		return t.devices[id]
	}
	return nil
}

// GetByNameHidden is GetByName but also searches hidden devices.
func (t *Tree) GetByNameHidden(name string) *device.Device {
	if d := t.GetByName(name); d != nil {
		return d
	}
	for id := range t.hidden {
		if d := t.devices[id]; d != nil && d.Name() == name {
			return d
		}
	}
	return nil
}

// GetByUUID returns the existing device with the given UUID, or nil.
func (t *Tree) GetByUUID(uuid string) *device.Device {
	if id, ok := t.uuids.Get(uuid); ok {
		return t.devices[id]
	}
	return nil
}

// GetByPath returns the visible device with the given node path, or nil.
func (t *Tree) GetByPath(path string) *device.Device {
	for _, d := range t.Devices() {
		if d.Path() == path {
			return d
		}
	}
	return nil
}

// GetByID returns the device with the given ID, visible or hidden, or nil.
func (t *Tree) GetByID(id int64) *device.Device {
	return t.devices[id]
}

// Devices returns the visible devices in insertion order.
func (t *Tree) Devices() []*device.Device {
	out := make([]*device.Device, 0, len(t.order))
	for _, id := range t.order {
		if !t.hidden[id] {
			out = append(out, t.devices[id])
		}
	}
	return out
}

// HiddenDevices returns the hidden devices in insertion order.
func (t *Tree) HiddenDevices() []*device.Device {
	var out []*device.Device
	for _, id := range t.order {
		if t.hidden[id] {
			out = append(out, t.devices[id])
		}
	}
	return out
}

// Len returns the number of visible devices.
func (t *Tree) Len() int {
	return len(t.order) - len(t.hidden)
}

// Hide moves a device to the hidden partition of the tree without touching
// its edges. Its name becomes available to other devices; lookups skip it.
func (t *Tree) Hide(d *device.Device) error {
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "hide", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	if t.hidden[d.ID()] {
		return nil
	}
	t.hidden[d.ID()] = true
	if id, ok := t.names.Get(d.Name()); ok && id == d.ID() {
		t.names = t.names.Delete(d.Name())
	}
	t.logger.WithField("device", d.Name()).Debug("device hidden")
	return nil
}

// Unhide moves a device back to the visible partition. It fails if another
// visible device has claimed the name in the meantime.
func (t *Tree) Unhide(d *device.Device) error {
	if !t.hidden[d.ID()] {
		return nil
	}
	if id, ok := t.names.Get(d.Name()); ok && id != d.ID() {
		return &DeviceTreeError{Op: "unhide", Name: d.Name(), Err: fmt.Errorf("name now used by device id=%d", id)}
	}
	delete(t.hidden, d.ID())
	t.names = t.names.Set(d.Name(), d.ID())
	t.logger.WithField("device", d.Name()).Debug("device unhidden")
	return nil
}

// Rename changes a device's name and keeps the indexes consistent. Renames
// happen when the kernel renumbers partitions out from under the plan.
func (t *Tree) Rename(d *device.Device, newName string) error {
	if newName == d.Name() {
		return nil
	}
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "rename", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	if id, ok := t.names.Get(newName); ok && id != d.ID() {
		return &DeviceTreeError{Op: "rename", Name: d.Name(), Err: fmt.Errorf("name %q already used by device id=%d", newName, id)}
	}
	old := d.Name()
	if id, ok := t.names.Get(old); ok && id == d.ID() {
		t.names = t.names.Delete(old)
	}
	d.SetName(newName)
	if !t.hidden[d.ID()] {
		t.names = t.names.Set(newName, d.ID())
	}
	t.bus.Publish(blockplan.AttributeChanged{DeviceName: newName, Attribute: "name", Old: old, New: newName})
	return nil
}

// AddParent adds a parent edge between two devices already in the tree.
// Edge changes to in-tree devices go through here rather than the device
// methods, so observers see them.
func (t *Tree) AddParent(d, p *device.Device) error {
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "add-parent", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	if _, ok := t.devices[p.ID()]; !ok || t.hidden[p.ID()] {
		return &DeviceTreeError{Op: "add-parent", Name: d.Name(), Err: fmt.Errorf("parent %q not in tree", p.Name())}
	}
	if d.HasParent(p) {
		return nil
	}
	d.AddParent(p)
	t.logger.WithFields(logrus.Fields{
		"device": d.Name(),
		"parent": p.Name(),
	}).Debug("parent edge added")
	t.bus.Publish(blockplan.ParentAdded{DeviceName: d.Name(), ParentName: p.Name()})
	return nil
}

// RemoveParent drops a parent edge between two devices in the tree. A missing
// edge is not an error.
func (t *Tree) RemoveParent(d, p *device.Device) error {
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "remove-parent", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	if !d.HasParent(p) {
		return nil
	}
	d.RemoveParent(p)
	t.logger.WithFields(logrus.Fields{
		"device": d.Name(),
		"parent": p.Name(),
	}).Debug("parent edge removed")
	t.bus.Publish(blockplan.ParentRemoved{DeviceName: d.Name(), ParentName: p.Name()})
	return nil
}

// RegisterUUID records a UUID assigned during action execution so later adds
// collide correctly. It fails on a tree-wide collision.
func (t *Tree) RegisterUUID(d *device.Device) error {
	if d.UUID() == "" {
		return nil
	}
	if id, ok := t.uuids.Get(d.UUID()); ok && id != d.ID() {
		return &DuplicateUUIDError{UUID: d.UUID(), ExistingName: t.devices[id].Name(), NewName: d.Name()}
	}
	t.uuids = t.uuids.Set(d.UUID(), d.ID())
	return nil
}

// RecursiveRemove removes d and every transitive descendant, leaves first.
// When register is non-nil it is invoked for each device instead of removing
// it directly; the engine passes a callback that queues destroy actions, so
// the removal is itself subject to scheduling and can still be canceled
// before commit. With a nil register the devices are removed from the
// in-memory graph immediately.
func (t *Tree) RecursiveRemove(d *device.Device, register func(*device.Device) error) error {
	if _, ok := t.devices[d.ID()]; !ok {
		return &DeviceTreeError{Op: "recursive-remove", Name: d.Name(), Err: fmt.Errorf("device not in tree")}
	}
	victims := append(t.Descendants(d), d)
	// Descendants returns parents-before-children; removal wants the reverse.
	sort.SliceStable(victims, func(i, j int) bool { return depthOf(victims[i]) > depthOf(victims[j]) })

	for _, v := range victims {
		if register != nil {
			if err := register(v); err != nil {
				return err
			}
			continue
		}
		if err := t.Remove(v, true); err != nil {
			return err
		}
	}
	return nil
}

func depthOf(d *device.Device) int {
	max := 0
	for _, p := range d.Parents() {
		if n := depthOf(p) + 1; n > max {
			max = n
		}
	}
	return max
}
