package action

import (
	"context"
	"testing"

	"github.com/superfly/blockplan/device"
)

// fakeGraph records membership the way the device tree would, without
// pulling the tree package in.
type fakeGraph struct {
	members map[int64]bool
	uuids   map[string]int64
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{members: make(map[int64]bool), uuids: make(map[string]int64)}
}

func (g *fakeGraph) Add(d *device.Device) error {
	g.members[d.ID()] = true
	return nil
}

func (g *fakeGraph) Remove(d *device.Device, force bool) error {
	delete(g.members, d.ID())
	return nil
}

func (g *fakeGraph) RegisterUUID(d *device.Device) error {
	if d.UUID() != "" {
		g.uuids[d.UUID()] = d.ID()
	}
	return nil
}

func TestCancelInvertsApplyCreateDevice(t *testing.T) {
	g := newFakeGraph()
	d := device.MustNew(device.Config{Kind: device.Disk, Name: "vda"})

	a, err := NewCreateDevice(g, d)
	if err != nil {
		t.Fatalf("NewCreateDevice: %v", err)
	}
	if err := a.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !g.members[d.ID()] {
		t.Fatal("apply should add the device to the graph")
	}
	if a.Status() != StatusApplied {
		t.Fatalf("status = %s, want applied", a.Status())
	}
	if err := a.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if g.members[d.ID()] {
		t.Fatal("cancel should remove the device again")
	}
	if a.Status() != StatusPending {
		t.Fatalf("status = %s, want pending", a.Status())
	}
}

func TestCancelInvertsApplyFormatActions(t *testing.T) {
	g := newFakeGraph()
	d := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda"})
	orig, _ := device.NewFormat(device.FormatExt4, "/dev/vda")
	orig.SetExists(true)
	d.SetFormat(orig)

	next, _ := device.NewFormat(device.FormatXFS, "/dev/vda")
	a, err := NewCreateFormat(g, d, next)
	if err != nil {
		t.Fatalf("NewCreateFormat: %v", err)
	}
	if err := a.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if d.Format() != next {
		t.Fatal("apply should install the planned format")
	}
	if err := a.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if d.Format() != orig {
		t.Fatal("cancel should restore the displaced format")
	}

	wipe, err := NewDestroyFormat(g, d)
	if err != nil {
		t.Fatalf("NewDestroyFormat: %v", err)
	}
	if err := wipe.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !d.Format().IsNone() {
		t.Fatal("apply of destroy-format should leave the no-format sentinel")
	}
	if err := wipe.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if d.Format() != orig {
		t.Fatal("cancel of destroy-format should restore the original")
	}
}

func TestCancelInvertsApplyResize(t *testing.T) {
	g := newFakeGraph()
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Size: 100, Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Size: 10, Parents: []*device.Device{disk}, Exists: true})

	a, err := NewResizeDevice(g, part, 20)
	if err != nil {
		t.Fatalf("NewResizeDevice: %v", err)
	}
	if err := a.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if part.Size() != 20 {
		t.Fatalf("size = %d after apply, want 20", part.Size())
	}
	if err := a.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if part.Size() != 10 {
		t.Fatalf("size = %d after cancel, want 10", part.Size())
	}
}

func TestStateMachineRejectsBadTransitions(t *testing.T) {
	g := newFakeGraph()
	d := device.MustNew(device.Config{Kind: device.Disk, Name: "vda"})
	a, _ := NewCreateDevice(g, d)

	if err := a.Cancel(); err == nil {
		t.Fatal("cancel of a pending action should fail")
	}
	if err := a.Execute(context.Background(), device.NewRegistry()); err == nil {
		t.Fatal("execute of a pending action should fail")
	}
	if err := a.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := a.Apply(); err == nil {
		t.Fatal("double apply should fail")
	}
}

func TestConstructorValidation(t *testing.T) {
	g := newFakeGraph()
	existing := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Exists: true})
	if _, err := NewCreateDevice(g, existing); err == nil {
		t.Fatal("create of an existing device should fail")
	}

	protected := device.MustNew(device.Config{Kind: device.Disk, Name: "vdb", Exists: true, Protected: true})
	if _, err := NewDestroyDevice(g, protected); err == nil {
		t.Fatal("destroy of a protected device should fail")
	}

	if _, err := NewResizeDevice(g, existing, 10); err == nil {
		t.Fatal("resize of a non-resizable kind should fail")
	}

	swap, _ := device.NewFormat(device.FormatSwap, "/dev/vda")
	existing.SetFormat(swap)
	if _, err := NewResizeFormat(g, existing, 10); err == nil {
		t.Fatal("resize of a non-resizable format should fail")
	}
}

func TestObsoletes(t *testing.T) {
	g := newFakeGraph()
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Parents: []*device.Device{disk}})

	create, _ := NewCreateDevice(g, part)
	fmtA, _ := device.NewFormat(device.FormatExt4, "/dev/vda1")
	mkA, _ := NewCreateFormat(g, part, fmtA)
	fmtB, _ := device.NewFormat(device.FormatXFS, "/dev/vda1")
	mkB, _ := NewCreateFormat(g, part, fmtB)
	destroy, _ := NewDestroyDevice(g, part)

	if !mkB.Obsoletes(mkA) {
		t.Fatal("later create-format should obsolete the earlier one")
	}
	if mkA.Obsoletes(mkB) {
		t.Fatal("earlier action must not obsolete a later one")
	}

	if !destroy.Obsoletes(create) || !destroy.Obsoletes(mkA) || !destroy.Obsoletes(mkB) {
		t.Fatal("destroy-device should obsolete every earlier action on the device")
	}
	if !destroy.Obsoletes(destroy) {
		t.Fatal("destroy of a never-existing device should obsolete itself")
	}

	destroyDisk, _ := NewDestroyDevice(g, disk)
	if destroyDisk.Obsoletes(destroyDisk) {
		t.Fatal("destroy of an existing device must not obsolete itself")
	}
	if destroyDisk.Obsoletes(create) {
		t.Fatal("obsolescence never crosses devices")
	}
}

func TestObsoletesResize(t *testing.T) {
	g := newFakeGraph()
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Size: 100, Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Size: 10, Parents: []*device.Device{disk}, Exists: true})

	r1, _ := NewResizeDevice(g, part, 20)
	r2, _ := NewResizeDevice(g, part, 30)
	if !r2.Obsoletes(r1) {
		t.Fatal("later resize should obsolete the earlier one")
	}
	if r1.Obsoletes(r2) {
		t.Fatal("earlier resize must not obsolete a later one")
	}
}

func TestRequires(t *testing.T) {
	g := newFakeGraph()
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda", Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Parents: []*device.Device{disk}})

	label, _ := device.NewFormat(device.FormatDisklabel, "/dev/vda")
	mkLabel, _ := NewCreateFormat(g, disk, label)
	mkPart, _ := NewCreateDevice(g, part)
	fs, _ := device.NewFormat(device.FormatExt4, "/dev/vda1")
	mkFS, _ := NewCreateFormat(g, part, fs)

	if !mkPart.Requires(mkLabel) {
		t.Fatal("partition create should require the disk's disklabel create")
	}
	if !mkFS.Requires(mkPart) {
		t.Fatal("format create should require the device create")
	}
	if mkLabel.Requires(mkPart) || mkPart.Requires(mkFS) {
		t.Fatal("requirement edges must not run backwards")
	}
}

func TestRequiresDestroyOrder(t *testing.T) {
	g := newFakeGraph()
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Parents: []*device.Device{disk}, Exists: true})
	vg := device.MustNew(device.Config{Kind: device.LVMVolumeGroup, Name: "vg0", Parents: []*device.Device{part}, Exists: true})

	rmVG, _ := NewDestroyDevice(g, vg)
	rmPartFmt, _ := NewDestroyFormat(g, part)
	rmPart, _ := NewDestroyDevice(g, part)

	if !rmPart.Requires(rmVG) {
		t.Fatal("destroying a device should require destroying what sits on it")
	}
	if !rmPart.Requires(rmPartFmt) {
		t.Fatal("destroying a device should require destroying its format first")
	}
	if !rmPartFmt.Requires(rmVG) {
		t.Fatal("destroying a hosting format should require destroying hosted devices")
	}
}
