package engine

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/events"
	"github.com/superfly/blockplan/kstate"
	"github.com/superfly/blockplan/safeguards"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeDriver struct {
	ops *[]string
}

func (d *fakeDriver) Create(ctx context.Context, dev *device.Device) error {
	*d.ops = append(*d.ops, "create "+dev.Name())
	return nil
}

func (d *fakeDriver) Destroy(ctx context.Context, dev *device.Device) error {
	*d.ops = append(*d.ops, "destroy "+dev.Name())
	return nil
}

func (d *fakeDriver) Setup(ctx context.Context, dev *device.Device) error    { return nil }
func (d *fakeDriver) Teardown(ctx context.Context, dev *device.Device) error { return nil }

type fakeFormatDriver struct {
	ops *[]string
}

func (d *fakeFormatDriver) Create(ctx context.Context, f *device.Format) error {
	*d.ops = append(*d.ops, "mkfmt "+string(f.Type)+" "+f.DevicePath)
	return nil
}

func (d *fakeFormatDriver) Destroy(ctx context.Context, f *device.Format) error {
	*d.ops = append(*d.ops, "rmfmt "+string(f.Type)+" "+f.DevicePath)
	return nil
}

func (d *fakeFormatDriver) Setup(ctx context.Context, f *device.Format) error    { return nil }
func (d *fakeFormatDriver) Teardown(ctx context.Context, f *device.Format) error { return nil }

const sampleLsblk = `{
  "blockdevices": [
    {
      "name": "vda", "path": "/dev/vda", "type": "disk", "size": 107374182400,
      "fstype": null, "uuid": null, "label": null, "mountpoint": null, "pkname": null, "ro": false,
      "children": [
        {"name": "vda1", "path": "/dev/vda1", "type": "part", "size": 536870912,
         "fstype": "ext4", "uuid": "aaaa-1111", "label": "boot", "mountpoint": "/boot", "pkname": "vda", "ro": false},
        {"name": "vda2", "path": "/dev/vda2", "type": "part", "size": 106837311488,
         "fstype": "LVM2_member", "uuid": "bbbb-2222", "label": null, "mountpoint": null, "pkname": "vda", "ro": false,
         "children": [
           {"name": "vg0-root", "path": "/dev/mapper/vg0-root", "type": "lvm", "size": 53687091200,
            "fstype": "xfs", "uuid": "cccc-3333", "label": null, "mountpoint": null, "pkname": "vda2", "ro": false}
         ]}
      ]
    },
    {"name": "vdb", "path": "/dev/vdb", "type": "disk", "size": 10737418240,
     "fstype": null, "uuid": null, "label": null, "mountpoint": null, "pkname": null, "ro": false}
  ]
}`

type fixture struct {
	session *Session
	catalog *kstate.Catalog
	ops     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{}
	dev := &fakeDriver{ops: &fx.ops}
	fmtDrv := &fakeFormatDriver{ops: &fx.ops}
	reg := device.NewRegistry()
	for _, k := range []device.Kind{device.Disk, device.Partition, device.MDArray,
		device.LVMVolumeGroup, device.LVMLogicalVolume, device.LUKSMapping, device.ThinPool, device.Loop} {
		reg.RegisterDevice(k, dev)
	}
	for _, ft := range []device.FormatType{device.FormatExt4, device.FormatXFS, device.FormatSwap,
		device.FormatLUKS, device.FormatLVMPV, device.FormatMDMember, device.FormatDisklabel} {
		reg.RegisterFormat(ft, fmtDrv)
	}

	catalog, err := kstate.NewCatalog(testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	catalog.SetScanner(func(ctx context.Context) ([]byte, error) {
		return []byte(sampleLsblk), nil
	})

	s, err := New(Config{
		Logger:   testLogger(),
		Registry: reg,
		Catalog:  catalog,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.session = s
	fx.catalog = catalog
	return fx
}

func TestScanBuildsTree(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	tree := fx.session.Tree()
	if tree.Len() != 5 {
		t.Fatalf("tree has %d devices, want 5", tree.Len())
	}

	boot := tree.GetByName("vda1")
	if boot == nil || boot.Format().Type != device.FormatExt4 || !boot.Format().Exists() {
		t.Fatalf("vda1 = %v, want existing ext4 partition", boot)
	}
	if !boot.Protected() {
		t.Fatal("mounted partition must be protected")
	}

	root := tree.GetByName("vg0-root")
	if root == nil || root.Kind() != device.LVMLogicalVolume {
		t.Fatalf("vg0-root = %v, want logical volume", root)
	}
	if len(root.Parents()) != 1 || root.Parents()[0].Name() != "vda2" {
		t.Fatal("vg0-root should be parented on vda2")
	}

	// A disk with partitions carries an implicit partition table.
	vda := tree.GetByName("vda")
	if !vda.Format().IsDisklabel() || !vda.Format().Exists() {
		t.Fatalf("vda format = %v, want existing disklabel", vda.Format())
	}
	if vdb := tree.GetByName("vdb"); !vdb.Format().IsNone() {
		t.Fatalf("blank disk format = %v, want none", vdb.Format())
	}
}

func TestScanRefusesPopulatedSession(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := fx.session.Scan(context.Background()); err == nil {
		t.Fatal("second scan over a populated session should be refused")
	}
}

func TestStageAndCommit(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if _, err := fx.session.FormatDevice("vdb", device.FormatDisklabel, ""); err != nil {
		t.Fatalf("FormatDevice: %v", err)
	}
	vdb := fx.session.Tree().GetByName("vdb")
	part, err := fx.session.CreateDevice(device.Config{
		Kind:    device.Partition,
		Name:    "vdb1",
		Path:    "/dev/vdb1",
		Size:    1 << 30,
		Parents: []*device.Device{vdb},
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if _, err := fx.session.FormatDevice("vdb1", device.FormatExt4, "data"); err != nil {
		t.Fatalf("FormatDevice: %v", err)
	}
	if len(fx.ops) != 0 {
		t.Fatalf("staging must not touch drivers, got %v", fx.ops)
	}

	report, err := fx.session.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !report.OK || len(report.Executed) != 3 {
		t.Fatalf("report = %+v, want 3 executed actions", report)
	}

	want := []string{"mkfmt disklabel /dev/vdb", "create vdb1", "mkfmt ext4 /dev/vdb1"}
	if len(fx.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", fx.ops, want)
	}
	for i := range want {
		if fx.ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full: %v)", i, fx.ops[i], want[i], fx.ops)
		}
	}
	if !part.Exists() {
		t.Fatal("committed partition should exist")
	}
	if len(fx.session.Actions()) != 0 {
		t.Fatal("successful commit should empty the pending list")
	}
}

func TestCommitReentryRefused(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := fx.session.FormatDevice("vdb", device.FormatExt4, ""); err != nil {
		t.Fatalf("FormatDevice: %v", err)
	}

	// Subscribers run synchronously mid-commit; one that tries to commit
	// again must fail fast instead of deadlocking.
	var reentry error
	fx.session.Bus().SubscribeTopic("action-executed", func(blockplan.Event) {
		_, reentry = fx.session.Commit(context.Background())
	})

	if _, err := fx.session.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !errors.Is(reentry, safeguards.ErrCommitInProgress) {
		t.Fatalf("re-entrant commit error = %v, want ErrCommitInProgress", reentry)
	}
}

func TestDestroyRecursiveStagesLeavesFirst(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	// vda1 is mounted, so take down only the LVM branch.
	if err := fx.session.DestroyRecursive("vda2"); err != nil {
		t.Fatalf("DestroyRecursive: %v", err)
	}
	if fx.session.Tree().GetByName("vg0-root") != nil {
		t.Fatal("staged destroy should remove the LV from the tree")
	}

	report, err := fx.session.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !report.OK {
		t.Fatalf("report = %+v", report)
	}

	want := []string{
		"rmfmt xfs /dev/mapper/vg0-root",
		"destroy vg0-root",
		"rmfmt lvmpv /dev/vda2",
		"destroy vda2",
	}
	if len(fx.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", fx.ops, want)
	}
	for i := range want {
		if fx.ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full: %v)", i, fx.ops[i], want[i], fx.ops)
		}
	}
}

func TestDestroyRecursiveLeavesSharedParents(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree := fx.session.Tree()

	// A volume group spanning two PV disks, with one logical volume on top.
	pv := func(name string) *device.Device {
		f, _ := device.NewFormat(device.FormatLVMPV, "/dev/"+name)
		f.SetExists(true)
		d := device.MustNew(device.Config{
			Kind: device.Disk, Name: name, Path: "/dev/" + name, Exists: true, Format: f,
		})
		if err := tree.Add(d); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		return d
	}
	vdc := pv("vdc")
	vdd := pv("vdd")

	vg := device.MustNew(device.Config{
		Kind: device.LVMVolumeGroup, Name: "vg1", Path: "/dev/vg1", Exists: true,
		Parents: []*device.Device{vdc, vdd},
	})
	if err := tree.Add(vg); err != nil {
		t.Fatalf("add vg1: %v", err)
	}
	lvFS, _ := device.NewFormat(device.FormatXFS, "/dev/vg1/data")
	lvFS.SetExists(true)
	lv := device.MustNew(device.Config{
		Kind: device.LVMLogicalVolume, Name: "vg1-data", Path: "/dev/vg1/data", Exists: true,
		Parents: []*device.Device{vg}, Format: lvFS,
	})
	if err := tree.Add(lv); err != nil {
		t.Fatalf("add vg1-data: %v", err)
	}

	if err := fx.session.DestroyRecursive("vg1"); err != nil {
		t.Fatalf("DestroyRecursive: %v", err)
	}

	// The container and its LV leave the tree; the member disks are parents,
	// not descendants, and keep their PV formats.
	if tree.GetByName("vg1") != nil || tree.GetByName("vg1-data") != nil {
		t.Fatal("staged destroy should remove the VG and its LV from the tree")
	}
	for _, d := range []*device.Device{vdc, vdd} {
		if tree.GetByName(d.Name()) == nil {
			t.Fatalf("PV disk %s should survive the recursive destroy", d.Name())
		}
		if d.Format().Type != device.FormatLVMPV || !d.Format().Exists() {
			t.Fatalf("%s format = %v, want untouched lvmpv", d.Name(), d.Format())
		}
	}

	report, err := fx.session.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !report.OK {
		t.Fatalf("report = %+v", report)
	}

	want := []string{
		"rmfmt xfs /dev/vg1/data",
		"destroy vg1-data",
		"destroy vg1",
	}
	if len(fx.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", fx.ops, want)
	}
	for i := range want {
		if fx.ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full: %v)", i, fx.ops[i], want[i], fx.ops)
		}
	}
}

func TestDestroyRecursiveRefusesProtected(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := fx.session.DestroyRecursive("vda"); err == nil {
		t.Fatal("destroying a stack with a mounted partition should fail")
	}
}

func TestCancelAllRestoresTree(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	before := fx.session.Tree().Len()

	vdb := fx.session.Tree().GetByName("vdb")
	if _, err := fx.session.CreateDevice(device.Config{
		Kind: device.Partition, Name: "vdb1", Parents: []*device.Device{vdb},
	}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := fx.session.DestroyRecursive("vda2"); err != nil {
		t.Fatalf("DestroyRecursive: %v", err)
	}

	if err := fx.session.CancelAll(); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if got := fx.session.Tree().Len(); got != before {
		t.Fatalf("tree has %d devices after cancel, want %d", got, before)
	}
	if fx.session.Tree().GetByName("vg0-root") == nil {
		t.Fatal("canceled destroy should restore the LV")
	}
	if fx.session.Tree().GetByName("vdb1") != nil {
		t.Fatal("canceled create should remove the partition")
	}
}

func TestCorrelateMatchesPendingActions(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	vdb := fx.session.Tree().GetByName("vdb")
	if _, err := fx.session.CreateDevice(device.Config{
		Kind: device.Partition, Name: "vdb1", Path: "/dev/vdb1", Parents: []*device.Device{vdb},
	}); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	if !fx.session.Correlate(events.Event{Action: events.ActionAdd, DeviceName: "vdb1"}) {
		t.Fatal("event for a staged device should correlate")
	}
	if !fx.session.Correlate(events.Event{Action: events.ActionAdd, SysfsPath: "/sys/block/vdb/vdb1"}) {
		t.Fatal("sysfs path should correlate via the device node")
	}
	if fx.session.Correlate(events.Event{Action: events.ActionAdd, DeviceName: "sdz"}) {
		t.Fatal("unrelated event should not correlate")
	}
}
