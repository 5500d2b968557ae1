package devices

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan/device"
)

func testClient() (*Client, *[]string) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	c := NewClient(l)
	var calls []string
	c.execute = func(ctx context.Context, stdin, name string, args ...string) (string, error) {
		call := name + " " + strings.Join(args, " ")
		if stdin != "" {
			call += " <<< " + strings.TrimSpace(stdin)
		}
		calls = append(calls, call)
		return "", nil
	}
	return c, &calls
}

func TestPartitionNumber(t *testing.T) {
	cases := []struct {
		name string
		want int
		ok   bool
	}{
		{"vda1", 1, true},
		{"nvme0n1p3", 3, true},
		{"sdb12", 12, true},
		{"vda", 0, false},
	}
	for _, tc := range cases {
		got, err := partitionNumber(tc.name)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("partitionNumber(%q) = %d, %v; want %d", tc.name, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("partitionNumber(%q) should fail", tc.name)
		}
	}
}

func TestPartitionCreateAppendsAndProbes(t *testing.T) {
	c, calls := testClient()
	d := &PartitionDriver{c: c}
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda", Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Size: 512 * 2048, Parents: []*device.Device{disk}})

	if err := d.Create(context.Background(), part); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("calls = %v, want sfdisk then partprobe", *calls)
	}
	if (*calls)[0] != "sfdisk --append /dev/vda <<< ,2048," {
		t.Fatalf("sfdisk call = %q", (*calls)[0])
	}
	if (*calls)[1] != "partprobe /dev/vda" {
		t.Fatalf("partprobe call = %q", (*calls)[1])
	}
}

func TestPartitionPostCreateAssignsPath(t *testing.T) {
	d := &PartitionDriver{}
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda", Exists: true})
	part := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Parents: []*device.Device{disk}})

	if err := d.PostCreate(context.Background(), part); err != nil {
		t.Fatalf("PostCreate: %v", err)
	}
	if part.Path() != "/dev/vda1" {
		t.Fatalf("path = %q, want /dev/vda1", part.Path())
	}
}

func TestLVCreateUsesVGName(t *testing.T) {
	c, calls := testClient()
	d := &LVDriver{c: c}
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda", Exists: true})
	pv := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Path: "/dev/vda1", Parents: []*device.Device{disk}, Exists: true})
	vg := device.MustNew(device.Config{Kind: device.LVMVolumeGroup, Name: "vg0", Parents: []*device.Device{pv}, Exists: true})
	lv := device.MustNew(device.Config{Kind: device.LVMLogicalVolume, Name: "root", Size: 1 << 30, Parents: []*device.Device{vg}})

	if err := d.Create(context.Background(), lv); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if (*calls)[0] != "lvcreate -n root -L 1073741824b -y vg0" {
		t.Fatalf("lvcreate call = %q", (*calls)[0])
	}

	if err := d.PostCreate(context.Background(), lv); err != nil {
		t.Fatalf("PostCreate: %v", err)
	}
	if lv.Path() != "/dev/vg0/root" {
		t.Fatalf("lv path = %q", lv.Path())
	}
}

func TestThinPoolStatusParsing(t *testing.T) {
	c, _ := testClient()
	c.execute = func(ctx context.Context, stdin, name string, args ...string) (string, error) {
		return "0 2097152 thin-pool 5 10/2048 1024/16384 - rw discard_passdown queue_if_no_space - ", nil
	}
	d := &ThinPoolDriver{c: c}

	info, err := d.Status(context.Background(), "pool0")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.TransactionID != 5 {
		t.Fatalf("transaction id = %d", info.TransactionID)
	}
	if info.UsedMetaBlocks != 10 || info.TotalMetaBlocks != 2048 {
		t.Fatalf("meta blocks = %d/%d", info.UsedMetaBlocks, info.TotalMetaBlocks)
	}
	if info.UsedDataBlocks != 1024 || info.TotalDataBlocks != 16384 {
		t.Fatalf("data blocks = %d/%d", info.UsedDataBlocks, info.TotalDataBlocks)
	}
	if info.NeedsCheck {
		t.Fatal("healthy pool should not report needs_check")
	}
}

func TestThinPoolTeardownFallsBackToForce(t *testing.T) {
	c, _ := testClient()
	var calls []string
	c.execute = func(ctx context.Context, stdin, name string, args ...string) (string, error) {
		calls = append(calls, name+" "+strings.Join(args, " "))
		if len(calls) == 1 {
			return "device busy", errors.New("exit status 1")
		}
		return "", nil
	}
	d := &ThinPoolDriver{c: c}
	disk := device.MustNew(device.Config{Kind: device.Disk, Name: "vda", Path: "/dev/vda", Exists: true})
	meta := device.MustNew(device.Config{Kind: device.Partition, Name: "vda1", Path: "/dev/vda1", Parents: []*device.Device{disk}, Exists: true})
	data := device.MustNew(device.Config{Kind: device.Partition, Name: "vda2", Path: "/dev/vda2", Parents: []*device.Device{disk}, Exists: true})
	pool := device.MustNew(device.Config{Kind: device.ThinPool, Name: "pool0", Size: 1 << 30, Parents: []*device.Device{meta, data}, Exists: true})

	if err := d.Teardown(context.Background(), pool); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want standard then force remove", calls)
	}
	if !strings.Contains(calls[1], "--force") {
		t.Fatalf("second call = %q, want force remove", calls[1])
	}
}

func TestRegisterAllCoversKnownKinds(t *testing.T) {
	c, _ := testClient()
	reg := device.NewRegistry()
	RegisterAll(reg, c)

	for _, k := range []device.Kind{
		device.Disk, device.Partition, device.MDArray, device.LVMVolumeGroup,
		device.LVMLogicalVolume, device.LUKSMapping, device.ThinPool, device.Loop,
	} {
		if _, err := reg.DeviceDriver(k); err != nil {
			t.Fatalf("no driver registered for %s: %v", k, err)
		}
	}
}
