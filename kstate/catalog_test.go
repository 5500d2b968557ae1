package kstate

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// sampleLsblk is a trimmed capture of lsblk -J -b on a machine with one
// partitioned disk carrying LVM and one blank disk.
const sampleLsblk = `{
  "blockdevices": [
    {
      "name": "vda", "path": "/dev/vda", "type": "disk", "size": 107374182400,
      "fstype": null, "uuid": null, "label": null, "mountpoint": null, "pkname": null, "ro": false,
      "children": [
        {
          "name": "vda1", "path": "/dev/vda1", "type": "part", "size": 1073741824,
          "fstype": "ext4", "uuid": "0b0e6d7c-6f3b-4a6e-9a5e-111111111111",
          "label": "boot", "mountpoint": "/boot", "pkname": "vda", "ro": false
        },
        {
          "name": "vda2", "path": "/dev/vda2", "type": "part", "size": 106298245120,
          "fstype": "LVM2_member", "uuid": "pv-2222", "label": null,
          "mountpoint": null, "pkname": "vda", "ro": false,
          "children": [
            {
              "name": "vg0-root", "path": "/dev/mapper/vg0-root", "type": "lvm",
              "size": 53687091200, "fstype": "xfs", "uuid": "3c3c3c3c-root",
              "label": null, "mountpoint": "/", "pkname": "vda2", "ro": false
            }
          ]
        }
      ]
    },
    {
      "name": "vdb", "path": "/dev/vdb", "type": "disk", "size": 53687091200,
      "fstype": null, "uuid": null, "label": null, "mountpoint": null, "pkname": null, "ro": false
    }
  ]
}`

func newLoadedCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(testLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if err := c.Load([]byte(sampleLsblk)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestLoadFlattensTree(t *testing.T) {
	c := newLoadedCatalog(t)
	all, err := c.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("catalog rows = %d, want 5", len(all))
	}
}

func TestLookups(t *testing.T) {
	c := newLoadedCatalog(t)

	row, err := c.ByName("vda1")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if row == nil || row.FSType != "ext4" || row.Parent != "vda" {
		t.Fatalf("ByName(vda1) = %+v", row)
	}

	row, err = c.ByPath("/dev/mapper/vg0-root")
	if err != nil {
		t.Fatalf("ByPath: %v", err)
	}
	if row == nil || row.Type != "lvm" {
		t.Fatalf("ByPath = %+v", row)
	}

	rows, err := c.ByUUID("0b0e6d7c-6f3b-4a6e-9a5e-111111111111")
	if err != nil {
		t.Fatalf("ByUUID: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "vda1" {
		t.Fatalf("ByUUID = %+v", rows)
	}

	missing, err := c.ByName("sdz")
	if err != nil {
		t.Fatalf("ByName miss: %v", err)
	}
	if missing != nil {
		t.Fatalf("ByName miss = %+v, want nil", missing)
	}
}

func TestChildrenAndTypes(t *testing.T) {
	c := newLoadedCatalog(t)

	kids, err := c.ChildrenOf("vda")
	if err != nil {
		t.Fatalf("ChildrenOf: %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("children of vda = %d, want 2", len(kids))
	}

	disks, err := c.ByType("disk")
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(disks) != 2 {
		t.Fatalf("disks = %d, want 2", len(disks))
	}
}

func TestInUse(t *testing.T) {
	c := newLoadedCatalog(t)

	mounted, _ := c.ByName("vda1")
	if !mounted.InUse(c) {
		t.Fatal("mounted partition should be in use")
	}
	hosting, _ := c.ByName("vda2")
	if !hosting.InUse(c) {
		t.Fatal("partition hosting an LV should be in use")
	}
	blank, _ := c.ByName("vdb")
	if blank.InUse(c) {
		t.Fatal("blank disk should not be in use")
	}
}

func TestRefreshReplacesState(t *testing.T) {
	c := newLoadedCatalog(t)

	c.SetScanner(func(context.Context) ([]byte, error) {
		return []byte(`{"blockdevices":[{"name":"vdz","path":"/dev/vdz","type":"disk","size":1024,"ro":false}]}`), nil
	})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	all, _ := c.All()
	if len(all) != 1 || all[0].Name != "vdz" {
		t.Fatalf("catalog after refresh = %+v, want only vdz", all)
	}
}

func TestRefreshScanFailureKeepsOldState(t *testing.T) {
	c := newLoadedCatalog(t)
	c.SetScanner(func(context.Context) ([]byte, error) {
		return nil, errors.New("lsblk exploded")
	})
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh should surface the scan failure")
	}
	all, _ := c.All()
	if len(all) != 5 {
		t.Fatalf("failed refresh must keep old state, rows = %d", len(all))
	}
}
