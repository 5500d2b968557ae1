package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/kstate"
)

// kindOf maps an lsblk TYPE to a device kind. Unknown types are skipped
// during scan rather than failing the whole bootstrap.
func kindOf(row *kstate.BlockDevice) (device.Kind, bool) {
	switch row.Type {
	case "disk":
		return device.Disk, true
	case "part":
		return device.Partition, true
	case "lvm":
		return device.LVMLogicalVolume, true
	case "crypt":
		return device.LUKSMapping, true
	case "loop":
		return device.Loop, true
	}
	if len(row.Type) > 4 && row.Type[:4] == "raid" {
		return device.MDArray, true
	}
	return "", false
}

// formatOf maps an lsblk FSTYPE to a format type. Content the engine has no
// driver for is reported as unformatted.
func formatOf(fstype string) device.FormatType {
	switch fstype {
	case "ext4":
		return device.FormatExt4
	case "xfs":
		return device.FormatXFS
	case "swap":
		return device.FormatSwap
	case "crypto_LUKS":
		return device.FormatLUKS
	case "LVM2_member":
		return device.FormatLVMPV
	case "linux_raid_member":
		return device.FormatMDMember
	}
	return device.FormatNone
}

// Scan rebuilds the device tree from the kernel-state catalog. Existing
// staged actions survive a scan only if the tree is empty; scanning over a
// populated session is refused so staged work is never silently discarded.
func (s *Session) Scan(ctx context.Context) error {
	if s.catalog == nil {
		return fmt.Errorf("engine: no kernel-state catalog configured")
	}
	if s.tree.Len() > 0 || s.list.Len() > 0 {
		return fmt.Errorf("engine: scan requires an empty session")
	}
	if err := s.catalog.Refresh(ctx); err != nil {
		return err
	}

	rows, err := s.catalog.All()
	if err != nil {
		return err
	}

	// Rows come in arbitrary order; admit a row only once its parent is in
	// the tree, looping to a fixed point. A row of unknown type is skipped,
	// and so is anything stacked on it.
	skipped := make(map[string]bool)
	pending := rows
	for len(pending) > 0 {
		var stuck []*kstate.BlockDevice
		progressed := false
		for _, row := range pending {
			kind, ok := kindOf(row)
			if !ok || skipped[row.Parent] {
				s.logger.WithFields(logrus.Fields{
					"device": row.Name,
					"type":   row.Type,
				}).Debug("skipping device of unknown type")
				skipped[row.Name] = true
				progressed = true
				continue
			}
			var parents []*device.Device
			if row.Parent != "" {
				p := s.tree.GetByName(row.Parent)
				if p == nil {
					stuck = append(stuck, row)
					continue
				}
				parents = []*device.Device{p}
			}
			if err := s.addScanned(row, kind, parents); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(stuck))
			for _, row := range stuck {
				names = append(names, row.Name)
			}
			return fmt.Errorf("engine: scan could not place devices %v (missing parents)", names)
		}
		pending = stuck
	}

	s.logger.WithField("devices", s.tree.Len()).Info("scan complete")
	return nil
}

func (s *Session) addScanned(row *kstate.BlockDevice, kind device.Kind, parents []*device.Device) error {
	d, err := device.New(device.Config{
		Kind:    kind,
		Name:    row.Name,
		UUID:    row.UUID,
		Path:    row.Path,
		Size:    row.Size,
		Exists:  true,
		Parents: parents,
	})
	if err != nil {
		return err
	}
	if row.Mountpoint != "" || row.ReadOnly {
		d.SetProtected(true)
	}
	if ft := formatOf(row.FSType); ft != device.FormatNone {
		f, err := device.NewFormat(ft, row.Path)
		if err != nil {
			return err
		}
		f.UUID = row.UUID
		f.Label = row.Label
		f.CurrentSize = row.Size
		f.SetExists(true)
		d.SetFormat(f)
	}
	if err := s.tree.Add(d); err != nil {
		return err
	}
	// A disk that hosts partitions necessarily carries a partition table.
	if kind == device.Partition && len(parents) > 0 {
		disk := parents[0]
		if disk.Kind() == device.Disk && disk.Format().IsNone() {
			label, err := device.NewFormat(device.FormatDisklabel, disk.Path())
			if err != nil {
				return err
			}
			label.SetExists(true)
			disk.SetFormat(label)
		}
	}
	return nil
}
