package devices

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/superfly/blockplan/device"
)

// ThinPoolDriver drives dm-thin pools through dmsetup. A pool has exactly
// two parents, in order: the metadata device and the data device.
//
// Thin pools are the most fragile thing this package touches. Operating on a
// nearly-full pool or force-removing a busy pool can wedge the kernel in
// uninterruptible sleep, so Create refuses pools above the capacity
// threshold and Teardown uses a staged remove with udev synchronization.
type ThinPoolDriver struct {
	c *Client
}

// PoolCapacityThreshold is the data usage percentage above which the driver
// refuses to touch an existing pool.
const PoolCapacityThreshold = 70.0

const thinPoolSectorSize = 512

// dataBlockSize is the pool chunk size in sectors (64KiB).
const dataBlockSize = 128

// lowWaterMark is in blocks; the kernel emits a dm event when free space
// drops below it.
const lowWaterMark = 32768

func (d *ThinPoolDriver) devicesOf(dev *device.Device) (meta, data string, err error) {
	parents := dev.Parents()
	if len(parents) != 2 {
		return "", "", fmt.Errorf("thin pool %s needs exactly two parents (metadata, data), has %d", dev.Name(), len(parents))
	}
	return parents[0].Path(), parents[1].Path(), nil
}

func (d *ThinPoolDriver) Create(ctx context.Context, dev *device.Device) error {
	meta, data, err := d.devicesOf(dev)
	if err != nil {
		return err
	}
	sectors := dev.Size() / thinPoolSectorSize
	table := fmt.Sprintf("0 %d thin-pool %s %s %d %d", sectors, meta, data, dataBlockSize, lowWaterMark)
	_, err = d.c.run(ctx, 1*time.Minute, "", "dmsetup", "create", dev.Name(), "--table", table)
	return err
}

func (d *ThinPoolDriver) PostCreate(ctx context.Context, dev *device.Device) error {
	if dev.Path() == "" {
		dev.SetPath("/dev/mapper/" + dev.Name())
	}
	return nil
}

func (d *ThinPoolDriver) Destroy(ctx context.Context, dev *device.Device) error {
	return d.Teardown(ctx, dev)
}

func (d *ThinPoolDriver) Setup(ctx context.Context, dev *device.Device) error {
	meta, data, err := d.devicesOf(dev)
	if err != nil {
		return err
	}
	info, err := d.Status(ctx, dev.Name())
	if err == nil && info != nil {
		usedPercent := 0.0
		if info.TotalDataBlocks > 0 {
			usedPercent = float64(info.UsedDataBlocks) / float64(info.TotalDataBlocks) * 100.0
		}
		if usedPercent >= PoolCapacityThreshold {
			return &PoolFullError{PoolName: dev.Name(), UsedPercent: usedPercent, Threshold: PoolCapacityThreshold}
		}
		// Already active and healthy.
		return nil
	}
	sectors := dev.Size() / thinPoolSectorSize
	table := fmt.Sprintf("0 %d thin-pool %s %s %d %d", sectors, meta, data, dataBlockSize, lowWaterMark)
	_, err = d.c.run(ctx, 1*time.Minute, "", "dmsetup", "create", dev.Name(), "--table", table)
	return err
}

// Teardown deactivates the pool using a 2-stage fallback strategy:
// standard remove with udev sync first, then force remove. Both stages get
// short timeouts; a hang here usually means a kernel-side deadlock, and
// waiting longer only hides it.
func (d *ThinPoolDriver) Teardown(ctx context.Context, dev *device.Device) error {
	output, err := d.c.run(ctx, 10*time.Second, "", "dmsetup", "remove", "--verifyudev", dev.Name())
	if err == nil {
		return nil
	}
	if strings.Contains(output, "not found") || strings.Contains(output, "No such") {
		return nil
	}

	output, err = d.c.run(ctx, 10*time.Second, "", "dmsetup", "remove", "--verifyudev", "--force", dev.Name())
	if err == nil {
		return nil
	}
	if strings.Contains(output, "not found") || strings.Contains(output, "No such") {
		return nil
	}
	return fmt.Errorf("failed to deactivate thin pool %s (possible kernel deadlock): %w", dev.Name(), err)
}

func (d *ThinPoolDriver) Resize(ctx context.Context, dev *device.Device, targetSize int64) error {
	meta, data, err := d.devicesOf(dev)
	if err != nil {
		return err
	}
	sectors := targetSize / thinPoolSectorSize
	table := fmt.Sprintf("0 %d thin-pool %s %s %d %d", sectors, meta, data, dataBlockSize, lowWaterMark)
	if _, err := d.c.run(ctx, 30*time.Second, "", "dmsetup", "suspend", dev.Name()); err != nil {
		return err
	}
	if _, err := d.c.run(ctx, 30*time.Second, "", "dmsetup", "reload", dev.Name(), "--table", table); err != nil {
		// Resume regardless so the pool is not left suspended.
		d.c.run(ctx, 30*time.Second, "", "dmsetup", "resume", dev.Name())
		return err
	}
	_, err = d.c.run(ctx, 30*time.Second, "", "dmsetup", "resume", dev.Name())
	return err
}

// PoolInfo holds the parsed dmsetup status of a thin pool.
type PoolInfo struct {
	Name            string
	TransactionID   int64
	UsedMetaBlocks  int64
	TotalMetaBlocks int64
	UsedDataBlocks  int64
	TotalDataBlocks int64
	NeedsCheck      bool
}

// Status parses dmsetup status for a pool.
// Format: 0 <size> thin-pool <tid> <used_meta>/<total_meta> <used_data>/<total_data> ...
func (d *ThinPoolDriver) Status(ctx context.Context, poolName string) (*PoolInfo, error) {
	output, err := d.c.run(ctx, 10*time.Second, "", "dmsetup", "status", poolName)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(output)
	if len(parts) < 6 || parts[2] != "thin-pool" {
		return nil, fmt.Errorf("unexpected pool status for %s: %s", poolName, strings.TrimSpace(output))
	}

	info := &PoolInfo{
		Name:       poolName,
		NeedsCheck: strings.Contains(output, "needs_check"),
	}
	if tid, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
		info.TransactionID = tid
	}
	if metaParts := strings.Split(parts[4], "/"); len(metaParts) == 2 {
		info.UsedMetaBlocks, _ = strconv.ParseInt(metaParts[0], 10, 64)
		info.TotalMetaBlocks, _ = strconv.ParseInt(metaParts[1], 10, 64)
	}
	if dataParts := strings.Split(parts[5], "/"); len(dataParts) == 2 {
		info.UsedDataBlocks, _ = strconv.ParseInt(dataParts[0], 10, 64)
		info.TotalDataBlocks, _ = strconv.ParseInt(dataParts[1], 10, 64)
	}
	return info, nil
}

// PoolFullError is returned when a pool is above the capacity threshold.
type PoolFullError struct {
	PoolName    string
	UsedPercent float64
	Threshold   float64
}

func (e *PoolFullError) Error() string {
	return fmt.Sprintf("thin pool %q is %.1f%% full (threshold: %.0f%%)", e.PoolName, e.UsedPercent, e.Threshold)
}

// IsPoolFullError checks if an error is a PoolFullError.
func IsPoolFullError(err error) bool {
	_, ok := err.(*PoolFullError)
	return ok
}
