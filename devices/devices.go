// Package devices implements the device drivers: wrappers around sfdisk,
// lvm, mdadm, cryptsetup, losetup, and dmsetup that realize each device kind.
//
// Each driver satisfies device.Driver. Create brings the OS object into
// existence, Destroy removes it, Setup/Teardown activate and deactivate it.
// Drivers never touch the model beyond what the optional post hooks record
// (device node paths the kernel assigned); bookkeeping stays with the
// actions.
package devices

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan/device"
)

// Client runs the external storage tools and serializes topology-changing
// operations per process.
type Client struct {
	logger logrus.FieldLogger
	mu     sync.Mutex

	// execute is swapped out by tests; production uses real commands.
	execute func(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// NewClient creates a client. logger may be nil.
func NewClient(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{logger: logger.WithField("component", "devices")}
	c.execute = c.realExec
	return c
}

func (c *Client) realExec(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (c *Client) run(ctx context.Context, timeout time.Duration, stdin string, name string, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing storage tool")

	startTime := time.Now()
	output, err := c.execute(ctx, stdin, name, args...)
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"stdout":      output,
	}).Debug("storage tool completed")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, fmt.Errorf("%s timed out after %s: %w", name, timeout, ctxErr)
		}
		return output, fmt.Errorf("%s failed: %w (output: %s)", name, err, strings.TrimSpace(output))
	}
	return output, nil
}

// RegisterAll binds every device driver to its kind in the registry.
func RegisterAll(reg *device.Registry, c *Client) {
	reg.RegisterDevice(device.Disk, &DiskDriver{})
	reg.RegisterDevice(device.Partition, &PartitionDriver{c: c})
	reg.RegisterDevice(device.MDArray, &MDArrayDriver{c: c})
	reg.RegisterDevice(device.LVMVolumeGroup, &VGDriver{c: c})
	reg.RegisterDevice(device.LVMLogicalVolume, &LVDriver{c: c})
	reg.RegisterDevice(device.LUKSMapping, &LUKSMappingDriver{c: c})
	reg.RegisterDevice(device.ThinPool, &ThinPoolDriver{c: c})
	reg.RegisterDevice(device.Loop, &LoopDriver{c: c})
}

// DiskDriver exists so the registry is total over kinds. Disks are hardware;
// the only operations that make sense are no-ops.
type DiskDriver struct{}

func (d *DiskDriver) Create(ctx context.Context, dev *device.Device) error {
	return fmt.Errorf("disk %s cannot be created", dev.Name())
}

func (d *DiskDriver) Destroy(ctx context.Context, dev *device.Device) error {
	return fmt.Errorf("disk %s cannot be destroyed", dev.Name())
}

func (d *DiskDriver) Setup(ctx context.Context, dev *device.Device) error    { return nil }
func (d *DiskDriver) Teardown(ctx context.Context, dev *device.Device) error { return nil }

// PartitionDriver drives sfdisk.
type PartitionDriver struct {
	c *Client
}

// partitionNumber extracts the numeric suffix from a partition name
// (vda1 -> 1, nvme0n1p3 -> 3).
func partitionNumber(name string) (int, error) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, fmt.Errorf("partition %q has no number suffix", name)
	}
	return strconv.Atoi(name[i:])
}

func diskOf(dev *device.Device) (*device.Device, error) {
	for _, p := range dev.Parents() {
		if p.Kind() == device.Disk {
			return p, nil
		}
	}
	return nil, fmt.Errorf("partition %s has no disk parent", dev.Name())
}

func (d *PartitionDriver) Create(ctx context.Context, dev *device.Device) error {
	disk, err := diskOf(dev)
	if err != nil {
		return err
	}
	line := fmt.Sprintf(",%d,", dev.Size()/512)
	if dev.PartType() == device.PartExtended {
		line = fmt.Sprintf(",%d,E", dev.Size()/512)
	}
	if dev.Size() == 0 {
		// Empty size means "rest of the free space".
		line = ","
		if dev.PartType() == device.PartExtended {
			line = ",,E"
		}
	}
	if _, err := d.c.run(ctx, 1*time.Minute, line+"\n", "sfdisk", "--append", disk.Path()); err != nil {
		return err
	}
	_, err = d.c.run(ctx, 30*time.Second, "", "partprobe", disk.Path())
	return err
}

// PostCreate records the device node the kernel assigned.
func (d *PartitionDriver) PostCreate(ctx context.Context, dev *device.Device) error {
	if dev.Path() == "" {
		dev.SetPath("/dev/" + dev.Name())
	}
	return nil
}

func (d *PartitionDriver) Destroy(ctx context.Context, dev *device.Device) error {
	disk, err := diskOf(dev)
	if err != nil {
		return err
	}
	num, err := partitionNumber(dev.Name())
	if err != nil {
		return err
	}
	if _, err := d.c.run(ctx, 1*time.Minute, "", "sfdisk", "--delete", disk.Path(), strconv.Itoa(num)); err != nil {
		return err
	}
	_, err = d.c.run(ctx, 30*time.Second, "", "partprobe", disk.Path())
	return err
}

func (d *PartitionDriver) Setup(ctx context.Context, dev *device.Device) error    { return nil }
func (d *PartitionDriver) Teardown(ctx context.Context, dev *device.Device) error { return nil }

func (d *PartitionDriver) Resize(ctx context.Context, dev *device.Device, targetSize int64) error {
	disk, err := diskOf(dev)
	if err != nil {
		return err
	}
	num, err := partitionNumber(dev.Name())
	if err != nil {
		return err
	}
	line := fmt.Sprintf(",%d", targetSize/512)
	if _, err := d.c.run(ctx, 1*time.Minute, line+"\n", "sfdisk", "-N", strconv.Itoa(num), disk.Path()); err != nil {
		return err
	}
	_, err = d.c.run(ctx, 30*time.Second, "", "partprobe", disk.Path())
	return err
}

// MDArrayDriver drives mdadm. Arrays default to raid1 across all member
// parents.
type MDArrayDriver struct {
	c *Client
}

func memberPaths(dev *device.Device) []string {
	var out []string
	for _, p := range dev.Parents() {
		out = append(out, p.Path())
	}
	return out
}

func (d *MDArrayDriver) Create(ctx context.Context, dev *device.Device) error {
	members := memberPaths(dev)
	args := []string{
		"--create", "/dev/md/" + dev.Name(),
		"--run", "--force",
		"--level=1",
		fmt.Sprintf("--raid-devices=%d", len(members)),
	}
	args = append(args, members...)
	_, err := d.c.run(ctx, 5*time.Minute, "", "mdadm", args...)
	return err
}

func (d *MDArrayDriver) PostCreate(ctx context.Context, dev *device.Device) error {
	if dev.Path() == "" {
		dev.SetPath("/dev/md/" + dev.Name())
	}
	return nil
}

func (d *MDArrayDriver) Destroy(ctx context.Context, dev *device.Device) error {
	if err := d.Teardown(ctx, dev); err != nil {
		return err
	}
	for _, member := range memberPaths(dev) {
		if _, err := d.c.run(ctx, 1*time.Minute, "", "mdadm", "--zero-superblock", member); err != nil {
			return err
		}
	}
	return nil
}

func (d *MDArrayDriver) Setup(ctx context.Context, dev *device.Device) error {
	args := append([]string{"--assemble", "/dev/md/" + dev.Name()}, memberPaths(dev)...)
	_, err := d.c.run(ctx, 2*time.Minute, "", "mdadm", args...)
	return err
}

func (d *MDArrayDriver) Teardown(ctx context.Context, dev *device.Device) error {
	output, err := d.c.run(ctx, 2*time.Minute, "", "mdadm", "--stop", "/dev/md/"+dev.Name())
	if err != nil && strings.Contains(output, "No such file") {
		return nil
	}
	return err
}

// VGDriver drives vgcreate/vgremove/vgchange.
type VGDriver struct {
	c *Client
}

func (d *VGDriver) Create(ctx context.Context, dev *device.Device) error {
	args := append([]string{dev.Name()}, memberPaths(dev)...)
	_, err := d.c.run(ctx, 2*time.Minute, "", "vgcreate", args...)
	return err
}

func (d *VGDriver) Destroy(ctx context.Context, dev *device.Device) error {
	_, err := d.c.run(ctx, 2*time.Minute, "", "vgremove", "-ff", "-y", dev.Name())
	return err
}

func (d *VGDriver) Setup(ctx context.Context, dev *device.Device) error {
	_, err := d.c.run(ctx, 1*time.Minute, "", "vgchange", "-ay", dev.Name())
	return err
}

func (d *VGDriver) Teardown(ctx context.Context, dev *device.Device) error {
	_, err := d.c.run(ctx, 1*time.Minute, "", "vgchange", "-an", dev.Name())
	return err
}

// LVDriver drives lvcreate/lvremove/lvchange/lvresize. The LV's single
// parent is its volume group.
type LVDriver struct {
	c *Client
}

func vgOf(dev *device.Device) (*device.Device, error) {
	for _, p := range dev.Parents() {
		if p.Kind() == device.LVMVolumeGroup {
			return p, nil
		}
	}
	return nil, fmt.Errorf("logical volume %s has no volume group parent", dev.Name())
}

func (d *LVDriver) Create(ctx context.Context, dev *device.Device) error {
	vg, err := vgOf(dev)
	if err != nil {
		return err
	}
	_, err = d.c.run(ctx, 2*time.Minute, "", "lvcreate",
		"-n", dev.Name(),
		"-L", fmt.Sprintf("%db", dev.Size()),
		"-y", vg.Name())
	return err
}

func (d *LVDriver) PostCreate(ctx context.Context, dev *device.Device) error {
	if dev.Path() == "" {
		if vg, err := vgOf(dev); err == nil {
			dev.SetPath(fmt.Sprintf("/dev/%s/%s", vg.Name(), dev.Name()))
		}
	}
	return nil
}

func (d *LVDriver) Destroy(ctx context.Context, dev *device.Device) error {
	vg, err := vgOf(dev)
	if err != nil {
		return err
	}
	_, err = d.c.run(ctx, 2*time.Minute, "", "lvremove", "-ff", "-y",
		fmt.Sprintf("%s/%s", vg.Name(), dev.Name()))
	return err
}

func (d *LVDriver) Setup(ctx context.Context, dev *device.Device) error {
	vg, err := vgOf(dev)
	if err != nil {
		return err
	}
	_, err = d.c.run(ctx, 1*time.Minute, "", "lvchange", "-ay",
		fmt.Sprintf("%s/%s", vg.Name(), dev.Name()))
	return err
}

func (d *LVDriver) Teardown(ctx context.Context, dev *device.Device) error {
	vg, err := vgOf(dev)
	if err != nil {
		return err
	}
	_, err = d.c.run(ctx, 1*time.Minute, "", "lvchange", "-an",
		fmt.Sprintf("%s/%s", vg.Name(), dev.Name()))
	return err
}

func (d *LVDriver) Resize(ctx context.Context, dev *device.Device, targetSize int64) error {
	vg, err := vgOf(dev)
	if err != nil {
		return err
	}
	_, err = d.c.run(ctx, 5*time.Minute, "", "lvresize", "-f",
		"-L", fmt.Sprintf("%db", targetSize),
		fmt.Sprintf("%s/%s", vg.Name(), dev.Name()))
	return err
}

// LUKSMappingDriver drives cryptsetup open/close. The mapping's single
// parent carries the LUKS header; "creating" the mapping is opening it.
type LUKSMappingDriver struct {
	c *Client

	// KeyFile is passed to cryptsetup --key-file.
	KeyFile string
}

// NewLUKSMappingDriver creates a LUKS mapping driver bound to a key file.
func NewLUKSMappingDriver(c *Client, keyFile string) *LUKSMappingDriver {
	return &LUKSMappingDriver{c: c, KeyFile: keyFile}
}

func (d *LUKSMappingDriver) backing(dev *device.Device) (string, error) {
	parents := dev.Parents()
	if len(parents) == 0 {
		return "", fmt.Errorf("luks mapping %s has no backing parent", dev.Name())
	}
	return parents[0].Path(), nil
}

func (d *LUKSMappingDriver) Create(ctx context.Context, dev *device.Device) error {
	return d.Setup(ctx, dev)
}

func (d *LUKSMappingDriver) PostCreate(ctx context.Context, dev *device.Device) error {
	if dev.Path() == "" {
		dev.SetPath("/dev/mapper/" + dev.Name())
	}
	return nil
}

func (d *LUKSMappingDriver) Destroy(ctx context.Context, dev *device.Device) error {
	return d.Teardown(ctx, dev)
}

func (d *LUKSMappingDriver) Setup(ctx context.Context, dev *device.Device) error {
	backing, err := d.backing(dev)
	if err != nil {
		return err
	}
	args := []string{"open", backing, dev.Name()}
	if d.KeyFile != "" {
		args = append(args, "--key-file", d.KeyFile)
	}
	_, err = d.c.run(ctx, 2*time.Minute, "", "cryptsetup", args...)
	return err
}

func (d *LUKSMappingDriver) Teardown(ctx context.Context, dev *device.Device) error {
	output, err := d.c.run(ctx, 1*time.Minute, "", "cryptsetup", "close", dev.Name())
	if err != nil && strings.Contains(output, "not active") {
		return nil
	}
	return err
}

// LoopDriver manages loop devices. Loops appear when something attaches a
// backing file, which is outside this engine's planning scope; only
// teardown is meaningful.
type LoopDriver struct {
	c *Client
}

func (d *LoopDriver) Create(ctx context.Context, dev *device.Device) error {
	return fmt.Errorf("loop device %s is attached by its owner, not created here", dev.Name())
}

func (d *LoopDriver) Destroy(ctx context.Context, dev *device.Device) error {
	return d.Teardown(ctx, dev)
}

func (d *LoopDriver) Setup(ctx context.Context, dev *device.Device) error { return nil }

func (d *LoopDriver) Teardown(ctx context.Context, dev *device.Device) error {
	output, err := d.c.run(ctx, 30*time.Second, "", "losetup", "-d", dev.Path())
	if err != nil && strings.Contains(output, "No such device") {
		return nil
	}
	return err
}
