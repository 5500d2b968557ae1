// Package formats implements the format drivers: thin wrappers around the
// userspace tools that write filesystems, partition tables, and container
// signatures onto block devices.
//
// # Overview
//
// Each driver satisfies device.FormatDriver. Drivers hold no state beyond a
// shared Client; everything they need to act on comes in through the Format
// value. Create writes the format, Destroy wipes it, Setup/Teardown activate
// and deactivate it where that concept applies (mount, swapon, luksOpen).
//
// # Prerequisites
//
// Requires:
//   - Root/sudo privileges
//   - Tools: mkfs.ext4, mkfs.xfs, mkswap, swapon, cryptsetup, pvcreate,
//     sfdisk, wipefs, partprobe, resize2fs
//
// # Error Handling
//
// A partition table write the kernel refuses to reread comes back as
// device.DiskLabelCommitError; the scheduler tears the disk's stack down and
// retries once. Everything else is fatal to the commit.
package formats

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan/device"
)

// Client runs the external format tools and serializes metadata-writing
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
	c := &Client{logger: logger.WithField("component", "formats")}
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

// run executes one tool invocation with a timeout and the standard logging.
func (c *Client) run(ctx context.Context, timeout time.Duration, stdin string, name string, args ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing format tool")

	startTime := time.Now()
	output, err := c.execute(ctx, stdin, name, args...)
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"stdout":      output,
	}).Debug("format tool completed")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return output, fmt.Errorf("%s timed out after %s: %w", name, timeout, ctxErr)
		}
		return output, fmt.Errorf("%s failed: %w (output: %s)", name, err, strings.TrimSpace(output))
	}
	return output, nil
}

// RegisterAll binds every format driver to its type in the registry.
func RegisterAll(reg *device.Registry, c *Client) {
	reg.RegisterFormat(device.FormatExt4, &Ext4Driver{c: c})
	reg.RegisterFormat(device.FormatXFS, &XFSDriver{c: c})
	reg.RegisterFormat(device.FormatSwap, &SwapDriver{c: c})
	reg.RegisterFormat(device.FormatLUKS, &LUKSDriver{c: c})
	reg.RegisterFormat(device.FormatLVMPV, &LVMPVDriver{c: c})
	reg.RegisterFormat(device.FormatMDMember, &MDMemberDriver{c: c})
	reg.RegisterFormat(device.FormatDisklabel, &DisklabelDriver{c: c})
}

// Ext4Driver drives mkfs.ext4 and friends.
type Ext4Driver struct {
	c *Client
}

func (d *Ext4Driver) Create(ctx context.Context, f *device.Format) error {
	args := []string{"-F"}
	if f.Label != "" {
		args = append(args, "-L", f.Label)
	}
	if f.UUID != "" {
		args = append(args, "-U", f.UUID)
	}
	args = append(args, f.DevicePath)
	_, err := d.c.run(ctx, 2*time.Minute, "", "mkfs.ext4", args...)
	return err
}

func (d *Ext4Driver) Destroy(ctx context.Context, f *device.Format) error {
	return wipeSignatures(ctx, d.c, f.DevicePath)
}

func (d *Ext4Driver) Setup(ctx context.Context, f *device.Format) error { return nil }

func (d *Ext4Driver) Teardown(ctx context.Context, f *device.Format) error {
	return unmountIfMounted(ctx, d.c, f.DevicePath)
}

func (d *Ext4Driver) Resize(ctx context.Context, f *device.Format, targetSize int64) error {
	// resize2fs shrinks only on a clean filesystem.
	if targetSize < f.CurrentSize {
		if _, err := d.c.run(ctx, 10*time.Minute, "", "e2fsck", "-f", "-y", f.DevicePath); err != nil {
			return err
		}
	}
	_, err := d.c.run(ctx, 10*time.Minute, "", "resize2fs", f.DevicePath, fmt.Sprintf("%dK", targetSize/1024))
	return err
}

// XFSDriver drives mkfs.xfs. XFS only grows, and only while mounted.
type XFSDriver struct {
	c *Client
}

func (d *XFSDriver) Create(ctx context.Context, f *device.Format) error {
	args := []string{"-f"}
	if f.Label != "" {
		args = append(args, "-L", f.Label)
	}
	args = append(args, f.DevicePath)
	_, err := d.c.run(ctx, 2*time.Minute, "", "mkfs.xfs", args...)
	return err
}

func (d *XFSDriver) Destroy(ctx context.Context, f *device.Format) error {
	return wipeSignatures(ctx, d.c, f.DevicePath)
}

func (d *XFSDriver) Setup(ctx context.Context, f *device.Format) error { return nil }

func (d *XFSDriver) Teardown(ctx context.Context, f *device.Format) error {
	return unmountIfMounted(ctx, d.c, f.DevicePath)
}

func (d *XFSDriver) Resize(ctx context.Context, f *device.Format, targetSize int64) error {
	if targetSize < f.CurrentSize {
		return fmt.Errorf("xfs on %s cannot shrink", f.DevicePath)
	}
	target, err := d.c.run(ctx, 10*time.Second, "", "findmnt", "-n", "-o", "TARGET", f.DevicePath)
	if err != nil || strings.TrimSpace(target) == "" {
		return fmt.Errorf("xfs on %s grows only while mounted", f.DevicePath)
	}
	_, err = d.c.run(ctx, 10*time.Minute, "", "xfs_growfs", strings.TrimSpace(target))
	return err
}

// SwapDriver drives mkswap/swapon/swapoff.
type SwapDriver struct {
	c *Client
}

func (d *SwapDriver) Create(ctx context.Context, f *device.Format) error {
	args := []string{}
	if f.Label != "" {
		args = append(args, "-L", f.Label)
	}
	if f.UUID != "" {
		args = append(args, "-U", f.UUID)
	}
	args = append(args, f.DevicePath)
	_, err := d.c.run(ctx, 1*time.Minute, "", "mkswap", args...)
	return err
}

func (d *SwapDriver) Destroy(ctx context.Context, f *device.Format) error {
	return wipeSignatures(ctx, d.c, f.DevicePath)
}

func (d *SwapDriver) Setup(ctx context.Context, f *device.Format) error {
	_, err := d.c.run(ctx, 30*time.Second, "", "swapon", f.DevicePath)
	return err
}

func (d *SwapDriver) Teardown(ctx context.Context, f *device.Format) error {
	output, err := d.c.run(ctx, 30*time.Second, "", "swapoff", f.DevicePath)
	if err != nil && strings.Contains(output, "Invalid argument") {
		// Not active.
		return nil
	}
	return err
}

// LUKSDriver drives cryptsetup for LUKS2 headers. Key material comes from
// Format.Label-independent sources; the driver takes a key file path so the
// passphrase never appears in argv.
type LUKSDriver struct {
	c *Client

	// KeyFile is passed to cryptsetup --key-file. Empty means cryptsetup
	// prompts, which only works interactively.
	KeyFile string
}

// NewLUKSDriver creates a LUKS driver bound to a key file.
func NewLUKSDriver(c *Client, keyFile string) *LUKSDriver {
	return &LUKSDriver{c: c, KeyFile: keyFile}
}

func (d *LUKSDriver) keyArgs() []string {
	if d.KeyFile == "" {
		return nil
	}
	return []string{"--key-file", d.KeyFile}
}

func (d *LUKSDriver) Create(ctx context.Context, f *device.Format) error {
	args := append([]string{"luksFormat", "--batch-mode", "--type", "luks2"}, d.keyArgs()...)
	args = append(args, f.DevicePath)
	_, err := d.c.run(ctx, 5*time.Minute, "", "cryptsetup", args...)
	return err
}

func (d *LUKSDriver) Destroy(ctx context.Context, f *device.Format) error {
	_, err := d.c.run(ctx, 1*time.Minute, "", "cryptsetup", "erase", "--batch-mode", f.DevicePath)
	if err != nil {
		return err
	}
	return wipeSignatures(ctx, d.c, f.DevicePath)
}

func (d *LUKSDriver) Setup(ctx context.Context, f *device.Format) error {
	args := append([]string{"open", f.DevicePath, mappingName(f)}, d.keyArgs()...)
	_, err := d.c.run(ctx, 2*time.Minute, "", "cryptsetup", args...)
	return err
}

func (d *LUKSDriver) Teardown(ctx context.Context, f *device.Format) error {
	output, err := d.c.run(ctx, 1*time.Minute, "", "cryptsetup", "close", mappingName(f))
	if err != nil && strings.Contains(output, "not active") {
		return nil
	}
	return err
}

// mappingName derives the /dev/mapper name for an opened LUKS format.
func mappingName(f *device.Format) string {
	if f.Label != "" {
		return "luks-" + f.Label
	}
	if f.UUID != "" {
		return "luks-" + f.UUID
	}
	return "luks-" + strings.TrimPrefix(strings.ReplaceAll(f.DevicePath, "/", "-"), "-dev-")
}

// LVMPVDriver drives pvcreate/pvremove.
type LVMPVDriver struct {
	c *Client
}

func (d *LVMPVDriver) Create(ctx context.Context, f *device.Format) error {
	args := []string{"-ff", "-y"}
	if f.UUID != "" {
		args = append(args, "--uuid", f.UUID, "--norestorefile")
	}
	args = append(args, f.DevicePath)
	_, err := d.c.run(ctx, 1*time.Minute, "", "pvcreate", args...)
	return err
}

func (d *LVMPVDriver) Destroy(ctx context.Context, f *device.Format) error {
	output, err := d.c.run(ctx, 1*time.Minute, "", "pvremove", "-ff", "-y", f.DevicePath)
	if err != nil && strings.Contains(output, "No PV found") {
		return nil
	}
	return err
}

func (d *LVMPVDriver) Setup(ctx context.Context, f *device.Format) error    { return nil }
func (d *LVMPVDriver) Teardown(ctx context.Context, f *device.Format) error { return nil }

// MDMemberDriver manages md superblocks on member devices. Writing the
// superblock happens as a side effect of array creation, so Create is a
// no-op; Destroy zeroes the superblock so the kernel stops recognizing the
// member.
type MDMemberDriver struct {
	c *Client
}

func (d *MDMemberDriver) Create(ctx context.Context, f *device.Format) error { return nil }

func (d *MDMemberDriver) Destroy(ctx context.Context, f *device.Format) error {
	_, err := d.c.run(ctx, 1*time.Minute, "", "mdadm", "--zero-superblock", f.DevicePath)
	return err
}

func (d *MDMemberDriver) Setup(ctx context.Context, f *device.Format) error    { return nil }
func (d *MDMemberDriver) Teardown(ctx context.Context, f *device.Format) error { return nil }

// DisklabelDriver writes partition tables with sfdisk.
type DisklabelDriver struct {
	c *Client
}

func (d *DisklabelDriver) Create(ctx context.Context, f *device.Format) error {
	labelType := f.LabelType
	if labelType == "" {
		labelType = "gpt"
	}
	script := fmt.Sprintf("label: %s\n", labelType)
	output, err := d.c.run(ctx, 1*time.Minute, script, "sfdisk", f.DevicePath)
	if err != nil {
		return classifyDisklabelError(f.DevicePath, output, err)
	}
	// The kernel has to pick the new table up before children can be created.
	if output, err := d.c.run(ctx, 30*time.Second, "", "partprobe", f.DevicePath); err != nil {
		return classifyDisklabelError(f.DevicePath, output, err)
	}
	return nil
}

func (d *DisklabelDriver) Destroy(ctx context.Context, f *device.Format) error {
	return wipeSignatures(ctx, d.c, f.DevicePath)
}

func (d *DisklabelDriver) Setup(ctx context.Context, f *device.Format) error    { return nil }
func (d *DisklabelDriver) Teardown(ctx context.Context, f *device.Format) error { return nil }

// classifyDisklabelError turns a busy-disk refusal into the retryable
// DiskLabelCommitError; anything else stays fatal.
func classifyDisklabelError(path, output string, err error) error {
	if strings.Contains(output, "Re-reading the partition table failed") ||
		strings.Contains(output, "Device or resource busy") ||
		strings.Contains(output, "BLKRRPART") {
		return &device.DiskLabelCommitError{Path: path, Err: err}
	}
	return err
}

func wipeSignatures(ctx context.Context, c *Client, path string) error {
	_, err := c.run(ctx, 1*time.Minute, "", "wipefs", "-a", path)
	return err
}

func unmountIfMounted(ctx context.Context, c *Client, path string) error {
	output, err := c.run(ctx, 30*time.Second, "", "umount", path)
	if err != nil && (strings.Contains(output, "not mounted") || strings.Contains(output, "no mount point")) {
		return nil
	}
	return err
}
