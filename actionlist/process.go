package actionlist

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/action"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/devicetree"
)

// Process commits the pending actions against the real system.
//
// # Pipeline
//
// Prune to a fixed point, run the pre-process fixups, derive requirement
// edges and sort, then execute each action in order. Every run gets a fresh
// ULID; every action gets a trace span and an ActionExecuted event.
//
// # Failure handling
//
// A failed disklabel commit gets one second chance: everything stacked on
// the disk is torn down and the action retried once. Any other failure, or a
// failed retry, is fatal: the run stops, executed actions stay executed, and
// the report carries the executed/pending split so the caller knows exactly
// what state the system is in. There is no rollback.
func (l *List) Process(ctx context.Context) (*blockplan.CommitReport, error) {
	report := &blockplan.CommitReport{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now().UTC(),
	}
	logger := l.logger.WithField("run_id", report.RunID)

	// Pre-process runs before the sort: it may synthesize actions that have
	// to be part of the plan.
	l.Prune()
	if err := l.preProcess(ctx, logger); err != nil {
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		return report, err
	}
	nodes, err := l.sortActions()
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		return report, err
	}

	logger.WithField("actions", len(nodes)).Info("commit started")

	for i, node := range nodes {
		rec := blockplan.ActionRecord{
			Index:      node.index,
			Summary:    node.action.String(),
			DeviceName: node.action.Device().Name(),
			StartedAt:  time.Now().UTC(),
		}

		err := l.executeOne(ctx, logger, node.action, report)
		rec.FinishedAt = time.Now().UTC()

		var errMsg string
		if err != nil {
			errMsg = err.Error()
		}
		l.bus.Publish(blockplan.ActionExecuted{
			Index:      node.index,
			DeviceName: rec.DeviceName,
			Summary:    rec.Summary,
			Error:      errMsg,
		})

		if err != nil {
			rec.Status = "failed"
			rec.Error = errMsg
			report.Executed = append(report.Executed, rec)
			for _, rest := range nodes[i+1:] {
				report.Pending = append(report.Pending, blockplan.ActionRecord{
					Index:      rest.index,
					Summary:    rest.action.String(),
					DeviceName: rest.action.Device().Name(),
					Status:     "pending",
				})
			}
			report.Error = errMsg
			report.FinishedAt = time.Now().UTC()
			l.dropExecuted()
			logger.WithError(err).WithField("action", rec.Summary).Error("commit failed")
			return report, err
		}

		rec.Status = "executed"
		report.Executed = append(report.Executed, rec)
		l.resyncRenumbered(logger, node.action, nodes[i+1:])
	}

	l.dropExecuted()
	report.OK = true
	report.FinishedAt = time.Now().UTC()
	logger.WithFields(logrus.Fields{
		"executed":    len(report.Executed),
		"retries":     report.Retries,
		"duration_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}).Info("commit finished")
	return report, nil
}

// executeOne runs a single action inside a trace span, applying the
// disklabel teardown-and-retry recovery when it fires.
func (l *List) executeOne(ctx context.Context, logger logrus.FieldLogger, a *action.Action, report *blockplan.CommitReport) error {
	ctx, span := l.tracer.Start(ctx, "action.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.kind", string(a.Kind())),
		attribute.String("action.device", a.Device().Name()),
	)

	start := time.Now()
	err := a.Execute(ctx, l.reg)
	if device.IsDiskLabelCommitError(err) {
		// The kernel would not reread the partition table; something on the
		// disk still holds a handle. Tear the whole stack down and retry
		// exactly once.
		logger.WithError(err).WithField("device", a.Device().Name()).
			Warn("disklabel commit rejected; tearing down dependents and retrying")
		report.Retries++
		l.teardownStack(ctx, logger, a.Device())
		err = a.Execute(ctx, l.reg)
	}
	logger.WithFields(logrus.Fields{
		"action":      a.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("action executed")

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// teardownStack deactivates every active device built on top of d, leaves
// first. Teardown failures are logged and skipped; if the stack is still
// busy the retried action will fail and report the real problem.
func (l *List) teardownStack(ctx context.Context, logger logrus.FieldLogger, d *device.Device) {
	desc := l.tree.Descendants(d)
	for i := len(desc) - 1; i >= 0; i-- {
		l.teardownDevice(ctx, logger, desc[i])
	}
}

// teardownDevice deactivates one device: format first, then the device.
func (l *List) teardownDevice(ctx context.Context, logger logrus.FieldLogger, d *device.Device) {
	if !d.Status() {
		return
	}
	if f := d.Format(); !f.IsNone() && f.Exists() {
		if drv, err := l.reg.FormatDriver(f.Type); err == nil {
			if err := drv.Teardown(ctx, f); err != nil {
				logger.WithError(err).WithField("device", d.Name()).Warn("format teardown failed")
			}
		}
	}
	drv, err := l.reg.DeviceDriver(d.Kind())
	if err != nil {
		return
	}
	if err := drv.Teardown(ctx, d); err != nil {
		logger.WithError(err).WithField("device", d.Name()).Warn("device teardown failed")
	}
}

// resyncRenumbered follows the kernel's renumbering of msdos logical
// partitions. Deleting logical partition N shifts every logical partition
// above N down by one; the model follows immediately so later actions in the
// same run address the numbers the kernel now uses. Shifted partitions may
// still be in the tree (survivors) or already out of it (destroys leave the
// tree when staged), so both populations are walked.
func (l *List) resyncRenumbered(logger logrus.FieldLogger, done *action.Action, remaining []*actionNode) {
	if done.Kind() != action.DestroyDevice {
		return
	}
	gone := done.Device()
	if gone.Kind() != device.Partition || gone.PartType() != device.PartLogical {
		return
	}
	var disk *device.Device
	for _, p := range gone.Parents() {
		if p.Kind() == device.Disk {
			disk = p
			break
		}
	}
	if disk == nil {
		return
	}
	_, goneNum, ok := splitPartitionName(gone.Name())
	if !ok {
		return
	}

	seen := map[int64]bool{gone.ID(): true}
	var shifted []*device.Device
	collect := func(d *device.Device) {
		if seen[d.ID()] || d.Kind() != device.Partition || d.PartType() != device.PartLogical || !d.HasParent(disk) {
			return
		}
		seen[d.ID()] = true
		if _, n, ok := splitPartitionName(d.Name()); ok && n > goneNum {
			shifted = append(shifted, d)
		}
	}
	for _, d := range l.tree.Devices() {
		collect(d)
	}
	for _, rest := range remaining {
		collect(rest.action.Device())
	}

	// Lowest number first, so each rename moves into a name the previous one
	// just vacated.
	sort.Slice(shifted, func(i, j int) bool {
		_, ni, _ := splitPartitionName(shifted[i].Name())
		_, nj, _ := splitPartitionName(shifted[j].Name())
		return ni < nj
	})

	for _, d := range shifted {
		old := d.Name()
		prefix, n, _ := splitPartitionName(old)
		name := fmt.Sprintf("%s%d", prefix, n-1)
		if l.tree.GetByID(d.ID()) != nil {
			if err := l.tree.Rename(d, name); err != nil {
				logger.WithError(err).WithField("device", old).Warn("partition renumber resync failed")
				continue
			}
		} else {
			d.SetName(name)
			l.bus.Publish(blockplan.AttributeChanged{DeviceName: name, Attribute: "name", Old: old, New: name})
		}
		if d.Path() == "/dev/"+old {
			d.SetPath("/dev/" + name)
		}
		logger.WithFields(logrus.Fields{
			"disk": disk.Name(),
			"old":  old,
			"new":  name,
		}).Info("partition renumbered after delete")
	}
}

// splitPartitionName splits a numbered partition name into its prefix and
// number (nvme0n1p3 -> "nvme0n1p", 3).
func splitPartitionName(name string) (string, int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return "", 0, false
	}
	return name[:i], n, true
}

// dropExecuted removes executed actions from the list, keeping whatever is
// still pending after a failed run.
func (l *List) dropExecuted() {
	kept := l.actions[:0]
	for _, a := range l.actions {
		if a.Status() != action.StatusExecuted {
			kept = append(kept, a)
		}
	}
	l.actions = kept
}

// preProcess runs the fixups a plan needs before execution can start.
//
// Disks about to receive a new disklabel must have no active partitions: the
// kernel refuses to replace a partition table that is in use. Active
// partitions on such disks are torn down here, unless one of them is
// protected, which aborts the whole commit. On msdos labels, logical
// partitions cannot exist without an extended partition, so one is
// synthesized when the plan creates logicals but nothing provides the
// container.
func (l *List) preProcess(ctx context.Context, logger logrus.FieldLogger) error {
	for _, a := range l.actions {
		if a.Kind() != action.CreateFormat || !a.NewFormat().IsDisklabel() {
			continue
		}
		disk := a.Device()
		if disk.Kind() != device.Disk {
			continue
		}
		for _, child := range l.tree.ChildrenOf(disk) {
			if child.Kind() != device.Partition || !child.Status() {
				continue
			}
			if child.Protected() {
				return &PartitioningError{
					Reason:  fmt.Sprintf("relabeling %s would destroy protected partition %s", disk.Name(), child.Name()),
					Actions: []string{a.String()},
				}
			}
			logger.WithFields(logrus.Fields{
				"disk":      disk.Name(),
				"partition": child.Name(),
			}).Info("tearing down partition ahead of disklabel write")
			l.teardownStack(ctx, logger, child)
			l.teardownDevice(ctx, logger, child)
		}
	}
	return l.synthesizeExtended()
}

// synthesizeExtended adds an extended-partition create for each msdos disk
// whose plan creates logical partitions without providing the container.
func (l *List) synthesizeExtended() error {
	needs := make(map[int64]*device.Device) // disk id -> disk
	for _, a := range l.actions {
		if a.Kind() != action.CreateDevice {
			continue
		}
		p := a.Device()
		if p.Kind() != device.Partition || p.PartType() != device.PartLogical {
			continue
		}
		for _, parent := range p.Parents() {
			if parent.Kind() == device.Disk {
				needs[parent.ID()] = parent
			}
		}
	}

	for _, disk := range needs {
		if l.hasExtended(disk) {
			continue
		}
		name := nextPartitionName(l.tree, disk)
		ext, err := device.New(device.Config{
			Kind:     device.Partition,
			Name:     name,
			Parents:  []*device.Device{disk},
			PartType: device.PartExtended,
		})
		if err != nil {
			return err
		}
		act, err := action.NewCreateDevice(l.tree, ext)
		if err != nil {
			return err
		}
		l.logger.WithFields(logrus.Fields{
			"disk":      disk.Name(),
			"partition": name,
		}).Info("synthesizing extended partition for logical partitions")
		if err := l.Add(act); err != nil {
			return err
		}
	}
	return nil
}

func (l *List) hasExtended(disk *device.Device) bool {
	for _, child := range l.tree.ChildrenOf(disk) {
		if child.Kind() == device.Partition && child.PartType() == device.PartExtended {
			return true
		}
	}
	return false
}

// nextPartitionName picks the first free numbered partition name on a disk.
func nextPartitionName(tree *devicetree.Tree, disk *device.Device) string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s%d", disk.Name(), n)
		if tree.GetByNameHidden(name) == nil {
			return name
		}
	}
}
