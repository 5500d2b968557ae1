package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/engine"
	"github.com/superfly/blockplan/tui"
)

// PlanOp is one operation in a plan file.
type PlanOp struct {
	// Op is one of: create-device, destroy-device, destroy-recursive,
	// resize-device, create-format, destroy-format, resize-format.
	Op string `json:"op"`

	// Device is the target device name. For create-device it is the new
	// device's name.
	Device string `json:"device"`

	// Kind is the device kind for create-device (partition, mdarray, lvmvg,
	// lvmlv, luks-mapping, thinpool).
	Kind string `json:"kind,omitempty"`

	// Parents names the parent devices for create-device.
	Parents []string `json:"parents,omitempty"`

	// Size is the device or format size in bytes. Zero means
	// "rest of the free space" for partitions.
	Size int64 `json:"size,omitempty"`

	// PartType is primary, logical, or extended for partition creates.
	PartType string `json:"parttype,omitempty"`

	// Format is the format type for create-format (ext4, xfs, swap, luks,
	// lvmpv, mdmember, disklabel).
	Format string `json:"format,omitempty"`

	// Label is the filesystem label, or the disklabel flavor (gpt, msdos)
	// for disklabel formats.
	Label string `json:"label,omitempty"`
}

// Plan is a parsed plan file.
type Plan struct {
	Ops []PlanOp `json:"ops"`
}

// loadPlan reads and validates a plan file.
func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	for i, op := range plan.Ops {
		if op.Op == "" {
			return nil, fmt.Errorf("plan op %d has no op field", i)
		}
		if op.Device == "" {
			return nil, fmt.Errorf("plan op %d (%s) has no device", i, op.Op)
		}
	}
	return &plan, nil
}

// stagePlan registers every operation in order. Staging stops at the first
// failing operation; nothing committed yet, so the caller can just exit.
func stagePlan(session *engine.Session, plan *Plan) error {
	for i, op := range plan.Ops {
		if err := stageOp(session, op); err != nil {
			return fmt.Errorf("plan op %d (%s %s): %w", i, op.Op, op.Device, err)
		}
	}
	return nil
}

func stageOp(session *engine.Session, op PlanOp) error {
	switch op.Op {
	case "create-device":
		parents := make([]*device.Device, 0, len(op.Parents))
		for _, name := range op.Parents {
			p := session.Tree().GetByName(name)
			if p == nil {
				return fmt.Errorf("unknown parent %q", name)
			}
			parents = append(parents, p)
		}
		_, err := session.CreateDevice(device.Config{
			Kind:     device.Kind(op.Kind),
			Name:     op.Device,
			Size:     op.Size,
			Parents:  parents,
			PartType: device.PartType(op.PartType),
		})
		return err
	case "destroy-device":
		return session.DestroyDevice(op.Device)
	case "destroy-recursive":
		return session.DestroyRecursive(op.Device)
	case "resize-device":
		return session.ResizeDevice(op.Device, op.Size)
	case "create-format":
		f, err := session.FormatDevice(op.Device, device.FormatType(op.Format), op.Label)
		if err != nil {
			return err
		}
		if f.Type == device.FormatDisklabel && op.Label != "" {
			f.LabelType = op.Label
			f.Label = ""
		}
		return nil
	case "destroy-format":
		return session.RemoveFormat(op.Device)
	case "resize-format":
		return session.ResizeFormat(op.Device, op.Size)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

// printTree renders the session's device tree, children indented under their
// first parent.
func printTree(session *engine.Session) {
	tree := session.Tree()
	var walk func(d *device.Device, depth int)
	walk = func(d *device.Device, depth int) {
		indent := strings.Repeat("  ", depth)
		format := ""
		if f := d.Format(); !f.IsNone() {
			format = string(f.Type)
		}
		fmt.Printf("%s%-*s %-12s %-10s %s\n",
			indent, 24-2*depth, d.Name(), string(d.Kind()), format, tui.FormatBytes(d.Size()))
		for _, child := range tree.ChildrenOf(d) {
			// Multi-parent devices print under their first parent only.
			if len(child.Parents()) > 0 && child.Parents()[0] == d {
				walk(child, depth+1)
			}
		}
	}
	fmt.Printf("%-24s %-12s %-10s %s\n", "NAME", "KIND", "FORMAT", "SIZE")
	for _, root := range tree.Roots() {
		walk(root, 0)
	}
}

// printReport renders a full commit report.
func printReport(report *blockplan.CommitReport) {
	result := "ok"
	if !report.OK {
		result = "FAILED"
	}
	fmt.Printf("Run %s: %s\n", report.RunID, result)
	fmt.Printf("  Started:  %s\n", report.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  Finished: %s\n", report.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	if report.Retries > 0 {
		fmt.Printf("  Retries:  %d\n", report.Retries)
	}
	if report.Error != "" {
		fmt.Printf("  Error:    %s\n", report.Error)
	}
	fmt.Println("  Actions:")
	for _, rec := range report.Executed {
		line := fmt.Sprintf("    [%s] %s", rec.Status, rec.Summary)
		if rec.Error != "" {
			line += " (" + rec.Error + ")"
		}
		fmt.Println(line)
	}
	for _, rec := range report.Pending {
		fmt.Printf("    [pending] %s\n", rec.Summary)
	}
}
