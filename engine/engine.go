// Package engine ties the pieces into one session: a device tree mirroring
// the machine, a pending action list, the driver registry, the kernel-state
// catalog, and the commit guard that keeps them coherent.
//
// The engine is the only intended entry point for callers. Staging methods
// register actions (which apply optimistically to the in-memory tree) and
// Commit executes them against the real system under the guard.
package engine

import (
	"context"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/action"
	"github.com/superfly/blockplan/actionlist"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/devicetree"
	"github.com/superfly/blockplan/events"
	"github.com/superfly/blockplan/kstate"
	"github.com/superfly/blockplan/safeguards"
)

// Config assembles a session. Registry is required; everything else has a
// working default.
type Config struct {
	Logger   logrus.FieldLogger
	Bus      *blockplan.Bus
	Registry *device.Registry

	// Catalog supplies kernel state for Scan. Nil disables scanning.
	Catalog *kstate.Catalog

	// Queue is the external event queue; when set, Commit pauses it for the
	// duration of the run.
	Queue *events.Queue

	// HealthCheck runs before each commit acquires the system.
	HealthCheck func(context.Context) error
}

// Session is one engine instance. It is not safe for concurrent use; the
// commit guard protects against overlapping commits, not against concurrent
// staging.
type Session struct {
	logger  logrus.FieldLogger
	bus     *blockplan.Bus
	tree    *devicetree.Tree
	list    *actionlist.List
	guard   *safeguards.CommitGuard
	reg     *device.Registry
	catalog *kstate.Catalog
	queue   *events.Queue
}

// New creates a session.
func New(cfg Config) (*Session, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: a driver registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = blockplan.NewBus(logger)
	}
	tree := devicetree.New(bus, logger)
	return &Session{
		logger:  logger.WithField("component", "engine"),
		bus:     bus,
		tree:    tree,
		list:    actionlist.New(tree, cfg.Registry, bus, logger),
		guard:   safeguards.NewCommitGuard(safeguards.GuardConfig{Logger: logger, HealthCheckFunc: cfg.HealthCheck}),
		reg:     cfg.Registry,
		catalog: cfg.Catalog,
		queue:   cfg.Queue,
	}, nil
}

// Tree exposes the session's device tree for inspection.
func (s *Session) Tree() *devicetree.Tree { return s.tree }

// Bus exposes the session's event bus.
func (s *Session) Bus() *blockplan.Bus { return s.bus }

// Actions returns the pending actions in registration order.
func (s *Session) Actions() []*action.Action { return s.list.Actions() }

// CreateDevice builds a device from cfg, registers a create action for it,
// and returns it. The device is visible in the tree immediately; nothing
// happens on the real system until Commit.
func (s *Session) CreateDevice(cfg device.Config) (*device.Device, error) {
	d, err := device.New(cfg)
	if err != nil {
		return nil, err
	}
	act, err := action.NewCreateDevice(s.tree, d)
	if err != nil {
		return nil, err
	}
	if err := s.list.Add(act); err != nil {
		return nil, err
	}
	return d, nil
}

// DestroyDevice registers a destroy action for the named device. The device
// must be a leaf; use DestroyRecursive to take a whole stack down.
func (s *Session) DestroyDevice(name string) error {
	d := s.tree.GetByName(name)
	if d == nil {
		return fmt.Errorf("no device named %q", name)
	}
	return s.destroyOne(d)
}

func (s *Session) destroyOne(d *device.Device) error {
	// An on-disk format would be orphaned by the device destroy; schedule
	// its removal first so the plan stays coherent.
	if f := d.Format(); !f.IsNone() && f.Exists() {
		act, err := action.NewDestroyFormat(s.tree, d)
		if err != nil {
			return err
		}
		if err := s.list.Add(act); err != nil {
			return err
		}
	}
	act, err := action.NewDestroyDevice(s.tree, d)
	if err != nil {
		return err
	}
	return s.list.Add(act)
}

// DestroyRecursive registers destroy actions for the named device and every
// transitive descendant, leaves first.
func (s *Session) DestroyRecursive(name string) error {
	d := s.tree.GetByName(name)
	if d == nil {
		return fmt.Errorf("no device named %q", name)
	}
	return s.tree.RecursiveRemove(d, s.destroyOne)
}

// FormatDevice registers a create-format action placing a format of type t on
// the named device.
func (s *Session) FormatDevice(name string, t device.FormatType, label string) (*device.Format, error) {
	d := s.tree.GetByName(name)
	if d == nil {
		return nil, fmt.Errorf("no device named %q", name)
	}
	f, err := device.NewFormat(t, d.Path())
	if err != nil {
		return nil, err
	}
	f.Label = label
	act, err := action.NewCreateFormat(s.tree, d, f)
	if err != nil {
		return nil, err
	}
	if err := s.list.Add(act); err != nil {
		return nil, err
	}
	return f, nil
}

// RemoveFormat registers a destroy-format action for the named device.
func (s *Session) RemoveFormat(name string) error {
	d := s.tree.GetByName(name)
	if d == nil {
		return fmt.Errorf("no device named %q", name)
	}
	act, err := action.NewDestroyFormat(s.tree, d)
	if err != nil {
		return err
	}
	return s.list.Add(act)
}

// ResizeDevice registers a resize action for the named device.
func (s *Session) ResizeDevice(name string, targetSize int64) error {
	d := s.tree.GetByName(name)
	if d == nil {
		return fmt.Errorf("no device named %q", name)
	}
	act, err := action.NewResizeDevice(s.tree, d, targetSize)
	if err != nil {
		return err
	}
	return s.list.Add(act)
}

// ResizeFormat registers a resize action for the named device's format.
func (s *Session) ResizeFormat(name string, targetSize int64) error {
	d := s.tree.GetByName(name)
	if d == nil {
		return fmt.Errorf("no device named %q", name)
	}
	act, err := action.NewResizeFormat(s.tree, d, targetSize)
	if err != nil {
		return err
	}
	return s.list.Add(act)
}

// CancelAll cancels every pending action, newest first, restoring the tree
// to its pre-staging state.
func (s *Session) CancelAll() error {
	acts := s.list.Actions()
	for i := len(acts) - 1; i >= 0; i-- {
		if err := s.list.Remove(acts[i]); err != nil {
			return err
		}
	}
	return nil
}

// Commit executes the pending actions under the commit guard. A second
// commit attempt while one is running fails fast with ErrCommitInProgress.
// The external event queue, when present, is paused for the whole run, and
// the kernel-state catalog is refreshed afterwards regardless of outcome.
func (s *Session) Commit(ctx context.Context) (*blockplan.CommitReport, error) {
	var report *blockplan.CommitReport
	err := s.guard.WithCommit(ctx, "commit", func() error {
		if s.queue != nil {
			s.queue.Pause()
			defer s.queue.Resume()
		}
		var processErr error
		report, processErr = s.list.Process(ctx)
		if s.catalog != nil {
			if err := s.catalog.Refresh(ctx); err != nil {
				s.logger.WithError(err).Warn("post-commit kernel state refresh failed")
			}
		}
		return processErr
	})
	return report, err
}

// Correlate reports whether an external event plausibly belongs to a pending
// or just-applied action. Matching is by device name or node path; external
// events never carry engine IDs.
func (s *Session) Correlate(ev events.Event) bool {
	node := ""
	if ev.SysfsPath != "" {
		node = "/dev/" + path.Base(ev.SysfsPath)
	}
	for _, a := range s.list.Actions() {
		d := a.Device()
		if d.Name() == ev.DeviceName {
			return true
		}
		if node != "" && d.Path() == node {
			return true
		}
	}
	return false
}
