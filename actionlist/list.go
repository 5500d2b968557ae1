// Package actionlist schedules and commits planned actions.
//
// The list owns the pending actions for one session. Registration applies an
// action to the in-memory model immediately; nothing touches the real system
// until Process, which prunes obsolete work, orders the remainder by
// requirement edges, and executes each action through the driver registry.
// Execution is strictly sequential. A commit never rolls back: on a fatal
// failure the report says exactly which actions ran and which never did.
package actionlist

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/action"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/devicetree"
)

// List holds the pending actions for one session, in registration order.
type List struct {
	tree   *devicetree.Tree
	reg    *device.Registry
	bus    *blockplan.Bus
	logger logrus.FieldLogger
	tracer trace.Tracer

	actions []*action.Action
}

// New creates an empty list bound to a tree and driver registry. bus and
// logger may be nil.
func New(tree *devicetree.Tree, reg *device.Registry, bus *blockplan.Bus, logger logrus.FieldLogger) *List {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &List{
		tree:   tree,
		reg:    reg,
		bus:    bus,
		logger: logger.WithField("component", "action-list"),
		tracer: otel.Tracer("github.com/superfly/blockplan/actionlist"),
	}
}

// Add applies the action to the in-memory model and registers it. If apply
// fails the action is not registered and the model is unchanged.
func (l *List) Add(a *action.Action) error {
	prev := a.Device().Format().Type
	if err := a.Apply(); err != nil {
		return err
	}
	l.actions = append(l.actions, a)
	l.logger.WithFields(logrus.Fields{
		"action": a.String(),
		"index":  len(l.actions) - 1,
	}).Debug("action registered")
	l.bus.Publish(blockplan.ActionAdded{
		Index:      len(l.actions) - 1,
		DeviceName: a.Device().Name(),
		Summary:    a.String(),
	})
	l.publishFormatChange(a, prev)
	return nil
}

// publishFormatChange mirrors a format action's model effect on the bus: the
// displaced format (if any) is removed, the new one added.
func (l *List) publishFormatChange(a *action.Action, prev device.FormatType) {
	switch a.Kind() {
	case action.CreateFormat:
		if prev != device.FormatNone {
			l.bus.Publish(blockplan.FormatRemoved{DeviceName: a.Device().Name(), FormatType: string(prev)})
		}
		l.bus.Publish(blockplan.FormatAdded{DeviceName: a.Device().Name(), FormatType: string(a.NewFormat().Type)})
	case action.DestroyFormat:
		if prev != device.FormatNone {
			l.bus.Publish(blockplan.FormatRemoved{DeviceName: a.Device().Name(), FormatType: string(prev)})
		}
	}
}

// Remove cancels the action and drops it from the list. Actions registered
// after it are still applied; canceling out of registration order is the
// caller's responsibility to keep coherent (the engine only ever cancels
// from the tail).
func (l *List) Remove(a *action.Action) error {
	idx := -1
	for i, b := range l.actions {
		if b == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("action %q is not registered", a.String())
	}
	prev := a.Device().Format().Type
	if err := a.Cancel(); err != nil {
		return err
	}
	l.actions = append(l.actions[:idx], l.actions[idx+1:]...)
	l.bus.Publish(blockplan.ActionRemoved{
		Index:      idx,
		DeviceName: a.Device().Name(),
		Summary:    a.String(),
	})
	// Cancel restored the displaced format; mirror that on the bus too.
	switch a.Kind() {
	case action.CreateFormat:
		l.bus.Publish(blockplan.FormatRemoved{DeviceName: a.Device().Name(), FormatType: string(prev)})
		if restored := a.Device().Format().Type; restored != device.FormatNone {
			l.bus.Publish(blockplan.FormatAdded{DeviceName: a.Device().Name(), FormatType: string(restored)})
		}
	case action.DestroyFormat:
		if restored := a.Device().Format().Type; restored != device.FormatNone {
			l.bus.Publish(blockplan.FormatAdded{DeviceName: a.Device().Name(), FormatType: string(restored)})
		}
	}
	return nil
}

// Actions returns the pending actions in registration order.
func (l *List) Actions() []*action.Action {
	return append([]*action.Action(nil), l.actions...)
}

// Len returns the number of pending actions.
func (l *List) Len() int { return len(l.actions) }

// Prune drops actions whose effect a later action supersedes, to a fixed
// point. Pruned actions are not canceled: the model already reflects the
// plan's net effect, and the survivors are exactly the work needed to reach
// it. Each pass marks against the current list, so a self-obsoleting destroy
// takes the matching create down with it in the same pass.
func (l *List) Prune() {
	for {
		obsolete := make(map[*action.Action]bool)
		for _, a := range l.actions {
			for _, b := range l.actions {
				if b.Obsoletes(a) {
					obsolete[a] = true
					break
				}
			}
		}
		if len(obsolete) == 0 {
			return
		}
		kept := l.actions[:0]
		for i, a := range l.actions {
			if !obsolete[a] {
				kept = append(kept, a)
				continue
			}
			l.logger.WithField("action", a.String()).Debug("action pruned")
			l.bus.Publish(blockplan.ActionRemoved{
				Index:      i,
				DeviceName: a.Device().Name(),
				Summary:    a.String(),
			})
		}
		l.actions = kept
	}
}
