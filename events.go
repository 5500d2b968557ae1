// Package blockplan provides the shared identity, event, and report types for
// the storage-configuration orchestration engine.
//
// The engine builds an in-memory model of a machine's block-storage topology,
// queues create/destroy/resize actions against it, and commits them in
// dependency order. The interesting machinery lives in the devicetree,
// action, and actionlist packages; this package holds the small pieces every
// one of them needs: process-wide device IDs, the typed notification events
// the core emits, and the JSON report types returned from a commit.
package blockplan

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
)

// Event is a notification emitted by the core. Consumers (UI, logging, DBus
// exporters) are pure observers; the core never inspects a subscriber's
// behavior and never blocks on one. Any of the concrete event structs in this
// package may be published.
type Event interface {
	isEvent()
}

// TopicOf returns the stable kebab-case topic for an event, derived from the
// concrete type name: DeviceAdded -> "device-added".
func TopicOf(e Event) string {
	t := reflect.TypeOf(e)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strcase.ToKebab(t.Name())
}

// DeviceAdded is emitted after a device is added to the tree.
type DeviceAdded struct {
	DeviceID int64
	Name     string
}

// DeviceRemoved is emitted after a device is removed from the tree.
type DeviceRemoved struct {
	DeviceID int64
	Name     string
}

// ActionAdded is emitted after an action is registered with the pending list.
type ActionAdded struct {
	Index      int
	DeviceName string
	Summary    string
}

// ActionRemoved is emitted when a pending action is pruned or canceled.
type ActionRemoved struct {
	Index      int
	DeviceName string
	Summary    string
}

// ActionExecuted is emitted after an action's real operation has run, whether
// it succeeded or not. Error is empty on success.
type ActionExecuted struct {
	Index      int
	DeviceName string
	Summary    string
	Error      string
}

// FormatAdded is emitted when a device acquires a new format value.
type FormatAdded struct {
	DeviceName string
	FormatType string
}

// FormatRemoved is emitted when a device's format is reset to "no format".
type FormatRemoved struct {
	DeviceName string
	FormatType string
}

// ParentAdded is emitted when a parent edge is added to a device.
type ParentAdded struct {
	DeviceName string
	ParentName string
}

// ParentRemoved is emitted when a parent edge is removed from a device.
type ParentRemoved struct {
	DeviceName string
	ParentName string
}

// AttributeChanged is emitted when a tracked device attribute changes outside
// of add/remove (rename, size change, exists flip).
type AttributeChanged struct {
	DeviceName string
	Attribute  string
	Old        any
	New        any
}

// ExternalDeviceChange is emitted when a kernel event (hot-plug, removal,
// change) could not be correlated with any in-flight action: something other
// than this engine touched the device.
type ExternalDeviceChange struct {
	Action     string
	DeviceName string
	SysfsPath  string
}

func (DeviceAdded) isEvent()          {}
func (DeviceRemoved) isEvent()        {}
func (ActionAdded) isEvent()          {}
func (ActionRemoved) isEvent()        {}
func (ActionExecuted) isEvent()       {}
func (FormatAdded) isEvent()          {}
func (FormatRemoved) isEvent()        {}
func (ParentAdded) isEvent()          {}
func (ParentRemoved) isEvent()        {}
func (AttributeChanged) isEvent()     {}
func (ExternalDeviceChange) isEvent() {}

// Bus fans events out to subscribers. Publish runs subscribers synchronously
// but shields the core from them: a panicking subscriber is logged and the
// event is dropped for that subscriber only. Return values do not exist; the
// core's correctness never depends on a subscriber.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
	logger logrus.FieldLogger
}

type subscription struct {
	topic string // empty = all topics
	fn    func(Event)
}

// NewBus creates an event bus. logger may be nil.
func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		subs:   make(map[int]subscription),
		logger: logger.WithField("component", "event-bus"),
	}
}

// Subscribe registers fn for every event. The returned function removes the
// subscription.
func (b *Bus) Subscribe(fn func(Event)) func() {
	return b.subscribe("", fn)
}

// SubscribeTopic registers fn for events whose TopicOf matches topic.
func (b *Bus) SubscribeTopic(topic string, fn func(Event)) func() {
	return b.subscribe(topic, fn)
}

func (b *Bus) subscribe(topic string, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{topic: topic, fn: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers e to matching subscribers. It never returns an error and
// never blocks beyond the subscribers' own synchronous work.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	topic := TopicOf(e)
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(topic, e, fn)
	}
}

func (b *Bus) deliver(topic string, e Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"topic": topic,
				"panic": fmt.Sprintf("%v", r),
			}).Error("subscriber panicked; event dropped for that subscriber")
		}
	}()
	fn(e)
}
