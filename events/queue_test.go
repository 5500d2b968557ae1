package events

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recorder struct {
	mu     sync.Mutex
	events []blockplan.ExternalDeviceChange
}

func (r *recorder) record(e blockplan.Event) {
	if ext, ok := e.(blockplan.ExternalDeviceChange); ok {
		r.mu.Lock()
		r.events = append(r.events, ext)
		r.mu.Unlock()
	}
}

func (r *recorder) snapshot() []blockplan.ExternalDeviceChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]blockplan.ExternalDeviceChange(nil), r.events...)
}

func TestUnsolicitedEventReachesBus(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	q := NewQueue(bus, func(Event) bool { return false }, quietLogger())
	q.Start()
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "sdz", SysfsPath: "/sys/block/sdz"})
	q.Stop()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("published events = %v, want one", got)
	}
	if got[0].DeviceName != "sdz" || got[0].Action != "add" {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestSuppressedEventsNeverPublished(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	q := NewQueue(bus, func(Event) bool { return false }, quietLogger())
	q.Suppress(ActionAdd, "vda1", 2)
	q.Start()
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "vda1"})
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "vda1"})
	// Third one exceeds the suppression count and is unsolicited.
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "vda1"})
	q.Stop()

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("published events = %v, want only the third", got)
	}
}

func TestSuppressionIsKeyedOnAction(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	q := NewQueue(bus, func(Event) bool { return false }, quietLogger())
	q.Suppress(ActionRemove, "vda1", 1)
	q.Start()
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "vda1"})
	q.Stop()

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("add event must not consume a remove suppression, got %v", got)
	}
}

func TestCorrelationSwallowsEvent(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	q := NewQueue(bus, func(ev Event) bool { return ev.DeviceName == "vda2" }, quietLogger())
	q.Start()
	q.Enqueue(Event{Action: ActionChange, DeviceName: "vda2"})
	q.Stop()

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("correlated event must not be republished, got %v", got)
	}
}

func TestCorrelationRetriesWithinWindow(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	var polls atomic.Int64
	q := NewQueue(bus, func(Event) bool {
		// Matches only after the action "finishes" a few polls in.
		return polls.Add(1) >= 3
	}, quietLogger())
	q.Start()
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "md0"})
	q.Stop()

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("late-correlated event must not be republished, got %v", got)
	}
	if polls.Load() < 3 {
		t.Fatalf("correlation polled %d times, want at least 3", polls.Load())
	}
}

func TestPauseHoldsConsumer(t *testing.T) {
	bus := blockplan.NewBus(quietLogger())
	rec := &recorder{}
	bus.Subscribe(rec.record)

	q := NewQueue(bus, func(Event) bool { return false }, quietLogger())
	q.Start()
	defer q.Stop()

	q.Pause()
	q.Enqueue(Event{Action: ActionAdd, DeviceName: "sdq"})
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("event handled while paused: %v", got)
	}
	q.Resume()

	deadline := time.After(2 * time.Second)
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("event never handled after resume")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
