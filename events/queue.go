// Package events receives external kernel device notifications (hot-plug,
// removal, change) and decides whether they were caused by this engine or by
// somebody else.
//
// Events flow through a bounded queue with a single consumer goroutine. The
// scheduler registers expected events on a suppression list before executing
// its own operations; everything else gets a short correlation window to
// match an in-flight action before being republished on the bus as an
// unsolicited ExternalDeviceChange.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
)

// Action is the kind of change the kernel reported.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionChange Action = "change"
)

// Event is one external notification. Devices are identified by name and
// sysfs path, never by engine ID: an externally-reported device may not have
// one yet.
type Event struct {
	Action     Action
	DeviceName string
	SysfsPath  string
	ReceivedAt time.Time
}

// correlationWindow bounds how long the consumer waits for an in-flight
// action to claim an event before treating it as unsolicited.
const correlationWindow = 1 * time.Second

const queueDepth = 256

var errUncorrelated = errors.New("event not correlated with any in-flight action")

type suppressKey struct {
	action Action
	device string
}

// Queue is the external event queue. Enqueue never blocks; a single consumer
// goroutine drains it. The consumer pauses while a commit is running, so
// event handling never races the scheduler.
type Queue struct {
	logger logrus.FieldLogger
	bus    *blockplan.Bus

	// correlate reports whether an event matches an in-flight action.
	correlate func(Event) bool

	in   chan Event
	done chan struct{}
	wg   sync.WaitGroup

	// gate is held by Pause for the duration of a commit.
	gate sync.Mutex

	mu        sync.Mutex
	blacklist map[suppressKey]int
	dropped   int64
}

// NewQueue creates a queue publishing unsolicited events to bus. correlate
// may be nil, in which case every non-suppressed event is unsolicited.
// logger may be nil.
func NewQueue(bus *blockplan.Bus, correlate func(Event) bool, logger logrus.FieldLogger) *Queue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue{
		logger:    logger.WithField("component", "events"),
		bus:       bus,
		correlate: correlate,
		in:        make(chan Event, queueDepth),
		done:      make(chan struct{}),
		blacklist: make(map[suppressKey]int),
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.consume()
}

// Stop shuts the consumer down after draining what is already queued.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// Enqueue hands an event to the consumer. It never blocks: when the queue is
// full the event is dropped and counted.
func (q *Queue) Enqueue(ev Event) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case q.in <- ev:
	default:
		q.mu.Lock()
		q.dropped++
		n := q.dropped
		q.mu.Unlock()
		q.logger.WithFields(logrus.Fields{
			"device":        ev.DeviceName,
			"action":        string(ev.Action),
			"total_dropped": n,
		}).Warn("event queue full, dropping event")
	}
}

// Suppress registers count expected events for a device and action. The
// scheduler calls this before executing operations that will make the kernel
// echo events back.
func (q *Queue) Suppress(action Action, deviceName string, count int) {
	if count <= 0 {
		return
	}
	q.mu.Lock()
	q.blacklist[suppressKey{action: action, device: deviceName}] += count
	q.mu.Unlock()
}

// Pause blocks the consumer between events until Resume is called. The
// scheduler pauses the queue for the duration of a commit.
func (q *Queue) Pause() {
	q.gate.Lock()
}

// Resume lets the consumer run again.
func (q *Queue) Resume() {
	q.gate.Unlock()
}

func (q *Queue) consume() {
	defer q.wg.Done()
	for {
		select {
		case ev := <-q.in:
			q.gate.Lock()
			q.handle(ev)
			q.gate.Unlock()
		case <-q.done:
			// Drain without waiting for more.
			for {
				select {
				case ev := <-q.in:
					q.gate.Lock()
					q.handle(ev)
					q.gate.Unlock()
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) handle(ev Event) {
	logger := q.logger.WithFields(logrus.Fields{
		"device": ev.DeviceName,
		"action": string(ev.Action),
	})

	if q.consumeSuppression(ev) {
		logger.Debug("event suppressed, caused by our own operation")
		return
	}

	if q.waitCorrelated(ev) {
		logger.Debug("event correlated with in-flight action")
		return
	}

	logger.Info("unsolicited external device event")
	q.bus.Publish(blockplan.ExternalDeviceChange{
		Action:     string(ev.Action),
		DeviceName: ev.DeviceName,
		SysfsPath:  ev.SysfsPath,
	})
}

func (q *Queue) consumeSuppression(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := suppressKey{action: ev.Action, device: ev.DeviceName}
	n, ok := q.blacklist[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(q.blacklist, key)
	} else {
		q.blacklist[key] = n - 1
	}
	return true
}

// waitCorrelated polls the correlation hook with exponential backoff for up
// to the correlation window. The action an event belongs to may still be
// mid-execution when the kernel notification arrives.
func (q *Queue) waitCorrelated(ev Event) bool {
	if q.correlate == nil {
		return false
	}
	op := func() error {
		if q.correlate(ev) {
			return nil
		}
		return errUncorrelated
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = correlationWindow
	return backoff.Retry(op, b) == nil
}
