package engine

import (
	"sync"

	"github.com/GoDashPi/device-client/internal/store"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventFilesReady follows a chunk rotation in a session.
	EventFilesReady EventType = iota + 1
	// EventSensorThreshold follows a session+type reaching the batch size.
	EventSensorThreshold
	// EventUploadRequested is an explicit upload command.
	EventUploadRequested
)

func (t EventType) String() string {
	switch t {
	case EventFilesReady:
		return "files_ready"
	case EventSensorThreshold:
		return "sensor_threshold"
	case EventUploadRequested:
		return "upload_requested"
	}
	return "unknown"
}

// Event is one unit of work for the engine loop.
type Event struct {
	Type       EventType
	SessionID  string
	SensorType string
	Statuses   []store.Status
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so producers (fsnotify callbacks, HTTP handlers)
// never block. The signal channel lets the Run loop wait with a select on
// its context.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front event without blocking.
// Returns (Event{}, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	// Clear the slot so the Statuses slice can be collected.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// It is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes any waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
