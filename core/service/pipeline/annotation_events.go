package pipeline

import (
	"time"

	"annotation_server/core/domain"
)

// EventType identifies a lifecycle notification emitted by the pipeline.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventClassified EventType = "classified"
	EventRetry      EventType = "retry"
	EventFailed     EventType = "failed"
	EventError      EventType = "error"
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
)

// Event describes one lifecycle transition for a queued result. For a given
// result the pipeline emits queued, zero or more retry events, then exactly
// one of classified or failed. Started, stopped and error events concern the
// pipeline itself and carry no ResultID.
type Event struct {
	Type       EventType
	ResultID   int64
	Priority   domain.Priority
	Attempt    int
	FromCache  bool
	Annotation *domain.Annotation
	Latency    time.Duration // classified only
	Delay      time.Duration // retry only
	Err        error
}

// Notifier receives pipeline lifecycle events. Implementations must be fast
// and non-blocking; the scheduler calls them synchronously from its dispatch
// goroutines.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
