package bench

import "time"

type EventKind string

const (
	EventProviderStarted  EventKind = "provider_started"
	EventProviderSkipped  EventKind = "provider_skipped"
	EventBatchStarted     EventKind = "batch_started"
	EventSampleRecorded   EventKind = "sample_recorded"
	EventSampleFailed     EventKind = "sample_failed"
	EventBatchFinished    EventKind = "batch_finished"
	EventProviderFinished EventKind = "provider_finished"
)

// Event is one progress notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind     EventKind
	Provider string
	Time     time.Time

	Concurrent int
	Batches    int
	Batch      int // 0-indexed

	Sample Sample
	Err    error

	// Samples holds the provider's elapsed values on EventProviderFinished.
	Samples  []float64
	Failures int
}

// Handler consumes progress events.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(e Event) { f(e) }

// Drain delivers every event to each handler in order until events is closed.
func Drain(events <-chan Event, handlers ...Handler) {
	for ev := range events {
		for _, h := range handlers {
			h.Handle(ev)
		}
	}
}
