// Package notify delivers operator notifications. Delivery is fire-and-forget:
// a failed notification is logged and never fails the operation that raised it.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies an event.
type Kind string

// Event kinds.
const (
	KindSyncFailed           Kind = "sync_failed"
	KindSyncDone             Kind = "sync_done"
	KindFixityCorrupted      Kind = "fixity_corrupted"
	KindInsufficientReplicas Kind = "insufficient_reachable_storages"
	KindArchivalFailure      Kind = "archival_failure"
)

// Event is one notification.
type Event struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Time     time.Time         `json:"time"`
	Storage  string            `json:"storage,omitempty"`
	ObjectID string            `json:"object_id,omitempty"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// NewEvent returns an event stamped with a fresh id and the current time.
func NewEvent(kind Kind, message string) Event {
	return Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		Message: message,
	}
}

// Notifier sends events. Notify must not block for long and never fails.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes events to the log at warn level.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs through logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	e := n.logger.Warn().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind))
	if ev.Storage != "" {
		e = e.Str("storage", ev.Storage)
	}
	if ev.ObjectID != "" {
		e = e.Str("object_id", ev.ObjectID)
	}
	for k, v := range ev.Details {
		e = e.Str(k, v)
	}
	e.Msg(ev.Message)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Recorder keeps every event in memory. Used by tests and the CLI status view.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
