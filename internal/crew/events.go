package crew

import (
	"context"
	"time"
)

// EventKind labels a progress event.
type EventKind string

const (
	EventKickoffStarted  EventKind = "kickoff_started"
	EventTaskStarted     EventKind = "task_started"
	EventToolUsed        EventKind = "tool_used"
	EventTaskFinished    EventKind = "task_finished"
	EventKickoffFinished EventKind = "kickoff_finished"
	EventKickoffFailed   EventKind = "kickoff_failed"
)

// Event reports engine progress. Content is never included.
type Event struct {
	Kind   EventKind `json:"kind"`
	Task   string    `json:"task,omitempty"`
	Agent  string    `json:"agent,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Observer receives events. It must not block.
type Observer func(Event)

type observerKey struct{}

// WithObserver attaches an observer to ctx for the engine to report to.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	if obs == nil {
		return ctx
	}
	return context.WithValue(ctx, observerKey{}, obs)
}

// Emit reports ev to the observer attached to ctx, if any.
func Emit(ctx context.Context, ev Event) {
	obs, ok := ctx.Value(observerKey{}).(Observer)
	if !ok {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	obs(ev)
}
