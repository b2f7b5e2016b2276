package drain

import (
	"context"

	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
)

// Outcome is the terminal transition a handler decided for a row
type Outcome struct {
	Status      queue.Status
	NeedsReview bool
	LogLine     string
}

// Handler processes one queued event that survived dedup. Implementations
// plug in per event type without touching the state machine.
type Handler interface {
	Handle(ctx context.Context, rec queue.Record) (Outcome, error)
}

// Registry maps event types to handlers, with a fallback for everything else
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		fallback: UnhandledReview{},
	}
}

// Register installs a handler for one event type
func (r *Registry) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// For returns the handler responsible for the given event type
func (r *Registry) For(eventType string) Handler {
	if h, ok := r.handlers[eventType]; ok {
		return h
	}
	return r.fallback
}

// UnhandledReview routes an event to a human. It is the fallback for every
// type with no registered handler, which in this version is all of them.
type UnhandledReview struct{}

func (UnhandledReview) Handle(_ context.Context, rec queue.Record) (Outcome, error) {
	eventType := rec.Type
	if eventType == "" {
		eventType = queue.TypeOther
	}
	return Outcome{
		Status:      queue.StatusNeedsReview,
		NeedsReview: true,
		LogLine:     queue.LogLine("no handler for event type %q, routing to human review", eventType),
	}, nil
}
