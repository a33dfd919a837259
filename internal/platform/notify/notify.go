// Package notify publishes review lifecycle events to downstream consumers
// such as reviewer worklists and LIS connectors.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	ReviewQueued   EventType = "review.queued"
	ReviewMerged   EventType = "review.merged"
	ReviewDecided  EventType = "review.decided"
	ResultRejected EventType = "result.rejected"
)

// Event is the payload published for every lifecycle change.
type Event struct {
	Type      EventType   `json:"type"`
	TenantID  string      `json:"tenant_id"`
	SampleID  uuid.UUID   `json:"sample_id"`
	ReviewID  *uuid.UUID  `json:"review_id,omitempty"`
	ResultIDs []uuid.UUID `json:"result_ids,omitempty"`
	Decision  string      `json:"decision,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }
func (Noop) Close()                              {}

// Memory keeps events in order of arrival.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Notify(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() {}

// Events returns a copy of what has been delivered so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the delivered events of type t.
func (m *Memory) OfType(t EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Fanout delivers each event to every notifier in order. A failing sink does
// not stop the others; their errors are joined.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() {
	for _, n := range f {
		n.Close()
	}
}
