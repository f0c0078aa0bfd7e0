// Package notify pushes usage and message events to observers.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	TypeUsage         = "usage"
	TypeMessageStatus = "message.status"
	TypeBudgetAlert   = "budget.alert"
	TypeBudgetUpdated = "budget.updated"
	TypeInboxReceived = "inbox.received"
	TypeReset         = "reset"
	typeHeartbeat     = "heartbeat"
)

// Event is one pushed notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher delivers events. Delivery is best effort and never blocks the
// caller on a slow observer.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// New stamps an event with the current time.
func New(typ string, data any) Event {
	return Event{Type: typ, Timestamp: time.Now().UTC(), Data: data}
}

// Multi fans an event out to several publishers.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}
