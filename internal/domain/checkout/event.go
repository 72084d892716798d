package checkout

import (
	"context"
	"time"

	"github.com/xenking/blkd-checkout/internal/domain/money"
)

// Event reports a checkout transition to downstream consumers.
type Event struct {
	ID            string
	Type          string
	SessionID     string
	PayerID       string
	State         State
	Total         money.Money
	RemainingDue  money.Money
	TransactionID string
	Reason        string
	OccurredAt    time.Time
}

// EventType names the event emitted when a session enters state.
func EventType(state State) string {
	return "checkout." + string(state)
}

// EventPublisher delivers events. Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
