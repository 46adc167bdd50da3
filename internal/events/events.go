// Package events fans committed state changes out to connected terminals.
//
// An Event is a cue, not state: receivers re-query the canonical store on
// every notification, so a dropped or reordered event can only delay
// convergence, never corrupt it. The periodic heartbeat tick closes the gap
// for terminals that missed an event entirely.
package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeSaleCreated   Type = "sale-created"
	TypeStockUpdated  Type = "stock-updated"
	TypeProfitUpdated Type = "profit-updated"
	TypeTabCreated    Type = "tab-created"
	TypeTabUpdated    Type = "tab-updated"
)

// Event carries only the change type, the affected entity and a timestamp.
// Derived numbers (today's profit etc.) are never put on the wire.
type Event struct {
	Type     Type      `json:"type"`
	EntityID string    `json:"entity_id,omitempty"`
	At       time.Time `json:"at"`
}

// Broadcaster delivers events to every current subscriber with at-least-once
// effort. Publish never blocks on slow subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a new receiver. The returned cancel func must be
	// called when the receiver goes away; the channel is closed afterwards.
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// New returns an event with the timestamp stamped now.
func New(t Type, entityID string) Event {
	return Event{Type: t, EntityID: entityID, At: time.Now().UTC()}
}
