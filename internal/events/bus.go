// Package events carries domain events between the tracking side and the
// relevance side without implicit global hooks.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/pkg/models"
)

// ItemChanged fires when an item's ranking inputs moved: a view, a purchase,
// a review, or a catalog edit.
type ItemChanged struct {
	ItemID      models.ItemID       `json:"item_id"`
	CategoryIDs []models.CategoryID `json:"category_ids"`
	Reason      string              `json:"reason"`
}

// Event reasons.
const (
	ReasonView     = "view"
	ReasonPurchase = "purchase"
	ReasonReview   = "review"
	ReasonUpdate   = "update"
)

// Listener receives published events. Listeners run synchronously on the
// publisher's goroutine and must hand off long work themselves.
type Listener func(ctx context.Context, ev ItemChanged)

// Bus is a minimal synchronous fan-out bus. Subscription happens during
// wiring, before any publishing; both are safe concurrently regardless.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	log       zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "event-bus").Logger()}
}

// Subscribe registers a listener for all ItemChanged events.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener in subscription order.
func (b *Bus) Publish(ctx context.Context, ev ItemChanged) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	b.log.Debug().
		Int64("item", int64(ev.ItemID)).
		Str("reason", ev.Reason).
		Int("listeners", len(listeners)).
		Msg("publishing item change")

	for _, l := range listeners {
		l(ctx, ev)
	}
}
