// Package tracking records catalog interactions and announces them so
// relevance can follow activity without callers knowing about scoring.
package tracking

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/internal/events"
	"github.com/shoprank/shoprank/pkg/models"
)

// Stats is the write side of the interaction counters.
type Stats interface {
	RecordView(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, visitor models.VisitorIdentity) (bool, error)
	RecordPurchase(ctx context.Context, itemID models.ItemID, quantity int) error
	RecordReview(ctx context.Context, itemID models.ItemID, rating int) error
}

// Catalog resolves an item's category memberships for change events.
type Catalog interface {
	ListCategoryIDs(ctx context.Context, itemID models.ItemID) ([]models.CategoryID, error)
}

// Config holds tracking toggles.
type Config struct {
	// TrackAnonymous admits interactions from visitors without an account.
	TrackAnonymous bool
	// AutoUpdate publishes a change event after each recorded interaction so
	// the item's relevance is refreshed in the background.
	AutoUpdate bool
}

// Tracker records views, purchases and reviews.
type Tracker struct {
	stats   Stats
	catalog Catalog
	bus     *events.Bus
	cfg     Config
	log     zerolog.Logger
}

// NewTracker creates a tracker. The bus may be nil when nothing listens.
func NewTracker(stats Stats, catalog Catalog, bus *events.Bus, cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		stats:   stats,
		catalog: catalog,
		bus:     bus,
		cfg:     cfg,
		log:     log.With().Str("component", "tracker").Logger(),
	}
}

// RecordView records one catalog view. Anonymous visitors are dropped when
// anonymous tracking is off; repeat views inside the dedup window are
// swallowed by the store. Returns whether the view counted.
func (t *Tracker) RecordView(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, visitor models.VisitorIdentity) (bool, error) {
	if !visitor.Valid() {
		return false, fmt.Errorf("track view: invalid visitor identity")
	}
	if visitor.Kind == models.VisitorAnonymous && !t.cfg.TrackAnonymous {
		return false, nil
	}

	written, err := t.stats.RecordView(ctx, itemID, categoryID, visitor)
	if err != nil {
		return false, fmt.Errorf("track view: %w", err)
	}
	if written {
		t.publish(ctx, itemID, events.ReasonView)
	}
	return written, nil
}

// RecordPurchase records a sale of the given quantity (minimum 1).
func (t *Tracker) RecordPurchase(ctx context.Context, itemID models.ItemID, quantity int) error {
	if quantity <= 0 {
		quantity = 1
	}
	if err := t.stats.RecordPurchase(ctx, itemID, quantity); err != nil {
		return fmt.Errorf("track purchase: %w", err)
	}
	t.publish(ctx, itemID, events.ReasonPurchase)
	return nil
}

// RecordReview records one review.
func (t *Tracker) RecordReview(ctx context.Context, itemID models.ItemID, rating int) error {
	if err := t.stats.RecordReview(ctx, itemID, rating); err != nil {
		return fmt.Errorf("track review: %w", err)
	}
	t.publish(ctx, itemID, events.ReasonReview)
	return nil
}

func (t *Tracker) publish(ctx context.Context, itemID models.ItemID, reason string) {
	if !t.cfg.AutoUpdate || t.bus == nil {
		return
	}

	categoryIDs, err := t.catalog.ListCategoryIDs(ctx, itemID)
	if err != nil {
		t.log.Warn().Err(err).Int64("item", int64(itemID)).Msg("category lookup failed, skipping change event")
		return
	}
	if len(categoryIDs) == 0 {
		return
	}

	t.bus.Publish(ctx, events.ItemChanged{
		ItemID:      itemID,
		CategoryIDs: categoryIDs,
		Reason:      reason,
	})
}
