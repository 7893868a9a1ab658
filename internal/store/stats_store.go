package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shoprank/shoprank/pkg/models"
)

// ViewDedupWindow suppresses repeat views of the same item by the same
// visitor inside this window.
const ViewDedupWindow = 30 * time.Minute

// ViewRetention bounds how long raw view rows are kept.
const ViewRetention = 90 * 24 * time.Hour

// StatsStore records interactions and aggregates them into the counters the
// scoring engine consumes.
type StatsStore struct {
	db *gorm.DB
}

// NewStatsStore creates a stats store backed by the shared connection.
func NewStatsStore(s *Store) *StatsStore {
	return &StatsStore{db: s.DB}
}

// RecordView stores one view unless the same visitor viewed the same item
// within the dedup window. Returns whether a row was written.
func (s *StatsStore) RecordView(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, visitor models.VisitorIdentity) (bool, error) {
	if !visitor.Valid() {
		return false, fmt.Errorf("record view: invalid visitor identity")
	}

	cutoff := time.Now().Add(-ViewDedupWindow)

	var recent int64
	err := s.db.WithContext(ctx).
		Model(&ItemView{}).
		Where("item_id = ? AND visitor_id = ? AND viewed_at > ?", int64(itemID), visitor.ID, cutoff).
		Count(&recent).Error
	if err != nil {
		return false, fmt.Errorf("check recent views: %w", err)
	}
	if recent > 0 {
		return false, nil
	}

	row := ItemView{
		ItemID:      int64(itemID),
		CategoryID:  int64(categoryID),
		VisitorKind: string(visitor.Kind),
		VisitorID:   visitor.ID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return false, fmt.Errorf("record view: %w", err)
	}
	return true, nil
}

// RecordPurchase stores one sale of the given quantity.
func (s *StatsStore) RecordPurchase(ctx context.Context, itemID models.ItemID, quantity int) error {
	row := ItemPurchase{ItemID: int64(itemID), Quantity: quantity}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

// RecordReview stores one review.
func (s *StatsStore) RecordReview(ctx context.Context, itemID models.ItemID, rating int) error {
	row := ItemReview{ItemID: int64(itemID), Rating: rating}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	return nil
}

// Sales returns the total units sold of an item.
func (s *StatsStore) Sales(ctx context.Context, itemID models.ItemID) (int, error) {
	var total *int64
	err := s.db.WithContext(ctx).
		Model(&ItemPurchase{}).
		Where("item_id = ?", int64(itemID)).
		Select("SUM(quantity)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum sales for item %d: %w", itemID, err)
	}
	if total == nil {
		return 0, nil
	}
	return int(*total), nil
}

// ReviewCount returns how many reviews an item has.
func (s *StatsStore) ReviewCount(ctx context.Context, itemID models.ItemID) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&ItemReview{}).
		Where("item_id = ?", int64(itemID)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count reviews for item %d: %w", itemID, err)
	}
	return int(n), nil
}

// Views returns how many views an item received in a category over the last
// windowDays days.
func (s *StatsStore) Views(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, windowDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -windowDays)

	var n int64
	err := s.db.WithContext(ctx).
		Model(&ItemView{}).
		Where("item_id = ? AND category_id = ? AND viewed_at > ?", int64(itemID), int64(categoryID), cutoff).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count views for item %d: %w", itemID, err)
	}
	return int(n), nil
}

// PruneOldViews deletes view rows older than the retention window and
// reports how many were removed.
func (s *StatsStore) PruneOldViews(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-ViewRetention)
	res := s.db.WithContext(ctx).
		Where("viewed_at < ?", cutoff).
		Delete(&ItemView{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune old views: %w", res.Error)
	}
	return res.RowsAffected, nil
}
