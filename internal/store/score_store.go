package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shoprank/shoprank/pkg/models"
)

// ScoreStore persists relevance scores per (item, category) pair.
type ScoreStore struct {
	db *gorm.DB
}

// NewScoreStore creates a score store backed by the shared connection.
func NewScoreStore(s *Store) *ScoreStore {
	return &ScoreStore{db: s.DB}
}

// Upsert writes the score for one pair, inserting or overwriting atomically.
func (s *ScoreStore) Upsert(ctx context.Context, score models.RelevanceScore) error {
	updatedAt := score.LastUpdated
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	row := RelevanceScore{
		ItemID:     int64(score.ItemID),
		CategoryID: int64(score.CategoryID),
		Score:      score.Score,
		UpdatedAt:  updatedAt,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "item_id"}, {Name: "category_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert score item=%d category=%d: %w", score.ItemID, score.CategoryID, err)
	}
	return nil
}

// Get reads the stored score for one pair. The second return reports whether
// a row exists.
func (s *ScoreStore) Get(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (float64, bool, error) {
	var row RelevanceScore
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND category_id = ?", int64(itemID), int64(categoryID)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get score item=%d category=%d: %w", itemID, categoryID, err)
	}
	return row.Score, true, nil
}

// TopByCategory returns up to limit scores for a category, highest first.
func (s *ScoreStore) TopByCategory(ctx context.Context, categoryID models.CategoryID, limit int) ([]models.RelevanceScore, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []RelevanceScore
	err := s.db.WithContext(ctx).
		Where("category_id = ?", int64(categoryID)).
		Order("score DESC, item_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("top scores for category %d: %w", categoryID, err)
	}

	out := make([]models.RelevanceScore, len(rows))
	for i, r := range rows {
		out[i] = models.RelevanceScore{
			ItemID:      models.ItemID(r.ItemID),
			CategoryID:  models.CategoryID(r.CategoryID),
			Score:       r.Score,
			LastUpdated: r.UpdatedAt,
		}
	}
	return out, nil
}

// DeleteForItem removes every stored score of an item, used when the item
// leaves the catalog.
func (s *ScoreStore) DeleteForItem(ctx context.Context, itemID models.ItemID) error {
	err := s.db.WithContext(ctx).
		Where("item_id = ?", int64(itemID)).
		Delete(&RelevanceScore{}).Error
	if err != nil {
		return fmt.Errorf("delete scores for item %d: %w", itemID, err)
	}
	return nil
}
