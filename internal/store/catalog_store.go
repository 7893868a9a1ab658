package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/shoprank/shoprank/pkg/models"
)

// CatalogStore reads and writes catalog items and categories.
type CatalogStore struct {
	db *gorm.DB
}

// NewCatalogStore creates a catalog store backed by the shared connection.
func NewCatalogStore(s *Store) *CatalogStore {
	return &CatalogStore{db: s.DB}
}

// GetItem loads one item with its category ids. Returns (nil, nil) when the
// item does not exist; scoring treats a missing item as a zero score, not an
// infrastructure failure.
func (s *CatalogStore) GetItem(ctx context.Context, id models.ItemID) (*models.Item, error) {
	var row Item
	err := s.db.WithContext(ctx).Preload("Categories").First(&row, int64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}

	item := &models.Item{
		ID:               models.ItemID(row.ID),
		Title:            row.Title,
		Description:      row.Description,
		ShortDescription: row.ShortDescription,
	}
	for _, c := range row.Categories {
		item.CategoryIDs = append(item.CategoryIDs, models.CategoryID(c.ID))
	}
	return item, nil
}

// GetCategory loads one category. Returns (nil, nil) when it does not exist.
func (s *CatalogStore) GetCategory(ctx context.Context, id models.CategoryID) (*models.Category, error) {
	var row Category
	err := s.db.WithContext(ctx).First(&row, int64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get category %d: %w", id, err)
	}
	return &models.Category{ID: models.CategoryID(row.ID), Name: row.Name}, nil
}

// ListAllItemIDs returns every item id in insertion order. Bulk recalculation
// partitions this list into batches.
func (s *CatalogStore) ListAllItemIDs(ctx context.Context) ([]models.ItemID, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&Item{}).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list item ids: %w", err)
	}

	out := make([]models.ItemID, len(ids))
	for i, id := range ids {
		out[i] = models.ItemID(id)
	}
	return out, nil
}

// ListCategoryIDs returns the ids of the categories an item belongs to.
func (s *CatalogStore) ListCategoryIDs(ctx context.Context, itemID models.ItemID) ([]models.CategoryID, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Table("item_categories").
		Where("item_id = ?", int64(itemID)).
		Order("category_id").
		Pluck("category_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list categories for item %d: %w", itemID, err)
	}

	out := make([]models.CategoryID, len(ids))
	for i, id := range ids {
		out[i] = models.CategoryID(id)
	}
	return out, nil
}

// SaveItem inserts or updates an item and replaces its category links.
func (s *CatalogStore) SaveItem(ctx context.Context, item *models.Item) error {
	row := Item{
		ID:               int64(item.ID),
		Title:            item.Title,
		Description:      item.Description,
		ShortDescription: item.ShortDescription,
	}
	for _, cid := range item.CategoryIDs {
		row.Categories = append(row.Categories, Category{ID: int64(cid)})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save item: %w", err)
		}
		if err := tx.Model(&row).Association("Categories").Replace(row.Categories); err != nil {
			return fmt.Errorf("replace item categories: %w", err)
		}
		item.ID = models.ItemID(row.ID)
		return nil
	})
}

// SaveCategory inserts or updates a category.
func (s *CatalogStore) SaveCategory(ctx context.Context, cat *models.Category, slug string) error {
	row := Category{ID: int64(cat.ID), Name: cat.Name, Slug: slug}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save category: %w", err)
	}
	cat.ID = models.CategoryID(row.ID)
	return nil
}
