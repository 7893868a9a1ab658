package store

import (
	"time"

	"gorm.io/gorm"
)

// GORM Models

// Item is a catalog item row.
type Item struct {
	ID               int64      `gorm:"primaryKey;autoIncrement"`
	Title            string     `gorm:"type:text;not null"`
	Description      string     `gorm:"type:text"`
	ShortDescription string     `gorm:"type:text"`
	Categories       []Category `gorm:"many2many:item_categories"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Item) TableName() string { return "items" }

// Category is a catalog category row.
type Category struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"type:text;not null"`
	Slug string `gorm:"uniqueIndex;not null"`
}

func (Category) TableName() string { return "categories" }

// RelevanceScore is one (item, category) score row. The composite unique
// index backs the upsert the scoring engine issues on every recalculation.
type RelevanceScore struct {
	ID         int64   `gorm:"primaryKey;autoIncrement"`
	ItemID     int64   `gorm:"uniqueIndex:idx_scores_item_category,priority:1;index:idx_scores_item;not null"`
	CategoryID int64   `gorm:"uniqueIndex:idx_scores_item_category,priority:2;index:idx_scores_category_score,priority:1;not null"`
	Score      float64 `gorm:"type:double precision;not null;index:idx_scores_category_score,priority:2,sort:desc"`
	UpdatedAt  time.Time
}

func (RelevanceScore) TableName() string { return "relevance_scores" }

// ItemView is one recorded catalog view. Rows are pruned on a rolling window,
// only recent history feeds the popularity signal.
type ItemView struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ItemID      int64     `gorm:"index:idx_views_item_time,priority:1;index:idx_views_dedup,priority:1;not null"`
	CategoryID  int64     `gorm:"index"`
	VisitorKind string    `gorm:"type:text;check:visitor_kind IN ('user', 'anonymous');not null"`
	VisitorID   string    `gorm:"index:idx_views_dedup,priority:2;not null"`
	ViewedAt    time.Time `gorm:"index:idx_views_item_time,priority:2,sort:desc;index:idx_views_dedup,priority:3;not null"`
}

func (ItemView) TableName() string { return "item_views" }

// BeforeCreate stamps the view time when the caller left it zero.
func (v *ItemView) BeforeCreate(tx *gorm.DB) error {
	if v.ViewedAt.IsZero() {
		v.ViewedAt = time.Now()
	}
	return nil
}

// ItemPurchase is one recorded sale.
type ItemPurchase struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	ItemID     int64     `gorm:"index;not null"`
	Quantity   int       `gorm:"default:1;not null"`
	OccurredAt time.Time `gorm:"not null"`
}

func (ItemPurchase) TableName() string { return "item_purchases" }

func (p *ItemPurchase) BeforeCreate(tx *gorm.DB) error {
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now()
	}
	if p.Quantity <= 0 {
		p.Quantity = 1
	}
	return nil
}

// ItemReview is one recorded review.
type ItemReview struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	ItemID    int64 `gorm:"index;not null"`
	Rating    int   `gorm:"default:0"`
	CreatedAt time.Time
}

func (ItemReview) TableName() string { return "item_reviews" }
