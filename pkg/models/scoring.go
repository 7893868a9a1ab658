// Package models contains domain models for shoprank.
package models

import "time"

// WeightVector holds the relative importance of each relevance signal.
// Weights are non-negative; only their ratios matter because the final score
// is normalized by the weight sum. A snapshot is taken when a bulk run starts
// so a run stays internally consistent even if configuration changes.
type WeightVector struct {
	Title       float64 `json:"title" koanf:"title" validate:"gte=0"`
	Description float64 `json:"description" koanf:"description" validate:"gte=0"`
	Sales       float64 `json:"sales" koanf:"sales" validate:"gte=0"`
	Reviews     float64 `json:"reviews" koanf:"reviews" validate:"gte=0"`
	Views       float64 `json:"views" koanf:"views" validate:"gte=0"`

	// EnableSemantic toggles the token-similarity fallback used when exact
	// and partial text matching is weak.
	EnableSemantic bool `json:"enable_semantic" koanf:"enable_semantic"`
}

// DefaultWeights returns the stock weight vector. Title dominates, behavioral
// signals trail text signals.
func DefaultWeights() WeightVector {
	return WeightVector{
		Title:          10,
		Description:    5,
		Sales:          3,
		Reviews:        2,
		Views:          1,
		EnableSemantic: true,
	}
}

// Sum returns the total weight mass. A zero sum yields a zero score.
func (w WeightVector) Sum() float64 {
	return w.Title + w.Description + w.Sales + w.Reviews + w.Views
}

// RelevanceScore is one persisted (item, category) score row.
type RelevanceScore struct {
	ItemID      ItemID     `json:"item_id"`
	CategoryID  CategoryID `json:"category_id"`
	Score       float64    `json:"score"`
	LastUpdated time.Time  `json:"last_updated"`
}

// ScoreBreakdown exposes the per-signal sub-scores behind a final score.
// Each component is normalized to [0,1] before weighting.
type ScoreBreakdown struct {
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
	Sales       float64 `json:"sales"`
	Reviews     float64 `json:"reviews"`
	Views       float64 `json:"views"`
	Final       float64 `json:"final"`
}
