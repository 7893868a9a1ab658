// Package ranking computes blended relevance scores for catalog items against
// categories, combining text similarity with behavioral popularity signals.
package ranking

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/pkg/models"
	"github.com/shoprank/shoprank/pkg/similarity"
)

// Semantic fallback kicks in when partial text matching stays below these
// thresholds; the fallback score is discounted by the same factor.
const (
	titleSemanticThreshold = 0.8
	descSemanticThreshold  = 0.6

	// descTruncateRunes bounds the similarity call on long descriptions.
	descTruncateRunes = 500

	// DefaultViewWindowDays is the lookback window for view counts.
	DefaultViewWindowDays = 30
)

// CatalogStore resolves items and categories.
type CatalogStore interface {
	GetItem(ctx context.Context, id models.ItemID) (*models.Item, error)
	GetCategory(ctx context.Context, id models.CategoryID) (*models.Category, error)
}

// StatsProvider reports behavioral popularity signals per item.
type StatsProvider interface {
	Sales(ctx context.Context, itemID models.ItemID) (int, error)
	ReviewCount(ctx context.Context, itemID models.ItemID) (int, error)
	Views(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, windowDays int) (int, error)
}

// ScoreStore persists (item, category) relevance rows with upsert semantics.
type ScoreStore interface {
	Upsert(ctx context.Context, score models.RelevanceScore) error
	Get(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (float64, bool, error)
}

// Cache is a short-lived score cache in front of the score store.
type Cache interface {
	Get(itemID models.ItemID, categoryID models.CategoryID) (float64, bool)
	Set(itemID models.ItemID, categoryID models.CategoryID, score float64)
	InvalidateItem(itemID models.ItemID)
}

// Engine computes relevance scores. All collaborators are injected at
// construction; the weight snapshot is immutable for the engine's lifetime.
type Engine struct {
	catalog CatalogStore
	stats   StatsProvider
	scores  ScoreStore
	cache   Cache
	weights models.WeightVector

	viewWindowDays int
	log            zerolog.Logger
}

// NewEngine creates a scoring engine with the given collaborators and weight
// snapshot. cache may be nil; caching is then skipped.
func NewEngine(
	catalog CatalogStore,
	stats StatsProvider,
	scores ScoreStore,
	cache Cache,
	weights models.WeightVector,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		catalog:        catalog,
		stats:          stats,
		scores:         scores,
		cache:          cache,
		weights:        weights,
		viewWindowDays: DefaultViewWindowDays,
		log:            log.With().Str("component", "ranking-engine").Logger(),
	}
}

// Weights returns the engine's weight snapshot.
func (e *Engine) Weights() models.WeightVector {
	return e.weights
}

// Score computes the relevance of an item for a category, in [0, 100].
// An unresolvable item or category scores 0; infrastructure failures
// propagate as errors so callers can isolate them per item.
func (e *Engine) Score(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (float64, error) {
	breakdown, err := e.ScoreBreakdown(ctx, itemID, categoryID)
	if err != nil {
		return 0, err
	}
	return breakdown.Final, nil
}

// ScoreBreakdown computes the relevance score along with its per-signal
// components. Useful for explaining scores to operators.
func (e *Engine) ScoreBreakdown(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (models.ScoreBreakdown, error) {
	item, err := e.catalog.GetItem(ctx, itemID)
	if err != nil {
		return models.ScoreBreakdown{}, fmt.Errorf("get item %d: %w", itemID, err)
	}
	category, err := e.catalog.GetCategory(ctx, categoryID)
	if err != nil {
		return models.ScoreBreakdown{}, fmt.Errorf("get category %d: %w", categoryID, err)
	}
	if item == nil || category == nil {
		return models.ScoreBreakdown{}, nil
	}

	weightSum := e.weights.Sum()
	if weightSum <= 0 {
		return models.ScoreBreakdown{}, nil
	}

	breakdown := models.ScoreBreakdown{
		Title:       titleScore(item.Title, category.Name, e.weights.EnableSemantic),
		Description: descriptionScore(item.Description, item.ShortDescription, category.Name, e.weights.EnableSemantic),
		Sales:       logScore(e.statCount(ctx, itemID, categoryID, statSales), 3),
		Reviews:     logScore(e.statCount(ctx, itemID, categoryID, statReviews), 2),
		Views:       logScore(e.statCount(ctx, itemID, categoryID, statViews), 3),
	}

	total := breakdown.Title*e.weights.Title +
		breakdown.Description*e.weights.Description +
		breakdown.Sales*e.weights.Sales +
		breakdown.Reviews*e.weights.Reviews +
		breakdown.Views*e.weights.Views

	breakdown.Final = round4(total / weightSum * 100)
	return breakdown, nil
}

// UpdateRelevance computes and upserts one score row per category, then drops
// any cached copies for the item.
func (e *Engine) UpdateRelevance(ctx context.Context, itemID models.ItemID, categoryIDs []models.CategoryID) error {
	for _, categoryID := range categoryIDs {
		score, err := e.Score(ctx, itemID, categoryID)
		if err != nil {
			return err
		}
		row := models.RelevanceScore{
			ItemID:      itemID,
			CategoryID:  categoryID,
			Score:       score,
			LastUpdated: time.Now(),
		}
		if err := e.scores.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert score item=%d category=%d: %w", itemID, categoryID, err)
		}
	}

	if e.cache != nil {
		e.cache.InvalidateItem(itemID)
	}
	return nil
}

// CachedScore reads an item/category score through the cache, falling back to
// the score store. A missing row triggers compute-and-persist so storefront
// reads never see a hole.
func (e *Engine) CachedScore(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (float64, error) {
	if e.cache != nil {
		if score, ok := e.cache.Get(itemID, categoryID); ok {
			return score, nil
		}
	}

	score, found, err := e.scores.Get(ctx, itemID, categoryID)
	if err != nil {
		return 0, fmt.Errorf("get score item=%d category=%d: %w", itemID, categoryID, err)
	}
	if !found {
		score, err = e.Score(ctx, itemID, categoryID)
		if err != nil {
			return 0, err
		}
		// Persist exactly the value being returned to the caller.
		row := models.RelevanceScore{
			ItemID:      itemID,
			CategoryID:  categoryID,
			Score:       score,
			LastUpdated: time.Now(),
		}
		if err := e.scores.Upsert(ctx, row); err != nil {
			return 0, fmt.Errorf("upsert score item=%d category=%d: %w", itemID, categoryID, err)
		}
	}

	if e.cache != nil {
		e.cache.Set(itemID, categoryID, score)
	}
	return score, nil
}

type statKind int

const (
	statSales statKind = iota
	statReviews
	statViews
)

// statCount fetches one popularity counter, treating provider failures as a
// zero count. Relevance is best-effort; a flaky stats backend must not sink a
// whole scoring pass.
func (e *Engine) statCount(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, kind statKind) int {
	var (
		n   int
		err error
	)
	switch kind {
	case statSales:
		n, err = e.stats.Sales(ctx, itemID)
	case statReviews:
		n, err = e.stats.ReviewCount(ctx, itemID)
	case statViews:
		n, err = e.stats.Views(ctx, itemID, categoryID, e.viewWindowDays)
	}
	if err != nil {
		e.log.Warn().Err(err).Int64("item", int64(itemID)).Msg("stat lookup failed, counting as zero")
		return 0
	}
	return n
}

// titleScore matches the category name against the item title. Literal
// containment wins outright; otherwise the fraction of category tokens found
// as substrings of title tokens, with a discounted semantic fallback when the
// partial score is weak.
func titleScore(title, categoryName string, enableSemantic bool) float64 {
	if title == "" || categoryName == "" {
		return 0
	}

	titleLower := strings.ToLower(title)
	categoryLower := strings.ToLower(categoryName)

	if strings.Contains(titleLower, categoryLower) {
		return 1.0
	}

	titleWords := strings.Fields(titleLower)
	categoryWords := strings.Fields(categoryLower)
	if len(categoryWords) == 0 {
		return 0
	}

	matches := 0
	for _, catWord := range categoryWords {
		if len([]rune(catWord)) <= 2 {
			continue
		}
		for _, titleWord := range titleWords {
			if strings.Contains(titleWord, catWord) {
				matches++
				break
			}
		}
	}
	partial := float64(matches) / float64(len(categoryWords))

	if enableSemantic && partial < titleSemanticThreshold {
		semantic := similarity.Similarity(title, categoryName)
		return math.Max(partial, semantic*titleSemanticThreshold)
	}
	return partial
}

// descriptionScore runs the same containment-then-partial logic over the
// concatenated long and short descriptions. Partial matching here requires a
// whole-token hit, and the semantic fallback only sees the first 500 runes.
func descriptionScore(description, shortDescription, categoryName string, enableSemantic bool) float64 {
	fullDescription := strings.TrimSpace(description + " " + shortDescription)
	if fullDescription == "" || categoryName == "" {
		return 0
	}

	descLower := strings.ToLower(fullDescription)
	categoryLower := strings.ToLower(categoryName)

	if strings.Contains(descLower, categoryLower) {
		return 1.0
	}

	descWords := toWordSet(similarity.Normalize(descLower))
	categoryWords := strings.Fields(categoryLower)
	if len(categoryWords) == 0 {
		return 0
	}

	matches := 0
	for _, catWord := range categoryWords {
		if len([]rune(catWord)) <= 2 {
			continue
		}
		if _, ok := descWords[catWord]; ok {
			matches++
		}
	}
	partial := float64(matches) / float64(len(categoryWords))

	if enableSemantic && partial < descSemanticThreshold {
		semantic := similarity.Similarity(truncateRunes(fullDescription, descTruncateRunes), categoryName)
		return math.Max(partial, semantic*descSemanticThreshold)
	}
	return partial
}

// logScore maps a non-negative count onto [0,1] with a log10 scale. With
// divisor 3, 999 occurrences saturate the scale; with divisor 2, 99 do.
func logScore(count int, divisor float64) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(math.Log10(float64(count)+1)/divisor, 1.0)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func toWordSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
