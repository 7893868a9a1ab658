package store

import (
	"github.com/shoprank/shoprank/internal/ranking"
	"github.com/shoprank/shoprank/internal/recalc"
	"github.com/shoprank/shoprank/internal/tracking"
)

// The stores back the scoring engine and the orchestrator directly.
var (
	_ ranking.CatalogStore  = (*CatalogStore)(nil)
	_ recalc.CatalogStore   = (*CatalogStore)(nil)
	_ ranking.ScoreStore    = (*ScoreStore)(nil)
	_ ranking.StatsProvider = (*StatsStore)(nil)
	_ tracking.ViewPruner   = (*StatsStore)(nil)
)
