package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/internal/tasks"
)

// TaskPruneViews and its group on the task runner.
const (
	TaskPruneViews = "tracking.prune_views"
	PruneGroup     = "tracking-maint"

	// DefaultPruneInterval spaces the periodic view cleanup runs.
	DefaultPruneInterval = 24 * time.Hour
)

// ViewPruner deletes view rows past the retention window.
type ViewPruner interface {
	PruneOldViews(ctx context.Context) (int64, error)
}

// Janitor keeps the view table bounded by running a periodic prune task on
// the durable runner. Each run reschedules the next one, so the chain
// survives restarts along with the queue.
type Janitor struct {
	stats    ViewPruner
	runner   tasks.Runner
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates the janitor and registers its task handler.
func NewJanitor(stats ViewPruner, runner tasks.Runner, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	j := &Janitor{
		stats:    stats,
		runner:   runner,
		interval: interval,
		log:      log.With().Str("component", "janitor").Logger(),
	}
	runner.Register(TaskPruneViews, j.handlePrune)
	return j
}

// Schedule arms the prune chain. A chain already pending in the queue, left
// by a previous process, is kept as is.
func (j *Janitor) Schedule(ctx context.Context) error {
	pending, err := j.runner.CountPending(ctx, PruneGroup)
	if err != nil {
		return fmt.Errorf("count pending prune tasks: %w", err)
	}
	if pending > 0 {
		return nil
	}
	if err := j.runner.ScheduleAt(ctx, time.Now().Add(j.interval), TaskPruneViews, struct{}{}, PruneGroup); err != nil {
		return fmt.Errorf("schedule view prune: %w", err)
	}
	return nil
}

func (j *Janitor) handlePrune(ctx context.Context, _ []byte) error {
	removed, err := j.stats.PruneOldViews(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("view prune failed")
	} else if removed > 0 {
		j.log.Info().Int64("removed", removed).Msg("old views pruned")
	}

	// Reschedule even when the prune failed so the chain stays armed.
	if err := j.runner.ScheduleAt(ctx, time.Now().Add(j.interval), TaskPruneViews, struct{}{}, PruneGroup); err != nil {
		return fmt.Errorf("reschedule view prune: %w", err)
	}
	return err
}
