// Package recalc orchestrates bulk relevance recalculation: it partitions the
// catalog into batches, schedules them on the task runner and tracks the
// single process-wide job's progress.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/internal/tasks"
	"github.com/shoprank/shoprank/pkg/models"
)

// Task names and the scheduling group for bulk recalculation.
const (
	TaskProcessBatch = "recalc.process_batch"
	TaskComplete     = "recalc.complete"
	TaskUpdateItem   = "relevance.update_item"

	// BulkGroup collects the batch and completion tasks of one bulk run.
	BulkGroup = "recalc"
	// AutoGroup collects single-item updates triggered by tracked activity.
	AutoGroup = "relevance-auto"
)

// Defaults and bounds.
const (
	DefaultBatchSize = 50
	MinBatchSize     = 1
	MaxBatchSize     = 500

	// DefaultStagger spaces batch slots to bound load on the stores.
	DefaultStagger = 10 * time.Second

	// DefaultStallTimeout is how long a running job may go without a progress
	// update, with nothing queued or executing, before it is declared dead.
	DefaultStallTimeout = 300 * time.Second
)

var (
	// ErrJobRunning rejects a start while a job is already running.
	ErrJobRunning = errors.New("a recalculation job is already running")
	// ErrEmptyCatalog rejects a start over a catalog with no items.
	ErrEmptyCatalog = errors.New("catalog has no items to score")
	// ErrNotRunning rejects a cancel when no job is running.
	ErrNotRunning = errors.New("no recalculation job is running")
)

// CatalogStore enumerates the catalog for batching.
type CatalogStore interface {
	ListAllItemIDs(ctx context.Context) ([]models.ItemID, error)
	ListCategoryIDs(ctx context.Context, itemID models.ItemID) ([]models.CategoryID, error)
}

// Scorer computes and persists relevance for one item.
type Scorer interface {
	UpdateRelevance(ctx context.Context, itemID models.ItemID, categoryIDs []models.CategoryID) error
}

// ScorerProvider builds a scorer with a fresh weight snapshot. It is invoked
// once per bulk run so weight changes never land mid-run.
type ScorerProvider func() Scorer

// Config holds orchestrator tuning.
type Config struct {
	// BatchSize is items per batch, clamped to [MinBatchSize, MaxBatchSize].
	BatchSize int
	// Stagger is the delay between consecutive batch slots.
	Stagger time.Duration
	// StallTimeout is the inactivity window before a run is marked failed.
	StallTimeout time.Duration
}

// StartResult reports an accepted start.
type StartResult struct {
	JobID        string `json:"job_id"`
	TotalItems   int    `json:"total_items"`
	TotalBatches int    `json:"total_batches"`
}

// Orchestrator drives bulk recalculation over the task runner. All mutations
// of the shared job record are serialized through one mutex; concurrent batch
// completions cannot lose updates.
type Orchestrator struct {
	catalog  CatalogStore
	provider ScorerProvider
	runner   tasks.Runner
	log      zerolog.Logger

	batchSize    int
	stagger      time.Duration
	stallTimeout time.Duration

	mu        sync.Mutex
	job       *models.RecalcJob
	runScorer Scorer
}

// NewOrchestrator creates the orchestrator and registers its task handlers on
// the runner. The runner is required; on-demand scoring stays available
// without one, but bulk recalculation cannot function.
func NewOrchestrator(
	catalog CatalogStore,
	provider ScorerProvider,
	runner tasks.Runner,
	cfg Config,
	log zerolog.Logger,
) (*Orchestrator, error) {
	if runner == nil {
		return nil, errors.New("recalc: task runner is required")
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	stagger := cfg.Stagger
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	stallTimeout := cfg.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}

	o := &Orchestrator{
		catalog:      catalog,
		provider:     provider,
		runner:       runner,
		log:          log.With().Str("component", "recalc-orchestrator").Logger(),
		batchSize:    batchSize,
		stagger:      stagger,
		stallTimeout: stallTimeout,
	}

	runner.Register(TaskProcessBatch, o.handleBatch)
	runner.Register(TaskComplete, o.handleComplete)
	runner.Register(TaskUpdateItem, o.handleItemUpdate)

	return o, nil
}

type batchPayload struct {
	BatchIndex   int             `json:"batch_index"`
	ItemIDs      []models.ItemID `json:"item_ids"`
	TotalBatches int             `json:"total_batches"`
}

type itemUpdatePayload struct {
	ItemID      models.ItemID       `json:"item_id"`
	CategoryIDs []models.CategoryID `json:"category_ids"`
}

// Start launches a new bulk run. Rejected with ErrJobRunning while a job is
// running; any terminal previous job is fully replaced.
func (o *Orchestrator) Start(ctx context.Context) (StartResult, error) {
	now := time.Now()
	jobID := uuid.NewString()

	// Admit the run before enumerating the catalog, so a concurrent Start
	// is rejected for the whole window instead of racing past the check.
	o.mu.Lock()
	if o.job != nil && o.job.Status == models.JobRunning {
		o.mu.Unlock()
		return StartResult{}, ErrJobRunning
	}
	prev := o.job
	o.job = &models.RecalcJob{
		ID:        jobID,
		Status:    models.JobRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.mu.Unlock()

	rollback := func() {
		o.mu.Lock()
		if o.job != nil && o.job.ID == jobID {
			o.job = prev
		}
		o.mu.Unlock()
	}

	itemIDs, err := o.catalog.ListAllItemIDs(ctx)
	if err != nil {
		rollback()
		return StartResult{}, fmt.Errorf("list catalog items: %w", err)
	}
	if len(itemIDs) == 0 {
		rollback()
		return StartResult{}, ErrEmptyCatalog
	}

	batches := chunkItems(itemIDs, o.batchSize)

	o.mu.Lock()
	if o.job == nil || o.job.ID != jobID || o.job.Status != models.JobRunning {
		// Cancelled while enumerating.
		o.mu.Unlock()
		return StartResult{}, ErrNotRunning
	}
	o.job.TotalItems = len(itemIDs)
	o.job.TotalBatches = len(batches)
	o.runScorer = o.provider()
	o.mu.Unlock()

	// Drop leftovers of any stale run before scheduling the new one.
	if err := o.runner.CancelGroup(ctx, BulkGroup); err != nil {
		o.failJob(fmt.Sprintf("cancel stale tasks: %v", err))
		return StartResult{}, fmt.Errorf("cancel stale tasks: %w", err)
	}

	for i, batch := range batches {
		runAt := now.Add(time.Duration(i) * o.stagger)
		payload := batchPayload{BatchIndex: i, ItemIDs: batch, TotalBatches: len(batches)}
		if err := o.runner.ScheduleAt(ctx, runAt, TaskProcessBatch, payload, BulkGroup); err != nil {
			o.failJob(fmt.Sprintf("schedule batch %d: %v", i, err))
			return StartResult{}, fmt.Errorf("schedule batch %d: %w", i, err)
		}
	}

	completeAt := now.Add(time.Duration(len(batches)+1) * o.stagger)
	if err := o.runner.ScheduleAt(ctx, completeAt, TaskComplete, struct{}{}, BulkGroup); err != nil {
		o.failJob(fmt.Sprintf("schedule completion: %v", err))
		return StartResult{}, fmt.Errorf("schedule completion: %w", err)
	}

	o.log.Info().
		Str("job", jobID).
		Int("items", len(itemIDs)).
		Int("batches", len(batches)).
		Msg("bulk recalculation started")

	return StartResult{JobID: jobID, TotalItems: len(itemIDs), TotalBatches: len(batches)}, nil
}

// Cancel stops a running job: pending tasks are unscheduled, batches already
// executing drain, applied score writes stay.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.job == nil || o.job.Status != models.JobRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.mu.Unlock()

	if err := o.runner.CancelGroup(ctx, BulkGroup); err != nil {
		return fmt.Errorf("cancel pending batches: %w", err)
	}

	o.mu.Lock()
	o.job.Status = models.JobCancelled
	o.job.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.log.Info().Msg("bulk recalculation cancelled")
	return nil
}

// Progress reports the current job state. Not a pure read: a running job with
// nothing queued, nothing executing and no recent progress update is marked
// failed here, so the next caller sees the stall instead of a frozen bar.
func (o *Orchestrator) Progress(ctx context.Context) models.Progress {
	pending, err := o.runner.CountPending(ctx, BulkGroup)
	if err != nil {
		o.log.Warn().Err(err).Msg("pending count failed")
		pending = 0
	}
	inFlight, err := o.runner.CountInFlight(ctx, BulkGroup)
	if err != nil {
		o.log.Warn().Err(err).Msg("in-flight count failed")
		inFlight = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job == nil {
		return models.Progress{
			Status:  models.JobIdle,
			Message: "recalculation has not been started",
		}
	}

	percent := 0.0
	if o.job.TotalItems > 0 {
		percent = round2(float64(o.job.ProcessedItems) / float64(o.job.TotalItems) * 100)
	}

	if o.job.Status == models.JobRunning &&
		pending == 0 && inFlight == 0 &&
		o.job.ProcessedItems < o.job.TotalItems &&
		time.Since(o.job.UpdatedAt) > o.stallTimeout {
		o.job.Status = models.JobFailed
		o.job.UpdatedAt = time.Now()
		o.log.Error().
			Float64("progress", percent).
			Msg("recalculation stalled, marking failed")
	}

	end := time.Now()
	if o.job.CompletedAt != nil {
		end = *o.job.CompletedAt
	}

	return models.Progress{
		JobID:            o.job.ID,
		Status:           o.job.Status,
		Percent:          percent,
		TotalItems:       o.job.TotalItems,
		ProcessedItems:   o.job.ProcessedItems,
		TotalBatches:     o.job.TotalBatches,
		ProcessedBatches: o.job.ProcessedBatches,
		FailedItems:      len(o.job.FailedItems),
		PendingTasks:     pending,
		InFlightTasks:    inFlight,
		Elapsed:          formatElapsed(end.Sub(o.job.StartedAt)),
		Message:          statusMessage(o.job),
	}
}

// EnqueueItemUpdate schedules an immediate single-item relevance refresh.
// This is the auto-update path fed by tracked views, purchases and reviews.
func (o *Orchestrator) EnqueueItemUpdate(ctx context.Context, itemID models.ItemID, categoryIDs []models.CategoryID) error {
	payload := itemUpdatePayload{ItemID: itemID, CategoryIDs: categoryIDs}
	if err := o.runner.EnqueueAsync(ctx, TaskUpdateItem, payload, AutoGroup); err != nil {
		return fmt.Errorf("enqueue item update: %w", err)
	}
	return nil
}

// handleBatch scores one batch of items. Per-item failures are recorded and
// skipped; a batch never aborts because one item misbehaves.
func (o *Orchestrator) handleBatch(ctx context.Context, payload []byte) error {
	var p batchPayload
	if err := tasks.UnmarshalPayload(payload, &p); err != nil {
		return err
	}

	o.mu.Lock()
	if o.job == nil || o.job.Status != models.JobRunning {
		o.mu.Unlock()
		return nil
	}
	scorer := o.currentScorerLocked()
	o.mu.Unlock()

	var failed []models.ItemID
	for _, itemID := range p.ItemIDs {
		categoryIDs, err := o.catalog.ListCategoryIDs(ctx, itemID)
		if err != nil {
			o.log.Warn().Err(err).Int64("item", int64(itemID)).Msg("category lookup failed")
			failed = append(failed, itemID)
			continue
		}
		if len(categoryIDs) == 0 {
			continue
		}
		if err := scorer.UpdateRelevance(ctx, itemID, categoryIDs); err != nil {
			o.log.Warn().Err(err).Int64("item", int64(itemID)).Msg("item scoring failed")
			failed = append(failed, itemID)
		}
	}

	o.mu.Lock()
	if o.job != nil && o.job.Status == models.JobRunning {
		o.job.ProcessedBatches++
		o.job.ProcessedItems += len(p.ItemIDs)
		o.job.FailedItems = append(o.job.FailedItems, failed...)
		o.job.UpdatedAt = time.Now()
	}
	o.mu.Unlock()

	o.log.Debug().
		Int("batch", p.BatchIndex).
		Int("items", len(p.ItemIDs)).
		Int("failed", len(failed)).
		Msg("batch processed")
	return nil
}

// handleComplete is the sentinel task scheduled after the last batch slot.
func (o *Orchestrator) handleComplete(ctx context.Context, _ []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job == nil || o.job.Status != models.JobRunning {
		return nil
	}

	now := time.Now()
	o.job.Status = models.JobCompleted
	o.job.CompletedAt = &now
	o.job.UpdatedAt = now

	o.log.Info().
		Int("processed", o.job.ProcessedItems).
		Int("failed", len(o.job.FailedItems)).
		Msg("bulk recalculation completed")
	return nil
}

// handleItemUpdate refreshes one item outside any bulk run.
func (o *Orchestrator) handleItemUpdate(ctx context.Context, payload []byte) error {
	var p itemUpdatePayload
	if err := tasks.UnmarshalPayload(payload, &p); err != nil {
		return err
	}

	o.mu.Lock()
	scorer := o.currentScorerLocked()
	o.mu.Unlock()

	return scorer.UpdateRelevance(ctx, p.ItemID, p.CategoryIDs)
}

// currentScorerLocked returns the run's scorer snapshot, falling back to a
// fresh one when no run captured a snapshot (single-item updates, restarts).
func (o *Orchestrator) currentScorerLocked() Scorer {
	if o.runScorer != nil {
		return o.runScorer
	}
	return o.provider()
}

func (o *Orchestrator) failJob(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job == nil {
		return
	}
	o.job.Status = models.JobFailed
	o.job.UpdatedAt = time.Now()
	o.log.Error().Str("reason", reason).Msg("bulk recalculation failed")
}

func chunkItems(ids []models.ItemID, size int) [][]models.ItemID {
	var batches [][]models.ItemID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

func statusMessage(job *models.RecalcJob) string {
	switch job.Status {
	case models.JobRunning:
		return fmt.Sprintf("processing %d of %d items", job.ProcessedItems, job.TotalItems)
	case models.JobCompleted:
		return fmt.Sprintf("completed, %d items processed", job.ProcessedItems)
	case models.JobFailed:
		return "the run stalled, start a new one to retry"
	case models.JobCancelled:
		return "recalculation cancelled"
	default:
		return "unknown status"
	}
}

func formatElapsed(d time.Duration) string {
	seconds := int(d.Seconds())
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
