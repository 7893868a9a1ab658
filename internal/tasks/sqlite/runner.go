// Package sqlite provides a SQLite-backed durable task queue. Scheduled work
// survives process restarts; a crashed run is requeued on the next start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shoprank/shoprank/internal/tasks"
)

// Runner defaults.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultWorkers      = 4
	DefaultClaimBatch   = 16
	DefaultRetention    = 24 * time.Hour
	pruneEveryNthPolls  = 600 // with the default poll interval, every ~5 minutes
)

// Config holds runner settings.
type Config struct {
	// Path is the queue database file.
	Path string
	// PollInterval is how often the dispatcher looks for due tasks.
	PollInterval time.Duration
	// Workers bounds concurrent task executions.
	Workers int
	// Retention is how long finished task rows are kept.
	Retention time.Duration
}

// Runner is a durable task runner: tasks are persisted in SQLite, claimed by
// a single dispatcher loop and executed on a bounded worker pool.
type Runner struct {
	db  *sql.DB
	log zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]tasks.Handler

	pollInterval time.Duration
	workers      int
	retention    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	runMu   sync.Mutex
	running bool
}

// NewRunner opens the queue database and requeues any work interrupted by a
// previous crash.
func NewRunner(cfg Config, log zerolog.Logger) (*Runner, error) {
	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	r := &Runner{
		db:           db,
		log:          log.With().Str("component", "task-runner").Logger(),
		handlers:     make(map[string]tasks.Handler),
		pollInterval: cfg.PollInterval,
		workers:      cfg.Workers,
		retention:    cfg.Retention,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	requeued, err := requeueInterrupted(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if requeued > 0 {
		r.log.Info().Int64("count", requeued).Msg("requeued tasks interrupted by restart")
	}
	return r, nil
}

// Register binds a handler to a task name.
func (r *Runner) Register(name string, h tasks.Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[name] = h
}

// ScheduleAt enqueues a task to run no earlier than runAt.
func (r *Runner) ScheduleAt(ctx context.Context, runAt time.Time, name string, payload any, group string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %q: %w", name, err)
	}
	return insertTask(ctx, r.db, name, data, group, runAt)
}

// EnqueueAsync enqueues a task to run as soon as a worker picks it up.
func (r *Runner) EnqueueAsync(ctx context.Context, name string, payload any, group string) error {
	return r.ScheduleAt(ctx, time.Now(), name, payload, group)
}

// CancelGroup drops every not-yet-started task in the group. Tasks already
// executing run to completion.
func (r *Runner) CancelGroup(ctx context.Context, group string) error {
	return cancelGroup(ctx, r.db, group)
}

// CountPending reports tasks in the group still waiting to run.
func (r *Runner) CountPending(ctx context.Context, group string) (int, error) {
	return countByStatus(ctx, r.db, group, statusPending)
}

// CountInFlight reports tasks in the group currently executing.
func (r *Runner) CountInFlight(ctx context.Context, group string) (int, error) {
	return countByStatus(ctx, r.db, group, statusInProgress)
}

// Start runs the dispatcher loop until the context is cancelled or Stop is
// called. Call from a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return
	}
	r.running = true
	r.runMu.Unlock()

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
		close(r.doneCh)
	}()

	pool, poolCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	pool.SetLimit(r.workers)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.log.Info().
		Dur("poll_interval", r.pollInterval).
		Int("workers", r.workers).
		Msg("task runner started")

	polls := 0
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("task runner stopping (context done)")
			_ = pool.Wait()
			return
		case <-r.stopCh:
			r.log.Info().Msg("task runner stopping (stop signal)")
			_ = pool.Wait()
			return
		case <-ticker.C:
			r.dispatchDue(poolCtx, pool)
			polls++
			if polls%pruneEveryNthPolls == 0 {
				if err := pruneFinished(poolCtx, r.db, time.Now().Add(-r.retention)); err != nil {
					r.log.Warn().Err(err).Msg("task prune failed")
				}
			}
		}
	}
}

// Stop shuts the dispatcher down and waits for in-flight tasks to drain.
func (r *Runner) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.runMu.Unlock()

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// Close releases the queue database. Call after Stop.
func (r *Runner) Close() error {
	return r.db.Close()
}

// dispatchDue claims due tasks and hands them to the worker pool.
func (r *Runner) dispatchDue(ctx context.Context, pool *errgroup.Group) {
	claimed, err := claimDue(ctx, r.db, time.Now(), DefaultClaimBatch)
	if err != nil {
		r.log.Error().Err(err).Msg("claim failed")
		return
	}

	for _, t := range claimed {
		t := t
		pool.Go(func() error {
			r.execute(ctx, t)
			return nil
		})
	}
}

// execute runs one claimed task and records its outcome. Handler panics are
// contained so a bad task cannot take the runner down.
func (r *Runner) execute(ctx context.Context, t task) {
	r.handlersMu.RLock()
	h, ok := r.handlers[t.Name]
	r.handlersMu.RUnlock()

	if !ok {
		r.log.Error().Str("task", t.Name).Int64("id", t.ID).Msg("no handler registered")
		r.finish(ctx, t, fmt.Errorf("no handler registered for %q", t.Name))
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		return h(ctx, t.Payload)
	}()

	if err != nil {
		r.log.Error().Err(err).
			Str("task", t.Name).
			Int64("id", t.ID).
			Dur("elapsed", time.Since(start)).
			Msg("task failed")
	} else {
		r.log.Debug().
			Str("task", t.Name).
			Int64("id", t.ID).
			Dur("elapsed", time.Since(start)).
			Msg("task done")
	}
	r.finish(ctx, t, err)
}

func (r *Runner) finish(ctx context.Context, t task, taskErr error) {
	status := statusDone
	msg := ""
	if taskErr != nil {
		status = statusFailed
		msg = taskErr.Error()
	}
	if err := finishTask(ctx, r.db, t.ID, status, msg); err != nil {
		r.log.Error().Err(err).Int64("id", t.ID).Msg("failed to record task outcome")
	}
}

var _ tasks.Runner = (*Runner)(nil)
