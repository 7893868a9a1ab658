package recalc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/shoprank/shoprank/internal/tasks"
	"github.com/shoprank/shoprank/pkg/models"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeTask struct {
	name    string
	group   string
	runAt   time.Time
	payload []byte
}

// fakeRunner queues tasks in memory and runs them only when the test says so.
type fakeRunner struct {
	handlers map[string]tasks.Handler
	pending  []fakeTask
	inFlight int
	failNext error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]tasks.Handler)}
}

func (r *fakeRunner) Register(name string, h tasks.Handler) {
	r.handlers[name] = h
}

func (r *fakeRunner) ScheduleAt(_ context.Context, runAt time.Time, name string, payload any, group string) error {
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, fakeTask{name: name, group: group, runAt: runAt, payload: raw})
	return nil
}

func (r *fakeRunner) EnqueueAsync(ctx context.Context, name string, payload any, group string) error {
	return r.ScheduleAt(ctx, time.Now(), name, payload, group)
}

func (r *fakeRunner) CancelGroup(_ context.Context, group string) error {
	kept := r.pending[:0]
	for _, t := range r.pending {
		if t.group != group {
			kept = append(kept, t)
		}
	}
	r.pending = kept
	return nil
}

func (r *fakeRunner) CountPending(_ context.Context, group string) (int, error) {
	n := 0
	for _, t := range r.pending {
		if t.group == group {
			n++
		}
	}
	return n, nil
}

func (r *fakeRunner) CountInFlight(_ context.Context, _ string) (int, error) {
	return r.inFlight, nil
}

// runNext pops the oldest pending task and executes its handler.
func (r *fakeRunner) runNext(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, r.pending, "no pending tasks to run")
	task := r.pending[0]
	r.pending = r.pending[1:]
	h, ok := r.handlers[task.name]
	require.True(t, ok, "no handler registered for %s", task.name)
	require.NoError(t, h(context.Background(), task.payload))
}

// runAll drains the queue in scheduling order.
func (r *fakeRunner) runAll(t *testing.T) {
	t.Helper()
	for len(r.pending) > 0 {
		r.runNext(t)
	}
}

type fakeCatalog struct {
	itemIDs    []models.ItemID
	categories map[models.ItemID][]models.CategoryID
	listErr    error
	catErr     map[models.ItemID]error

	// When set, ListAllItemIDs announces entry on listEntered and then
	// blocks until listRelease is closed.
	listEntered chan struct{}
	listRelease chan struct{}
}

func (c *fakeCatalog) ListAllItemIDs(context.Context) ([]models.ItemID, error) {
	if c.listEntered != nil {
		close(c.listEntered)
	}
	if c.listRelease != nil {
		<-c.listRelease
	}
	return c.itemIDs, c.listErr
}

func (c *fakeCatalog) ListCategoryIDs(_ context.Context, itemID models.ItemID) ([]models.CategoryID, error) {
	if err := c.catErr[itemID]; err != nil {
		return nil, err
	}
	return c.categories[itemID], nil
}

type fakeScorer struct {
	updated []models.ItemID
	failFor map[models.ItemID]error
}

func (s *fakeScorer) UpdateRelevance(_ context.Context, itemID models.ItemID, _ []models.CategoryID) error {
	if err := s.failFor[itemID]; err != nil {
		return err
	}
	s.updated = append(s.updated, itemID)
	return nil
}

// ============================================================================
// SUITE
// ============================================================================

type OrchestratorSuite struct {
	suite.Suite

	runner  *fakeRunner
	catalog *fakeCatalog
	scorer  *fakeScorer
	orch    *Orchestrator
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.runner = newFakeRunner()
	s.scorer = &fakeScorer{failFor: map[models.ItemID]error{}}
	s.catalog = &fakeCatalog{
		categories: map[models.ItemID][]models.CategoryID{},
		catErr:     map[models.ItemID]error{},
	}
	s.newOrchestrator(Config{})
}

func (s *OrchestratorSuite) newOrchestrator(cfg Config) {
	orch, err := NewOrchestrator(
		s.catalog,
		func() Scorer { return s.scorer },
		s.runner,
		cfg,
		zerolog.Nop(),
	)
	s.Require().NoError(err)
	s.orch = orch
}

func (s *OrchestratorSuite) seedItems(n int) {
	s.catalog.itemIDs = nil
	for i := 1; i <= n; i++ {
		id := models.ItemID(i)
		s.catalog.itemIDs = append(s.catalog.itemIDs, id)
		s.catalog.categories[id] = []models.CategoryID{1}
	}
}

// ============================================================================
// STARTING
// ============================================================================

func (s *OrchestratorSuite) TestStartPartitionsCatalogIntoBatches() {
	s.seedItems(237)

	res, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	s.Equal(237, res.TotalItems)
	s.Equal(5, res.TotalBatches)
	s.NotEmpty(res.JobID)

	// 5 batch tasks plus the trailing completion task.
	s.Len(s.runner.pending, 6)
	s.Equal(TaskComplete, s.runner.pending[5].name)

	// Final batch carries the remainder.
	var last batchPayload
	s.Require().NoError(json.Unmarshal(s.runner.pending[4].payload, &last))
	s.Len(last.ItemIDs, 37)
}

func (s *OrchestratorSuite) TestStartStaggersBatchSlots() {
	s.seedItems(120)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	gap := s.runner.pending[1].runAt.Sub(s.runner.pending[0].runAt)
	s.Equal(DefaultStagger, gap)

	// The completion sentinel sits one extra slot past the last batch.
	sentinelGap := s.runner.pending[3].runAt.Sub(s.runner.pending[2].runAt)
	s.Equal(2*DefaultStagger, sentinelGap)
}

func (s *OrchestratorSuite) TestStartRejectedWhileRunning() {
	s.seedItems(10)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	_, err = s.orch.Start(context.Background())
	s.ErrorIs(err, ErrJobRunning)
}

func (s *OrchestratorSuite) TestStartRejectsConcurrentStartDuringEnumeration() {
	s.seedItems(100)
	s.catalog.listEntered = make(chan struct{})
	s.catalog.listRelease = make(chan struct{})

	type outcome struct {
		res StartResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := s.orch.Start(context.Background())
		first <- outcome{res, err}
	}()

	// The first Start is inside catalog enumeration; a second caller must
	// already see a running job.
	<-s.catalog.listEntered
	s.catalog.listEntered = nil
	_, err := s.orch.Start(context.Background())
	s.ErrorIs(err, ErrJobRunning)

	close(s.catalog.listRelease)
	got := <-first
	s.Require().NoError(got.err)
	s.NotEmpty(got.res.JobID)
	s.Equal(100, got.res.TotalItems)
	s.Len(s.runner.pending, 3) // 2 batches + completion, scheduled once
}

func (s *OrchestratorSuite) TestStartRollsBackAdmissionOnEnumerationFailure() {
	s.catalog.listErr = errors.New("catalog unavailable")

	_, err := s.orch.Start(context.Background())
	s.Require().Error(err)
	s.Equal(models.JobIdle, s.orch.Progress(context.Background()).Status)

	s.catalog.listErr = nil
	s.seedItems(10)
	_, err = s.orch.Start(context.Background())
	s.NoError(err, "a failed admission must not block the next start")
}

func (s *OrchestratorSuite) TestStartRejectedOnEmptyCatalog() {
	_, err := s.orch.Start(context.Background())
	s.ErrorIs(err, ErrEmptyCatalog)
}

func (s *OrchestratorSuite) TestStartAllowedAfterTerminalJob() {
	s.seedItems(10)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runAll(s.T())
	s.Equal(models.JobCompleted, s.orch.Progress(context.Background()).Status)

	_, err = s.orch.Start(context.Background())
	s.NoError(err)
}

func (s *OrchestratorSuite) TestStartClampsBatchSize() {
	s.newOrchestrator(Config{BatchSize: 9000})
	s.seedItems(1200)

	res, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.Equal(3, res.TotalBatches) // clamped to 500 per batch
}

func (s *OrchestratorSuite) TestStartSchedulingFailureMarksJobFailed() {
	s.seedItems(10)
	s.runner.failNext = errors.New("queue unavailable")

	_, err := s.orch.Start(context.Background())
	s.Error(err)
	s.Equal(models.JobFailed, s.orch.Progress(context.Background()).Status)
}

// ============================================================================
// PROGRESS
// ============================================================================

func (s *OrchestratorSuite) TestProgressIdleBeforeFirstStart() {
	p := s.orch.Progress(context.Background())
	s.Equal(models.JobIdle, p.Status)
	s.Zero(p.Percent)
}

func (s *OrchestratorSuite) TestProgressAdvancesPerBatch() {
	s.seedItems(200)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	s.runner.runNext(s.T()) // first batch of 50

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobRunning, p.Status)
	s.InDelta(25.00, p.Percent, 0.001)
	s.Equal(50, p.ProcessedItems)
	s.Equal(1, p.ProcessedBatches)
	s.Equal(4, p.PendingTasks) // 3 batches + completion
}

func (s *OrchestratorSuite) TestProgressReachesCompleted() {
	s.seedItems(100)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runAll(s.T())

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobCompleted, p.Status)
	s.InDelta(100.0, p.Percent, 0.001)
	s.Len(s.scorer.updated, 100)
}

func (s *OrchestratorSuite) TestProgressMarksStalledJobFailed() {
	s.seedItems(100)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runNext(s.T())

	// Queue empty, nothing executing, last progress long ago.
	s.runner.pending = nil
	s.orch.mu.Lock()
	s.orch.job.UpdatedAt = time.Now().Add(-301 * time.Second)
	s.orch.mu.Unlock()

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobFailed, p.Status)
}

func (s *OrchestratorSuite) TestProgressDoesNotStallWithTasksInFlight() {
	s.seedItems(100)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	s.runner.pending = nil
	s.runner.inFlight = 1
	s.orch.mu.Lock()
	s.orch.job.UpdatedAt = time.Now().Add(-301 * time.Second)
	s.orch.mu.Unlock()

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobRunning, p.Status)
}

func (s *OrchestratorSuite) TestProgressStallDetectedWhenPercentRoundsToFull() {
	s.seedItems(10)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	// 19999 of 20000 rounds to 100.00; the stall check goes by raw counts.
	s.runner.pending = nil
	s.orch.mu.Lock()
	s.orch.job.TotalItems = 20000
	s.orch.job.ProcessedItems = 19999
	s.orch.job.UpdatedAt = time.Now().Add(-301 * time.Second)
	s.orch.mu.Unlock()

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobFailed, p.Status)
	s.InDelta(100.0, p.Percent, 0.001)
}

// ============================================================================
// BATCH EXECUTION
// ============================================================================

func (s *OrchestratorSuite) TestBatchIsolatesPerItemFailures() {
	s.seedItems(50)
	s.scorer.failFor[7] = errors.New("scoring broke")
	s.catalog.catErr[13] = errors.New("category lookup broke")

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runAll(s.T())

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobCompleted, p.Status)
	s.Equal(50, p.ProcessedItems)
	s.Equal(2, p.FailedItems)
	s.Len(s.scorer.updated, 48)
}

func (s *OrchestratorSuite) TestBatchSkipsUncategorizedItems() {
	s.seedItems(10)
	s.catalog.categories[3] = nil

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runAll(s.T())

	p := s.orch.Progress(context.Background())
	s.Zero(p.FailedItems)
	s.Len(s.scorer.updated, 9)
	s.NotContains(s.scorer.updated, models.ItemID(3))
}

func (s *OrchestratorSuite) TestBatchNoOpAfterCancel() {
	s.seedItems(100)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)

	// Keep a batch aside, cancel, then run it as if it had already been
	// claimed by a worker when the cancel landed.
	stale := s.runner.pending[1]
	s.Require().NoError(s.orch.Cancel(context.Background()))

	h := s.runner.handlers[stale.name]
	s.Require().NoError(h(context.Background(), stale.payload))

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobCancelled, p.Status)
	s.Zero(p.ProcessedItems)
	s.Empty(s.scorer.updated)
}

// ============================================================================
// CANCELLATION
// ============================================================================

func (s *OrchestratorSuite) TestCancelDropsPendingTasks() {
	s.seedItems(200)

	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runNext(s.T())

	s.Require().NoError(s.orch.Cancel(context.Background()))

	p := s.orch.Progress(context.Background())
	s.Equal(models.JobCancelled, p.Status)
	s.Zero(p.PendingTasks)
	// Scores applied before the cancel stay applied.
	s.Len(s.scorer.updated, 50)
}

func (s *OrchestratorSuite) TestCancelRejectedWhenNotRunning() {
	s.ErrorIs(s.orch.Cancel(context.Background()), ErrNotRunning)

	s.seedItems(10)
	_, err := s.orch.Start(context.Background())
	s.Require().NoError(err)
	s.runner.runAll(s.T())

	s.ErrorIs(s.orch.Cancel(context.Background()), ErrNotRunning)
}

// ============================================================================
// ITEM UPDATES
// ============================================================================

func (s *OrchestratorSuite) TestEnqueueItemUpdateRunsOutsideBulkGroup() {
	s.catalog.categories[42] = []models.CategoryID{1, 2}

	err := s.orch.EnqueueItemUpdate(context.Background(), 42, []models.CategoryID{1, 2})
	s.Require().NoError(err)

	n, err := s.runner.CountPending(context.Background(), BulkGroup)
	s.Require().NoError(err)
	s.Zero(n)

	s.runner.runAll(s.T())
	s.Equal([]models.ItemID{42}, s.scorer.updated)
}

// ============================================================================
// HELPERS
// ============================================================================

func TestChunkItems(t *testing.T) {
	ids := make([]models.ItemID, 237)
	for i := range ids {
		ids[i] = models.ItemID(i + 1)
	}

	batches := chunkItems(ids, 50)
	require.Len(t, batches, 5)
	require.Len(t, batches[0], 50)
	require.Len(t, batches[4], 37)

	require.Nil(t, chunkItems(nil, 50))
}

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "45s", formatElapsed(45*time.Second))
	require.Equal(t, "2m 5s", formatElapsed(125*time.Second))
	require.Equal(t, "1h 1m", formatElapsed(3660*time.Second))
}
