// Package sqlite provides a SQLite-backed durable task queue. Scheduled work
// survives process restarts; a crashed run is requeued on the next start.
package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shoprank/shoprank/internal/tasks"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Path:         filepath.Join(t.TempDir(), "queue.db"),
		PollInterval: 20 * time.Millisecond,
		Workers:      2,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
}

func TestRunner_ExecutesEnqueuedTask(t *testing.T) {
	r := newTestRunner(t)
	var ran atomic.Int32
	r.Register("ping", func(ctx context.Context, payload []byte) error {
		ran.Add(1)
		return nil
	})
	startRunner(t, r)

	require.NoError(t, r.EnqueueAsync(context.Background(), "ping", nil, "test-group"))

	require.Eventually(t, func() bool { return ran.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestRunner_DelaysScheduledTask(t *testing.T) {
	r := newTestRunner(t)
	var ran atomic.Int32
	r.Register("later", func(ctx context.Context, payload []byte) error {
		ran.Add(1)
		return nil
	})
	startRunner(t, r)

	runAt := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, r.ScheduleAt(context.Background(), runAt, "later", nil, "test-group"))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, ran.Load(), "task must not run before its slot")

	require.Eventually(t, func() bool { return ran.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestRunner_PayloadRoundTrip(t *testing.T) {
	r := newTestRunner(t)
	type payload struct {
		ItemIDs []int64 `json:"item_ids"`
	}
	got := make(chan payload, 1)
	r.Register("batch", func(ctx context.Context, raw []byte) error {
		var p payload
		if err := tasks.UnmarshalPayload(raw, &p); err != nil {
			return err
		}
		got <- p
		return nil
	})
	startRunner(t, r)

	require.NoError(t, r.EnqueueAsync(context.Background(), "batch",
		payload{ItemIDs: []int64{1, 2, 3}}, "test-group"))

	select {
	case p := <-got:
		require.Equal(t, []int64{1, 2, 3}, p.ItemIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestRunner_CancelGroupDropsPending(t *testing.T) {
	r := newTestRunner(t)
	var ran atomic.Int32
	r.Register("slow", func(ctx context.Context, payload []byte) error {
		ran.Add(1)
		return nil
	})

	ctx := context.Background()
	// Far enough out that nothing starts before the cancel.
	runAt := time.Now().Add(time.Hour)
	require.NoError(t, r.ScheduleAt(ctx, runAt, "slow", nil, "doomed"))
	require.NoError(t, r.ScheduleAt(ctx, runAt, "slow", nil, "doomed"))
	require.NoError(t, r.ScheduleAt(ctx, runAt, "slow", nil, "survivor"))

	require.NoError(t, r.CancelGroup(ctx, "doomed"))

	pending, err := r.CountPending(ctx, "doomed")
	require.NoError(t, err)
	require.Zero(t, pending)

	pending, err = r.CountPending(ctx, "survivor")
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestRunner_CountsPendingAndInFlight(t *testing.T) {
	r := newTestRunner(t)
	release := make(chan struct{})
	r.Register("block", func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	})
	startRunner(t, r)

	ctx := context.Background()
	require.NoError(t, r.EnqueueAsync(ctx, "block", nil, "g"))

	require.Eventually(t, func() bool {
		n, err := r.CountInFlight(ctx, "g")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(release)

	require.Eventually(t, func() bool {
		inflight, err1 := r.CountInFlight(ctx, "g")
		pending, err2 := r.CountPending(ctx, "g")
		return err1 == nil && err2 == nil && inflight == 0 && pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_FailedHandlerMarksTaskFailed(t *testing.T) {
	r := newTestRunner(t)
	r.Register("broken", func(ctx context.Context, payload []byte) error {
		return errors.New("boom")
	})
	startRunner(t, r)

	ctx := context.Background()
	require.NoError(t, r.EnqueueAsync(ctx, "broken", nil, "g"))

	require.Eventually(t, func() bool {
		n, err := countByStatus(ctx, r.db, "g", statusFailed)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_RequeuesInterruptedOnRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	first, err := NewRunner(Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)

	// Simulate a crash mid-run: claim the task but never finish it.
	ctx := context.Background()
	require.NoError(t, first.EnqueueAsync(ctx, "work", nil, "g"))
	claimed, err := claimDue(ctx, first.db, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, first.Close())

	second, err := NewRunner(Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	pending, err := second.CountPending(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 1, pending, "interrupted task must be requeued")
}
