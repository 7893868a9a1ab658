// Package sqlite provides a SQLite-backed durable task queue. Scheduled work
// survives process restarts; a crashed run is requeued on the next start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Task statuses.
const (
	statusPending    = "pending"
	statusInProgress = "in-progress"
	statusDone       = "done"
	statusFailed     = "failed"
	statusCancelled  = "cancelled"
)

// task is one persisted queue row.
type task struct {
	ID      int64
	Name    string
	Group   string
	Payload []byte
	RunAt   time.Time
}

// openDB opens the queue database with WAL mode and a single writer
// connection. SQLite serializes writes anyway; one connection avoids
// SQLITE_BUSY churn under concurrent completions.
func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping task queue: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate task queue: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			group_name TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL DEFAULT 'pending',
			run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_name, status)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// insertTask persists a new pending task.
func insertTask(ctx context.Context, db *sql.DB, name string, payload []byte, group string, runAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tasks (name, group_name, payload, status, run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, group, payload, statusPending, runAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert task %q: %w", name, err)
	}
	return nil
}

// claimDue atomically moves due pending tasks to in-progress and returns them.
func claimDue(ctx context.Context, db *sql.DB, now time.Time, limit int) ([]task, error) {
	rows, err := db.QueryContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?
		 WHERE id IN (
			SELECT id FROM tasks WHERE status = ? AND run_at <= ?
			ORDER BY run_at, id LIMIT ?
		 )
		 RETURNING id, name, group_name, payload, run_at`,
		statusInProgress, now.UnixMilli(), statusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var claimed []task
	for rows.Next() {
		var t task
		var runAt int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Group, &t.Payload, &runAt); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		t.RunAt = time.UnixMilli(runAt)
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

// finishTask records a task outcome.
func finishTask(ctx context.Context, db *sql.DB, id int64, status string, lastError string) error {
	var errVal sql.NullString
	if lastError != "" {
		errVal = sql.NullString{String: lastError, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), errVal, id)
	if err != nil {
		return fmt.Errorf("finish task %d: %w", id, err)
	}
	return nil
}

// cancelGroup drops every pending task in the group.
func cancelGroup(ctx context.Context, db *sql.DB, group string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, finished_at = ? WHERE group_name = ? AND status = ?`,
		statusCancelled, time.Now().UnixMilli(), group, statusPending)
	if err != nil {
		return fmt.Errorf("cancel group %q: %w", group, err)
	}
	return nil
}

// countByStatus counts group tasks in one status.
func countByStatus(ctx context.Context, db *sql.DB, group, status string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE group_name = ? AND status = ?`,
		group, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s tasks in %q: %w", status, group, err)
	}
	return n, nil
}

// requeueInterrupted returns tasks stranded in-progress by a crash to pending.
func requeueInterrupted(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = NULL WHERE status = ?`,
		statusPending, statusInProgress)
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// pruneFinished deletes terminal rows older than the retention window.
func pruneFinished(ctx context.Context, db *sql.DB, olderThan time.Time) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (?, ?, ?) AND finished_at < ?`,
		statusDone, statusFailed, statusCancelled, olderThan.UnixMilli())
	if err != nil {
		return fmt.Errorf("prune finished tasks: %w", err)
	}
	return nil
}
