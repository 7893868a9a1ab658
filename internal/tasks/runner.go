// Package tasks defines the asynchronous task execution facility used to run
// scheduled work outside the request path.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Handler executes the payload of one task. A non-nil error marks the task
// failed; the runner does not retry on its own.
type Handler func(ctx context.Context, payload []byte) error

// Runner schedules and executes named units of work, grouped so a whole
// category of tasks can be cancelled or counted together. Implementations may
// run tasks in parallel and may survive process restarts.
type Runner interface {
	// Register binds a handler to a task name. Must be called before tasks
	// of that name become due.
	Register(name string, h Handler)

	// ScheduleAt enqueues a task to run no earlier than runAt.
	ScheduleAt(ctx context.Context, runAt time.Time, name string, payload any, group string) error

	// EnqueueAsync enqueues a task to run as soon as a worker is free.
	EnqueueAsync(ctx context.Context, name string, payload any, group string) error

	// CancelGroup drops every not-yet-started task in the group.
	CancelGroup(ctx context.Context, group string) error

	// CountPending reports tasks in the group still waiting to run.
	CountPending(ctx context.Context, group string) (int, error)

	// CountInFlight reports tasks in the group currently executing.
	CountInFlight(ctx context.Context, group string) (int, error)
}

// UnmarshalPayload decodes a task payload into v.
func UnmarshalPayload(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal task payload: %w", err)
	}
	return nil
}
