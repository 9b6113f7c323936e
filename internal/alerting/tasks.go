package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/scheduler"
)

// Task names.
const (
	TaskEvaluate     = "alert-evaluation"
	TaskPurgeHistory = "alert-history-retention"
)

// Tasks returns the evaluation task and, when retention is positive, the
// history retention task.
func (e *Engine) Tasks(interval, retention time.Duration) []scheduler.Task {
	tasks := []scheduler.Task{{
		Name:       TaskEvaluate,
		Interval:   interval,
		RunOnStart: true,
		// A tick never outlives the next one.
		Timeout: interval,
		Fn: func(ctx context.Context, now time.Time) error {
			r := e.Tick(ctx, now)
			if len(r.Errors) > 0 {
				return fmt.Errorf("%d evaluation errors: %w", len(r.Errors), errors.Join(r.Errors...))
			}
			return nil
		},
	}}

	if retention > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     TaskPurgeHistory,
			Interval: time.Hour,
			Fn: func(ctx context.Context, now time.Time) error {
				_, err := e.PurgeHistory(ctx, now, retention)
				return err
			},
		})
	}

	return tasks
}
