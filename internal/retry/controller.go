// Package retry turns execution outcomes into task state transitions.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"subflow/internal/backoff"
	"subflow/internal/domain"
)

// Completer is the store operation the controller writes through.
type Completer interface {
	Complete(ctx context.Context, id, workerID string, tr domain.Transition) (bool, error)
}

type Controller struct {
	store   Completer
	backoff backoff.Strategy
}

func NewController(store Completer, strategy backoff.Strategy) *Controller {
	if strategy == nil {
		strategy = backoff.Default()
	}
	return &Controller{store: store, backoff: strategy}
}

// Decide computes the transition for task after an execution that ended at now
// with err. A nil err is success. Fatal errors and exhausted attempts are
// terminal; other failures are rescheduled after backoff(attempts).
func (c *Controller) Decide(task domain.Task, err error, now time.Time) domain.Transition {
	if err == nil {
		done := now
		return domain.Transition{
			Status:    domain.TaskDone,
			Attempts:  task.Attempts,
			RunAt:     task.RunAt,
			LastError: task.LastError,
			DoneAt:    &done,
		}
	}

	attempts := task.Attempts + 1
	if attempts > task.MaxAttempts {
		attempts = task.MaxAttempts
	}
	tr := domain.Transition{
		Attempts:  attempts,
		RunAt:     task.RunAt,
		LastError: err.Error(),
	}
	if domain.IsFatal(err) || attempts >= task.MaxAttempts {
		tr.Status = domain.TaskFailed
		return tr
	}
	tr.Status = domain.TaskPending
	tr.RunAt = now.Add(c.backoff.Delay(attempts))
	return tr
}

// Apply decides and writes the transition. It reports false when workerID lost
// the lease before the write; the outcome is then dropped because the task has
// been reclaimed by another worker.
func (c *Controller) Apply(ctx context.Context, task domain.Task, workerID string, err error, now time.Time) (domain.Transition, bool, error) {
	tr := c.Decide(task, err, now)
	ok, werr := c.store.Complete(ctx, task.ID, workerID, tr)
	if werr != nil {
		return tr, false, werr
	}
	if !ok {
		log.Warn().Str("task_id", task.ID).Str("worker_id", workerID).Msg("lease lost before completion; outcome dropped")
		return tr, false, nil
	}

	ev := log.Info()
	switch tr.Status {
	case domain.TaskFailed:
		ev = log.Error()
	case domain.TaskPending:
		ev = log.Warn().Time("run_at", tr.RunAt)
	}
	ev.Str("task_id", task.ID).
		Str("task_type", task.TaskType).
		Str("status", string(tr.Status)).
		Int("attempts", tr.Attempts).
		Int("max_attempts", task.MaxAttempts).
		Str("last_error", tr.LastError).
		Msg("task outcome recorded")
	return tr, true, nil
}
