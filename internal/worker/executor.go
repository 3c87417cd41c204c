package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"subflow/internal/domain"
)

// Executor runs one task. Returning an error wrapped with domain.Fatal marks the
// task failed without further attempts; any other error is retried. A task may
// be executed more than once if its lease expires mid-run, so executors must
// tolerate re-execution.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) error
}

// Handler interprets the opaque job payload of one task type.
type Handler interface {
	Handle(ctx context.Context, job []byte) error
}

type HandlerFunc func(ctx context.Context, job []byte) error

func (f HandlerFunc) Handle(ctx context.Context, job []byte) error { return f(ctx, job) }

// Registry dispatches tasks to handlers by task type.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for k, h := range handlers {
		r.handlers[k] = h
	}
	return r
}

func (r *Registry) Register(taskType string, h Handler) { r.handlers[taskType] = h }

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, t domain.Task) (err error) {
	h, ok := r.handlers[t.TaskType]
	if !ok {
		return domain.Fatalf("no handler for task type %q", t.TaskType)
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("task_id", t.ID).Bytes("stack", debug.Stack()).Msg("handler panic")
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, t.Job)
}
