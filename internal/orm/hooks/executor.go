package hooks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/entity"
)

// Executor executes lifecycle hooks for entities
type Executor struct {
	registry   *Registry
	asyncQueue *AsyncQueue
	logger     *zap.Logger
}

// NewExecutor creates a new hook executor with its own registry
func NewExecutor(asyncQueue *AsyncQueue, logger *zap.Logger) *Executor {
	return NewExecutorWithRegistry(NewRegistry(), asyncQueue, logger)
}

// NewExecutorWithRegistry creates a new hook executor with an existing registry
func NewExecutorWithRegistry(registry *Registry, asyncQueue *AsyncQueue, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:   registry,
		asyncQueue: asyncQueue,
		logger:     logger,
	}
}

// Registry returns the hook registry
func (x *Executor) Registry() *Registry {
	return x.registry
}

// Execute runs the hooks for event on e in order and stops at the first
// synchronous failure. Async hooks are queued and never fail the caller.
func (x *Executor) Execute(ctx context.Context, event Event, e *entity.Entity) error {
	if x == nil {
		return nil
	}
	hooks := x.registry.GetHooks(e.Name(), event)
	if len(hooks) == 0 {
		return nil
	}

	hookCtx := NewContext(ctx, event, e)
	for _, hook := range hooks {
		if hook.Async {
			if err := x.enqueue(hookCtx, hook); err != nil {
				x.logger.Error("failed to enqueue async hook",
					zap.String("event", event.String()),
					zap.String("entity", e.Name()),
					zap.Error(err))
			}
			continue
		}
		if err := hook.Fn(hookCtx); err != nil {
			return fmt.Errorf("hook %s on %s failed: %w", event, e.Name(), err)
		}
	}
	return nil
}

func (x *Executor) enqueue(hookCtx *Context, hook *Hook) error {
	if x.asyncQueue == nil {
		return fmt.Errorf("async queue not configured")
	}

	task := AsyncTask{
		Name: fmt.Sprintf("%s_%s_hook", hookCtx.EntityName(), hook.Event),
		Fn: func(ctx context.Context) error {
			return hook.Fn(hookCtx.detached(ctx))
		},
	}
	return x.asyncQueue.Enqueue(task)
}
