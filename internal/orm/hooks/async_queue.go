package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueNotStarted is returned by Enqueue before Start
	ErrQueueNotStarted = errors.New("async queue not started")
	// ErrQueueClosed is returned by Enqueue after Shutdown
	ErrQueueClosed = errors.New("async queue closed")
	// ErrQueueFull is returned when the buffer is full. Post-commit hooks
	// never block a flush waiting for a worker.
	ErrQueueFull = errors.New("async queue full")
)

// DefaultQueueCapacity is the task buffer size used when none is given
const DefaultQueueCapacity = 100

// AsyncTask is one deferred post-commit hook invocation
type AsyncTask struct {
	Name string
	Fn   func(ctx context.Context) error
}

// QueueStats counts finished tasks
type QueueStats struct {
	Completed int64
	Failed    int64
}

// AsyncQueue runs post-commit hooks on a fixed pool of workers
type AsyncQueue struct {
	tasks   chan AsyncTask
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewAsyncQueue creates a queue with workerCount workers (4 when not
// positive) and the default capacity
func NewAsyncQueue(workerCount int, logger *zap.Logger) *AsyncQueue {
	return NewAsyncQueueWithCapacity(workerCount, DefaultQueueCapacity, logger)
}

// NewAsyncQueueWithCapacity creates a queue that buffers up to capacity tasks
func NewAsyncQueueWithCapacity(workerCount, capacity int, logger *zap.Logger) *AsyncQueue {
	if workerCount <= 0 {
		workerCount = 4
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncQueue{
		tasks:   make(chan AsyncTask, capacity),
		workers: workerCount,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start launches the workers. Starting twice is a no-op.
func (q *AsyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			for {
				select {
				case <-q.ctx.Done():
					return
				case task, ok := <-q.tasks:
					if !ok {
						return
					}
					q.run(id, task)
				}
			}
		}(i)
	}
}

func (q *AsyncQueue) run(id int, task AsyncTask) {
	log := q.logger.With(zap.Int("worker", id), zap.String("task", task.Name))
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			log.Error("panic in async hook", zap.Any("panic", r))
		}
	}()

	if err := task.Fn(q.ctx); err != nil {
		q.failed.Add(1)
		log.Error("async hook failed", zap.Error(err))
		return
	}
	q.completed.Add(1)
}

// Enqueue hands task to a worker without blocking
func (q *AsyncQueue) Enqueue(task AsyncTask) error {
	// the read lock keeps Shutdown from closing the channel mid-send
	q.mu.RLock()
	defer q.mu.RUnlock()
	switch {
	case !q.started:
		return ErrQueueNotStarted
	case q.closed:
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
		return ErrQueueFull
	}
}

// Stats returns the finished task counters
func (q *AsyncQueue) Stats() QueueStats {
	return QueueStats{Completed: q.completed.Load(), Failed: q.failed.Load()}
}

// Shutdown stops accepting tasks and waits for the queued ones to finish
func (q *AsyncQueue) Shutdown() {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
