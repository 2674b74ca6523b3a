// Package executor provides a bounded worker pool satisfying
// egress.Executor, used to run ClientEgress's queue-empty callback
// off the dequeue hot path without spawning an unbounded number of
// goroutines.
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/odinsim/egress/internal/metrics"
)

// Task is a unit of background work: a closure with no parameters or
// return values.
type Task func()

// WorkerPool manages a fixed number of worker goroutines draining a
// buffered task queue. If the queue is full, Submit drops the task
// and increments a counter rather than blocking the caller or
// spawning another goroutine — this is what keeps a flood of
// queue-empty callbacks from turning into a goroutine explosion.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	dropped     atomic.Int64
	logger      zerolog.Logger
}

// New creates a worker pool with workerCount goroutines and a task
// queue sized queueSize.
func New(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. Must be called once before
// Spawn/Submit is used.
func (wp *WorkerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	wp.cancel = cancel
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.runTask(task)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Msg("worker panic recovered - task failed but worker continues")
		}
	}()
	task()
}

// Spawn implements egress.Executor: it submits fn for background
// execution, dropping it if the queue is saturated.
func (wp *WorkerPool) Spawn(fn func()) {
	wp.Submit(fn)
}

// Submit enqueues a task for asynchronous execution. Returns
// immediately; the task is dropped (and the dropped counter
// incremented) if the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		wp.dropped.Add(1)
		metrics.WorkerDroppedTasks.Set(float64(wp.dropped.Load()))
	}
}

// Stop cancels the worker context and blocks until every worker
// goroutine has exited.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
}

// DroppedTasks returns the total number of tasks dropped due to a
// full queue.
func (wp *WorkerPool) DroppedTasks() int64 { return wp.dropped.Load() }

// QueueDepth returns the current number of tasks waiting in the
// queue.
func (wp *WorkerPool) QueueDepth() int { return len(wp.taskQueue) }

// QueueCapacity returns the maximum capacity of the task queue.
func (wp *WorkerPool) QueueCapacity() int { return cap(wp.taskQueue) }

// ReportMetrics publishes the pool's current queue depth/capacity to
// the Prometheus gauges in internal/metrics. Call periodically from a
// sampler loop.
func (wp *WorkerPool) ReportMetrics() {
	metrics.WorkerQueueDepth.Set(float64(wp.QueueDepth()))
	metrics.WorkerQueueCapacity.Set(float64(wp.QueueCapacity()))
}
