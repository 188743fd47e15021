// Package queue provides a serial FIFO execution queue.
//
// A Queue runs at most one worker invocation at a time, in submission order.
// The DuckDB connection submits every statement through one, so the single
// pinned session never sees interleaved statements.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
)

// Worker processes one item.
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of one queued item.
type Result[R any] struct {
	Value R
	Err   error
}

type job[T, R any] struct {
	ctx      context.Context
	item     T
	done     chan Result[R]
	enqueued time.Time
}

// Queue is a generic serial execution queue.
type Queue[T, R any] struct {
	name    string
	worker  Worker[T, R]
	logger  zerolog.Logger
	metrics metrics.Collector

	mu         sync.Mutex
	pending    []*job[T, R]
	processing bool
	idle       *sync.Cond
}

// New creates a queue that hands items to worker one at a time.
func New[T, R any](name string, worker Worker[T, R], logger zerolog.Logger, m metrics.Collector) *Queue[T, R] {
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	q := &Queue[T, R]{
		name:    name,
		worker:  worker,
		logger:  logger.With().Str("component", "queue").Str("queue", name).Logger(),
		metrics: m,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item and returns a channel that receives exactly one
// Result. It does not wait for processing.
func (q *Queue[T, R]) Enqueue(ctx context.Context, item T) <-chan Result[R] {
	j := &job[T, R]{
		ctx:      ctx,
		item:     item,
		done:     make(chan Result[R], 1),
		enqueued: time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, j)
	depth := len(q.pending)
	start := !q.processing
	if start {
		q.processing = true
	}
	q.mu.Unlock()

	q.metrics.RecordGauge("queue_depth", float64(depth), "queue", q.name)
	if start {
		go q.drain()
	}
	return j.done
}

// Add enqueues item and waits for its result. If ctx ends first Add returns
// the context error; an item not yet started is then skipped by the queue.
func (q *Queue[T, R]) Add(ctx context.Context, item T) (R, error) {
	done := q.Enqueue(ctx, item)
	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// CancelAll rejects every queued item that has not started yet and empties
// the queue. The in-flight item, if any, runs to completion. It returns the
// number of rejected items.
func (q *Queue[T, R]) CancelAll(reason error) int {
	q.mu.Lock()
	canceled := q.pending
	q.pending = nil
	q.mu.Unlock()

	if reason == nil {
		reason = fmt.Errorf("queue %s canceled", q.name)
	}
	for _, j := range canceled {
		j.done <- Result[R]{Err: errors.Wrap(reason, errors.CodeCanceled, "queued work canceled")}
	}

	if len(canceled) > 0 {
		q.metrics.RecordGauge("queue_depth", 0, "queue", q.name)
		q.metrics.IncrementCounter("queue_canceled_total", "queue", q.name)
		q.logger.Info().Int("canceled", len(canceled)).Err(reason).Msg("Canceled queued work")
	}
	return len(canceled)
}

// Len returns the number of items waiting to start.
func (q *Queue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Processing reports whether a worker invocation is in flight or about to be.
func (q *Queue[T, R]) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// WaitIdle blocks until the queue has no pending or in-flight items.
func (q *Queue[T, R]) WaitIdle() {
	q.mu.Lock()
	for q.processing {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *Queue[T, R]) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.metrics.RecordGauge("queue_depth", float64(depth), "queue", q.name)
		j.done <- q.run(j)
	}
}

func (q *Queue[T, R]) run(j *job[T, R]) (res Result[R]) {
	if err := j.ctx.Err(); err != nil {
		q.metrics.IncrementCounter("queue_items_total", "queue", q.name, "status", "skipped")
		res.Err = err
		return res
	}

	q.metrics.RecordHistogram("queue_wait_seconds", time.Since(j.enqueued).Seconds(), "queue", q.name)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("Worker panicked")
			res = Result[R]{Err: errors.Newf(errors.CodeInternal, "worker panic: %v", r)}
		}
		status := "success"
		if res.Err != nil {
			status = "error"
		}
		q.metrics.RecordHistogram("queue_run_seconds", time.Since(started).Seconds(), "queue", q.name)
		q.metrics.IncrementCounter("queue_items_total", "queue", q.name, "status", status)
	}()

	// Once started, the item is no longer bound to the submitter's context.
	res.Value, res.Err = q.worker(context.WithoutCancel(j.ctx), j.item)
	return res
}
