// Package execq provides a single-consumer execution queue: tasks submitted from any goroutine are handed, in
// submission order, to one worker goroutine that processes them in batches.
package execq

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned by Execute once Stop has been called
var ErrStopped = errors.New("execution queue is stopped")

// Options configures a Queue
type Options struct {
	// Name is used for logging
	Name string
	// MaxBatch bounds the number of tasks handed to the handler at once. Zero means no bound.
	MaxBatch int
	// OnStop runs on the worker goroutine after the last task was handled
	OnStop func()
	Logger *zap.Logger
}

// Queue is an unbounded FIFO of tasks drained by a single worker goroutine. Tasks submitted before Stop are always
// handled; tasks submitted after it are rejected.
type Queue[T any] struct {
	handler  func(batch []T)
	onStop   func()
	maxBatch int
	logger   *zap.Logger

	// Protects all fields below
	mu      sync.Mutex
	pending []T
	stopped bool

	// notify has a buffer of one so Execute never blocks; several submissions collapse into one wake up
	notify chan struct{}
	done   chan struct{}
}

// New creates a queue and starts its worker
func New[T any](handler func(batch []T), opts Options) *Queue[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	q := &Queue[T]{
		handler:  handler,
		onStop:   opts.OnStop,
		maxBatch: opts.MaxBatch,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Execute submits a task. It never blocks.
func (q *Queue[T]) Execute(task T) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	q.wakeUp()
	return nil
}

// Stop rejects further tasks and lets the worker drain what is already queued. It does not wait; use Join for that.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	remaining := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("stopping execution queue", zap.Int("remaining", remaining))
	q.wakeUp()
}

// Join blocks until the worker has drained the queue and exited
func (q *Queue[T]) Join() {
	<-q.done
}

// Stopped reports whether Stop has been called
func (q *Queue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Len returns the number of tasks waiting for the worker
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue[T]) wakeUp() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) take() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, q.stopped
	}
	if q.maxBatch <= 0 || len(q.pending) <= q.maxBatch {
		batch := q.pending
		q.pending = nil
		return batch, q.stopped
	}
	batch := make([]T, q.maxBatch)
	copy(batch, q.pending)
	rest := make([]T, len(q.pending)-q.maxBatch)
	copy(rest, q.pending[q.maxBatch:])
	q.pending = rest
	return batch, q.stopped
}

// run is the worker goroutine
func (q *Queue[T]) run() {
	defer close(q.done)

	for {
		batch, stopped := q.take()
		if len(batch) > 0 {
			q.handler(batch)
			continue
		}
		if stopped {
			if q.onStop != nil {
				q.onStop()
			}
			q.logger.Debug("execution queue drained and terminated")
			return
		}
		<-q.notify
	}
}
