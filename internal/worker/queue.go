package worker

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by TryEnqueue when the queue has no free slot.
var ErrQueueFull = errors.New("worker: queue full")

// Task asks the worker to drive one run forward.
type Task struct {
	RunID      string
	Reason     string
	EnqueuedAt time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue, blocking until there is room or
	// ctx is cancelled.
	Enqueue(ctx context.Context, t Task) error

	// TryEnqueue adds a task without blocking. It returns ErrQueueFull when
	// the queue is at capacity.
	TryEnqueue(t Task) error

	// Dequeue removes and returns the next task, blocking until one is available
	// or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// InMemoryQueue is a Queue backed by a buffered channel. It is safe for
// concurrent use. Tasks are lost on restart; Recover re-enqueues them from
// the run store.
type InMemoryQueue struct {
	ch chan Task
}

// NewInMemoryQueue creates a new queue with the given capacity.
// A non-positive capacity selects 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case q.ch <- stamp(t):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) TryEnqueue(t Task) error {
	select {
	case q.ch <- stamp(t):
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}

func stamp(t Task) Task {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	return t
}
