package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrMessageAlreadyExisting rejects a second enqueue under an id
	// already present. This is the mechanism preventing duplicate
	// dispatch of one run.
	ErrMessageAlreadyExisting = errors.New("message already existing")
	// ErrMessageNonExisting rejects commit/rollback of an absent id.
	ErrMessageNonExisting = errors.New("message non existing")
	// ErrQueueFull rejects enqueues beyond the configured capacity.
	ErrQueueFull = errors.New("worker queue is full")
)

// Message is one pending work request on the worker queue.
type Message struct {
	ID         uuid.UUID `json:"id"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the worker message queue contract. Messages stay locked
// from Put until Commit (worker took ownership) or Rollback (returned
// to the caller for rescheduling).
type Queue interface {
	Put(ctx context.Context, id uuid.UUID, payload []byte) error
	Commit(ctx context.Context, id uuid.UUID) error
	Rollback(ctx context.Context, id uuid.UUID) error
	LockedMessages(ctx context.Context) ([]Message, error)
}

type memoryQueue struct {
	mu       sync.Mutex
	messages map[uuid.UUID]Message
	order    []uuid.UUID
	capacity int
}

// NewMemoryQueue returns an in-process Queue. Production deployments
// point the dispatcher at an external broker satisfying the same
// contract.
func NewMemoryQueue(capacity int) Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &memoryQueue{
		messages: make(map[uuid.UUID]Message),
		capacity: capacity,
	}
}

func (q *memoryQueue) Put(_ context.Context, id uuid.UUID, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.messages[id]; ok {
		return ErrMessageAlreadyExisting
	}
	if len(q.messages) >= q.capacity {
		return ErrQueueFull
	}

	q.messages[id] = Message{
		ID:         id,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	q.order = append(q.order, id)

	return nil
}

func (q *memoryQueue) Commit(_ context.Context, id uuid.UUID) error {
	return q.remove(id)
}

func (q *memoryQueue) Rollback(_ context.Context, id uuid.UUID) error {
	return q.remove(id)
}

func (q *memoryQueue) remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.messages[id]; !ok {
		return ErrMessageNonExisting
	}
	delete(q.messages, id)

	for i, pending := range q.order {
		if pending == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	return nil
}

func (q *memoryQueue) LockedMessages(_ context.Context) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.messages[id])
	}

	return out, nil
}
