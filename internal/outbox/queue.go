// Package outbox holds outbound peer frames until the data channel accepts
// them. Frames leave in the order they were pushed; a frame is only removed
// once Ack confirms it was handed to the transport, so delivery is
// at-least-once across transport drops and, for the durable backends,
// process restarts.
package outbox

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedScheme = errors.New("unsupported outbox scheme")
)

const defaultCapacity = 1024

// Queue is an ordered FIFO of encoded frames.
type Queue interface {
	// TryEnqueue appends frame, reporting false when the queue is full or the
	// backend rejected the write.
	TryEnqueue(frame string) bool
	// Peek returns the oldest frame without removing it.
	Peek() (string, bool)
	// Ack removes the oldest frame.
	Ack() bool
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryQueue struct {
	mu       sync.Mutex
	capacity int
	items    []string
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &inMemoryQueue{capacity: capacity}
}

func (q *inMemoryQueue) TryEnqueue(frame string) bool {
	if q == nil || strings.TrimSpace(frame) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, frame)
	return true
}

func (q *inMemoryQueue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

func (q *inMemoryQueue) Ack() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return false
	}
	q.items[0] = ""
	q.items = q.items[1:]
	return true
}

func (q *inMemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryQueue) Close() error {
	return nil
}

// Drain hands frames to send in order until the queue is empty or send
// fails. It returns the number of frames delivered and the send error, if
// any. A frame whose send failed stays at the head of the queue.
func Drain(q Queue, send func(frame string) error) (int, error) {
	sent := 0
	for {
		frame, ok := q.Peek()
		if !ok {
			return sent, nil
		}
		if err := send(frame); err != nil {
			return sent, err
		}
		q.Ack()
		sent++
	}
}
