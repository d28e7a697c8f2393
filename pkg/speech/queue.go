package speech

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize bounds clips waiting for a listener.
const DefaultQueueSize = 4

// ErrQueueFull is returned when Push would block.
var ErrQueueFull = errors.New("speech: clip queue full")

// Queue hands uploaded clips to whichever Listener is capturing.
type Queue struct {
	clips chan Clip
}

// NewQueue creates a queue holding up to size clips.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{clips: make(chan Clip, size)}
}

// Push enqueues clip without blocking.
func (q *Queue) Push(clip Clip) error {
	if len(clip.Data) == 0 {
		return ErrEmptyClip
	}
	select {
	case q.clips <- clip:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next waits for a clip until ctx is done.
func (q *Queue) Next(ctx context.Context) (Clip, error) {
	select {
	case clip := <-q.clips:
		return clip, nil
	case <-ctx.Done():
		return Clip{}, ctx.Err()
	}
}

// Len returns the number of waiting clips.
func (q *Queue) Len() int {
	return len(q.clips)
}

// Drain discards waiting clips and returns how many were dropped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.clips:
			n++
		default:
			return n
		}
	}
}

// Queues holds one Queue per session.
type Queues struct {
	size int

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewQueues creates an empty registry whose queues hold size clips.
func NewQueues(size int) *Queues {
	return &Queues{size: size, queues: make(map[string]*Queue)}
}

// For returns the queue for session, creating it on first use.
func (q *Queues) For(session string) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue, ok := q.queues[session]
	if !ok {
		queue = NewQueue(q.size)
		q.queues[session] = queue
	}
	return queue
}

// Remove forgets the queue for session. Clips still waiting are dropped.
func (q *Queues) Remove(session string) {
	q.mu.Lock()
	queue, ok := q.queues[session]
	delete(q.queues, session)
	q.mu.Unlock()
	if ok {
		queue.Drain()
	}
}

// Len returns the number of session queues.
func (q *Queues) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
