package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same dedup semantics as the
// JetStream implementation. Used by tests and local single-process runs.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	window time.Duration
	closed bool
}

type memQueue struct {
	pending []*Message
	seen    map[string]time.Time
	cond    *sync.Cond
	stopped bool
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]*memQueue),
		window: duplicatesWindow,
	}
}

func (q *MemoryQueue) get(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{seen: make(map[string]time.Time)}
		mq.cond = sync.NewCond(&q.mu)
		q.queues[name] = mq
	}
	return mq
}

// Publish appends a message unless its dedup key was seen inside the
// duplicates window.
func (q *MemoryQueue) Publish(_ context.Context, queue, dedupKey, groupKey string, payload []byte) error {
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueue
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.get(queue)
	now := time.Now()
	for key, at := range mq.seen {
		if now.Sub(at) > q.window {
			delete(mq.seen, key)
		}
	}
	if dedupKey != "" {
		if _, dup := mq.seen[dedupKey]; dup {
			return nil
		}
		mq.seen[dedupKey] = now
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	mq.pending = append(mq.pending, &Message{
		Queue:    queue,
		DedupKey: dedupKey,
		GroupKey: groupKey,
		Payload:  data,
	})
	mq.cond.Broadcast()
	return nil
}

// Consume starts a goroutine draining the named queue in FIFO order.
func (q *MemoryQueue) Consume(queue, group string, handler Handler) (CancelFunc, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, ErrEmptyQueue
	}
	if handler == nil {
		return nil, errNilHandler
	}
	q.mu.Lock()
	mq := q.get(queue)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			q.mu.Lock()
			for len(mq.pending) == 0 && !mq.stopped {
				mq.cond.Wait()
			}
			if mq.stopped {
				q.mu.Unlock()
				close(done)
				return
			}
			msg := mq.pending[0]
			mq.pending = mq.pending[1:]
			q.mu.Unlock()

			if err := handler(context.Background(), msg); err != nil {
				if delay, ok := RetryDelay(err); ok {
					time.Sleep(delay)
					q.mu.Lock()
					mq.pending = append([]*Message{msg}, mq.pending...)
					q.mu.Unlock()
				}
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			q.mu.Lock()
			mq.stopped = true
			mq.cond.Broadcast()
			q.mu.Unlock()
			<-done
		})
	}
	return cancel, nil
}

// Depth reports how many messages are waiting on the named queue.
func (q *MemoryQueue) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[queue]
	if !ok {
		return 0
	}
	return len(mq.pending)
}

// Close stops all consumers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, mq := range q.queues {
		mq.stopped = true
		mq.cond.Broadcast()
	}
}
