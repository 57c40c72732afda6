package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueuePublishValidation(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	if err := q.Publish(context.Background(), "", "k", "g", []byte("x")); err != ErrEmptyQueue {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
	if err := q.Publish(context.Background(), "q", "k", "g", nil); err != ErrEmptyPayload {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestMemoryQueueDedup(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, "jobs", "abc123", "jobs", []byte(`{"n":1}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if depth := q.Depth("jobs"); depth != 1 {
		t.Fatalf("expected 1 pending message after duplicate publishes, got %d", depth)
	}
	if err := q.Publish(ctx, "jobs", "other", "jobs", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if depth := q.Depth("jobs"); depth != 2 {
		t.Fatalf("expected 2 pending messages, got %d", depth)
	}
}

func TestMemoryQueueConsumeFIFO(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	_ = q.Publish(ctx, "jobs", "a", "jobs", []byte("first"))
	_ = q.Publish(ctx, "jobs", "b", "jobs", []byte("second"))

	got := make(chan string, 2)
	cancel, err := q.Consume("jobs", "workers", func(_ context.Context, msg *Message) error {
		got <- string(msg.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer cancel()

	for _, want := range []string{"first", "second"} {
		select {
		case payload := <-got:
			if payload != want {
				t.Fatalf("expected %q, got %q", want, payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestMemoryQueueRetryableRedelivery(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	_ = q.Publish(context.Background(), "jobs", "a", "jobs", []byte("payload"))

	var attempts atomic.Int32
	delivered := make(chan struct{})
	cancel, err := q.Consume("jobs", "", func(_ context.Context, msg *Message) error {
		if attempts.Add(1) == 1 {
			return RetryAfter(nil, 10*time.Millisecond)
		}
		close(delivered)
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer cancel()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("message was not redelivered")
	}
	if n := attempts.Load(); n < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", n)
	}
}

func TestSubjectAndDurableNames(t *testing.T) {
	if subjectFor("prod-compilation-blue.fifo") != "jobs.prod-compilation-blue.fifo" {
		t.Fatalf("unexpected subject: %s", subjectFor("prod-compilation-blue.fifo"))
	}
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	name := durableName("prod-compilation-blue.fifo", "workers")
	if name != "dur_workers__prod-compilation-blue_fifo" {
		t.Fatalf("unexpected durable name: %s", name)
	}
}
