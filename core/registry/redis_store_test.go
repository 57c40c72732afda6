package registry

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	reg, err := NewRedisRegistry("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestSubscribeUnsubscribe(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Add(ctx, "conn-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Subscribe(ctx, "conn-1", "job-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := reg.Subscribe(ctx, "conn-1", "job-b"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subs, err := reg.Subscribers(ctx, "job-a")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if !contains(subs, "conn-1") {
		t.Fatalf("expected conn-1 subscribed to job-a, got %v", subs)
	}

	if err := reg.Unsubscribe(ctx, "conn-1", "job-a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	subs, err = reg.Subscribers(ctx, "job-a")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if contains(subs, "conn-1") {
		t.Fatalf("expected conn-1 removed from job-a, got %v", subs)
	}

	// Sibling subscription on the same connection is untouched.
	subs, err = reg.Subscribers(ctx, "job-b")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if !contains(subs, "conn-1") {
		t.Fatalf("expected conn-1 still subscribed to job-b, got %v", subs)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.Unsubscribe(ctx, "conn-x", "job-x"); err != nil {
		t.Fatalf("expected unsubscribe of missing record to succeed, got %v", err)
	}
}

func TestRemoveSweepsAllSubscriptions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	jobs := []string{"j1", "j2", "j3"}
	if err := reg.Add(ctx, "conn-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, job := range jobs {
		if err := reg.Subscribe(ctx, "conn-1", job); err != nil {
			t.Fatalf("subscribe %s: %v", job, err)
		}
	}
	if err := reg.Subscribe(ctx, "conn-2", "j2"); err != nil {
		t.Fatalf("subscribe conn-2: %v", err)
	}

	if err := reg.Remove(ctx, "conn-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, job := range jobs {
		subs, err := reg.Subscribers(ctx, job)
		if err != nil {
			t.Fatalf("subscribers %s: %v", job, err)
		}
		if contains(subs, "conn-1") {
			t.Fatalf("expected conn-1 swept from %s, got %v", job, subs)
		}
	}
	subs, err := reg.Subscribers(ctx, "j2")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if !contains(subs, "conn-2") {
		t.Fatalf("expected conn-2 to survive removal of conn-1, got %v", subs)
	}
}

func TestSubscribersMergesOverlayOnLaggingIndex(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Subscribe(ctx, "conn-1", "job-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Simulate reverse-index propagation delay by dropping the durable
	// index entry out from under the registry.
	mr.Del(subIdxKey("job-a"))

	subs, err := reg.Subscribers(ctx, "job-a")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if !contains(subs, "conn-1") {
		t.Fatalf("expected overlay cache to mask lagging index, got %v", subs)
	}
}

func TestOverlayNeverResurrectsUnsubscribed(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Subscribe(ctx, "conn-1", "job-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := reg.Unsubscribe(ctx, "conn-1", "job-a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	mr.Del(subIdxKey("job-a"))

	subs, err := reg.Subscribers(ctx, "job-a")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %v", subs)
	}
}

func TestOverlayExpiry(t *testing.T) {
	c := newOverlayCache(10 * time.Millisecond)
	c.add("conn-1", "job-a")
	if got := c.connections("job-a"); len(got) != 1 {
		t.Fatalf("expected cached pair, got %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := c.connections("job-a"); len(got) != 0 {
		t.Fatalf("expected expired pair, got %v", got)
	}
}
