package registry

import (
	"sync"
	"time"
)

const defaultOverlayWindow = 30 * time.Second

// overlayCache remembers recently written (connection, job) pairs so that
// Subscribers can include them while the durable reverse index catches up.
// It only ever adds pairs this process wrote itself, so merging it can
// produce false negatives across processes but never false positives.
type overlayCache struct {
	mu     sync.Mutex
	window time.Duration
	pairs  map[string]map[string]time.Time // jobID -> connID -> written at
}

func newOverlayCache(window time.Duration) *overlayCache {
	if window <= 0 {
		window = defaultOverlayWindow
	}
	return &overlayCache{
		window: window,
		pairs:  make(map[string]map[string]time.Time),
	}
}

func (c *overlayCache) add(connID, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns, ok := c.pairs[jobID]
	if !ok {
		conns = make(map[string]time.Time)
		c.pairs[jobID] = conns
	}
	conns[connID] = time.Now()
}

func (c *overlayCache) remove(connID, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conns, ok := c.pairs[jobID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(c.pairs, jobID)
		}
	}
}

// removeConn sweeps every pair held by one connection.
func (c *overlayCache) removeConn(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jobID, conns := range c.pairs {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(c.pairs, jobID)
		}
	}
}

// connections returns the unexpired connection ids cached for a job.
func (c *overlayCache) connections(jobID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns, ok := c.pairs[jobID]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]string, 0, len(conns))
	for connID, at := range conns {
		if now.Sub(at) > c.window {
			delete(conns, connID)
			continue
		}
		out = append(out, connID)
	}
	if len(conns) == 0 {
		delete(c.pairs, jobID)
	}
	return out
}
