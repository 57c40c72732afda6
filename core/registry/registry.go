// Package registry tracks open gateway connections and their job
// subscriptions. The durable Redis records are ground truth; a process-local
// overlay cache masks reverse-index propagation delay.
package registry

import (
	"context"
	"strings"
)

const (
	connPrefix   = "conn:"
	subPrefix    = "sub:"
	subIdxPrefix = "subidx:"
	pairSep      = "#"
)

// Registry stores connection and subscription records.
type Registry interface {
	// Add registers a new connection.
	Add(ctx context.Context, connID string) error
	// Remove drops a connection and every subscription it holds.
	Remove(ctx context.Context, connID string) error
	// Subscribe records interest of a connection in a job identifier.
	Subscribe(ctx context.Context, connID, jobID string) error
	// Unsubscribe removes exactly the one (connection, job) record.
	// A record already gone counts as success.
	Unsubscribe(ctx context.Context, connID, jobID string) error
	// Subscribers returns the connections listening for a job identifier.
	Subscribers(ctx context.Context, jobID string) ([]string, error)
	Close() error
}

func connKey(connID string) string {
	return connPrefix + connID
}

func subKey(connID, jobID string) string {
	return subPrefix + connID + pairSep + jobID
}

func subKeyPrefix(connID string) string {
	return subPrefix + connID + pairSep
}

func subIdxKey(jobID string) string {
	return subIdxPrefix + jobID
}

// jobIDFromSubKey recovers the job identifier from a composite
// subscription key. Returns "" when the key does not match the prefix.
func jobIDFromSubKey(key, connID string) string {
	prefix := subKeyPrefix(connID)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return key[len(prefix):]
}
