// Package routing resolves a compiler identifier to the destination the job
// dispatcher should use: a named queue or a direct endpoint URL.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/compiler-explorer/compile-bridge/core/infra/redisutil"
)

const (
	routePrefix           = "route:"
	defaultRedisOpTimeout = 2 * time.Second

	// Routing entry field names, written by the administrative tooling.
	fieldRoutingType = "routingType"
	fieldTargetURL   = "targetUrl"
	fieldQueueName   = "queueName"
	fieldEnvironment = "environment"
)

// ErrNotFound reports that no routing entry exists for a lookup key.
var ErrNotFound = errors.New("routing entry not found")

// Entry is one durable routing record.
type Entry struct {
	RoutingType string
	TargetURL   string
	QueueName   string
	Environment string
}

// Store is the durable routing table plus the active-color flag.
type Store interface {
	// Lookup fetches the entry stored under key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (*Entry, error)
	// ActiveColor reads the blue/green cutover flag. An unset flag
	// returns "" with no error.
	ActiveColor(ctx context.Context) (string, error)
}

// RedisTable implements Store on Redis hashes, one hash per lookup key.
type RedisTable struct {
	client   redis.UniversalClient
	colorKey string
}

// NewRedisTable constructs a routing table client from a redis:// URL.
func NewRedisTable(url, colorKey string) (*RedisTable, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisTableWithClient(client, colorKey), nil
}

// NewRedisTableWithClient wraps an existing client; used by tests.
func NewRedisTableWithClient(client redis.UniversalClient, colorKey string) *RedisTable {
	return &RedisTable{client: client, colorKey: colorKey}
}

func (t *RedisTable) Lookup(ctx context.Context, key string) (*Entry, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	fields, err := t.client.HGetAll(cctx, routePrefix+key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &Entry{
		RoutingType: fields[fieldRoutingType],
		TargetURL:   fields[fieldTargetURL],
		QueueName:   fields[fieldQueueName],
		Environment: fields[fieldEnvironment],
	}, nil
}

func (t *RedisTable) ActiveColor(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	color, err := t.client.Get(cctx, t.colorKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return color, nil
}

// Close closes the underlying Redis client.
func (t *RedisTable) Close() error {
	return t.client.Close()
}
