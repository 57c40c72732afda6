package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/compiler-explorer/compile-bridge/core/infra/redisutil"
)

const (
	// Subscription records outlive any sane request by a wide margin; the
	// TTL only guards against leaks from crashed gateways.
	defaultRecordTTL      = 2 * time.Hour
	defaultRedisOpTimeout = 2 * time.Second
	scanBatch             = 256
)

// RedisRegistry implements Registry on Redis. One string record per
// connection, one per (connection, job) pair, plus a set-valued reverse
// index keyed by job identifier.
type RedisRegistry struct {
	client    redis.UniversalClient
	recordTTL time.Duration
	overlay   *overlayCache
}

// NewRedisRegistry constructs a registry from a redis:// URL.
func NewRedisRegistry(url string) (*RedisRegistry, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisRegistryWithClient(client), nil
}

// NewRedisRegistryWithClient wraps an existing client; used by tests.
func NewRedisRegistryWithClient(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{
		client:    client,
		recordTTL: defaultRecordTTL,
		overlay:   newOverlayCache(defaultOverlayWindow),
	}
}

func (r *RedisRegistry) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}

// Add registers a connection record.
func (r *RedisRegistry) Add(ctx context.Context, connID string) error {
	if connID == "" {
		return errEmptyConnID
	}
	cctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.client.Set(cctx, connKey(connID), "1", r.recordTTL).Err()
}

// Subscribe writes the composite-key record and the reverse index entry,
// then notes the pair in the overlay cache.
func (r *RedisRegistry) Subscribe(ctx context.Context, connID, jobID string) error {
	if connID == "" {
		return errEmptyConnID
	}
	if jobID == "" {
		return errEmptyJobID
	}
	cctx, cancel := r.opCtx(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(cctx, subKey(connID, jobID), "1", r.recordTTL)
	pipe.SAdd(cctx, subIdxKey(jobID), connID)
	pipe.Expire(cctx, subIdxKey(jobID), r.recordTTL)
	if _, err := pipe.Exec(cctx); err != nil {
		return err
	}
	r.overlay.add(connID, jobID)
	return nil
}

// Unsubscribe deletes exactly the one pair record. Missing records are
// treated as success.
func (r *RedisRegistry) Unsubscribe(ctx context.Context, connID, jobID string) error {
	if connID == "" || jobID == "" {
		return nil
	}
	cctx, cancel := r.opCtx(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(cctx, subKey(connID, jobID))
	pipe.SRem(cctx, subIdxKey(jobID), connID)
	_, err := pipe.Exec(cctx)
	r.overlay.remove(connID, jobID)
	return err
}

// Subscribers merges the durable reverse index with the overlay cache.
func (r *RedisRegistry) Subscribers(ctx context.Context, jobID string) ([]string, error) {
	if jobID == "" {
		return nil, errEmptyJobID
	}
	cctx, cancel := r.opCtx(ctx)
	defer cancel()
	durable, err := r.client.SMembers(cctx, subIdxKey(jobID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(durable)+1)
	for _, connID := range durable {
		set[connID] = struct{}{}
	}
	for _, connID := range r.overlay.connections(jobID) {
		set[connID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes the connection record and every subscription whose key
// carries the connection prefix, keeping the reverse index in step.
func (r *RedisRegistry) Remove(ctx context.Context, connID string) error {
	if connID == "" {
		return errEmptyConnID
	}
	cctx, cancel := r.opCtx(ctx)
	defer cancel()

	var cursor uint64
	var keys []string
	for {
		batch, next, err := r.client.Scan(cctx, cursor, subKeyPrefix(connID)+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(cctx, connKey(connID))
	for _, key := range keys {
		pipe.Del(cctx, key)
		if jobID := jobIDFromSubKey(key, connID); jobID != "" {
			pipe.SRem(cctx, subIdxKey(jobID), connID)
		}
	}
	_, err := pipe.Exec(cctx)
	r.overlay.removeConn(connID)
	return err
}

// Close closes the underlying Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
