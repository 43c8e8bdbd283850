// Package rediscache layers a Redis read-through cache over a snapshot
// store. The cache holds the canonical encoded text, never decoded bytes,
// so a cached entry stays decodable by the same path as a stored row.
//
// The cache is strictly an availability optimization: any Redis failure
// degrades to the inner store rather than failing the call.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quillsync/quillsync/pkg/store"
)

const defaultTTL = 10 * time.Minute

// Option configures the cache.
type Option func(*Cache)

// WithTTL sets the expiry for cached snapshots.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for degrade warnings.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// Cache implements store.SnapshotStore with a Redis layer in front of an
// inner store.
type Cache struct {
	inner  store.SnapshotStore
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// New connects to Redis at addr and wraps inner.
func New(inner store.SnapshotStore, addr string, opts ...Option) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(inner, client, opts...), nil
}

// NewWithClient wraps inner using an existing Redis client.
func NewWithClient(inner store.SnapshotStore, client *redis.Client, opts ...Option) *Cache {
	c := &Cache{
		inner:  inner,
		client: client,
		ttl:    defaultTTL,
		prefix: "quillsync:snapshot:",
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached snapshot text when present, otherwise falls through
// to the inner store and backfills the cache. Absence is never cached, so a
// brand-new document becomes visible on its first store.
func (c *Cache) Get(ctx context.Context, docID string) (store.RawSnapshot, error) {
	key := c.key(docID)
	state, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return store.RawSnapshot{DocID: docID, State: state}, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn("redis get failed, falling through to store",
			zap.Error(err),
			zap.String("doc_id", docID))
	}

	raw, err := c.inner.Get(ctx, docID)
	if err != nil {
		return store.RawSnapshot{}, err
	}
	// Only textual column values are backfilled: they round-trip through
	// Redis unchanged, while raw byte forms would come back as a string of
	// unknown encoding.
	if s, ok := raw.State.(string); ok && s != "" {
		if err := c.client.Set(ctx, key, s, c.ttl).Err(); err != nil {
			c.log.Warn("redis backfill failed",
				zap.Error(err),
				zap.String("doc_id", docID))
		}
	}
	return raw, nil
}

// Upsert writes through to the inner store, then refreshes the cache entry.
// A cache refresh failure is logged, not surfaced: the durable write already
// succeeded.
func (c *Cache) Upsert(ctx context.Context, snap store.EncodedSnapshot) error {
	if err := c.inner.Upsert(ctx, snap); err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(snap.DocID), snap.State, c.ttl).Err(); err != nil {
		c.log.Warn("redis refresh failed after upsert",
			zap.Error(err),
			zap.String("doc_id", snap.DocID))
	}
	return nil
}

// Close closes the Redis client and the inner store.
func (c *Cache) Close() error {
	cerr := c.client.Close()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return cerr
}

func (c *Cache) key(docID string) string { return c.prefix + docID }
