// Package draftcache mirrors unsaved drafts into Redis so a crashed or
// killed process can offer the draft back on the next open.
package draftcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports that no cached draft exists for the document.
var ErrNotFound = errors.New("no cached draft")

// Entry is the cached draft plus the metadata needed to decide whether it
// is worth offering: a draft older than the last persisted save is stale.
type Entry struct {
	Content  json.RawMessage `json:"content"`
	Revision int64           `json:"revision"`
	SavedAt  time.Time       `json:"savedAt"`
}

// RedisCache stores one draft entry per document under a shared prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCache{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(documentID string) string {
	return c.prefix + documentID
}

// Put overwrites the cached draft for a document.
func (c *RedisCache) Put(ctx context.Context, documentID string, entry Entry) error {
	if entry.SavedAt.IsZero() {
		entry.SavedAt = time.Now()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal draft entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(documentID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache draft: %w", err)
	}
	return nil
}

// Get returns the cached draft, or ErrNotFound.
func (c *RedisCache) Get(ctx context.Context, documentID string) (Entry, error) {
	raw, err := c.client.Get(ctx, c.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read cached draft: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal draft entry: %w", err)
	}
	return entry, nil
}

// Delete drops the cached draft. Deleting a missing entry is not an error;
// this runs after every successful save.
func (c *RedisCache) Delete(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("delete cached draft: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
