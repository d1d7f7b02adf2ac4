package redis

import (
	"context"
	"fmt"
)

// Cache manages keys of the read-side cache owned by downstream consumers.
// The ingestion side only ever invalidates; it never populates.
// ⭐ SSOT: 캐시 키 규칙은 여기서만
type Cache struct {
	client *Client
	prefix string
}

// NewCache creates a new cache helper
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
	}
}

// Key returns the fully qualified cache key
func (c *Cache) Key(key string) string {
	return fmt.Sprintf("%s:cache:%s", c.prefix, key)
}

// Delete removes a cached value
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.client.Enabled() {
		return nil
	}

	return c.client.Redis().Del(ctx, c.Key(key)).Err()
}

// DeleteMatching removes every key matching the glob pattern and returns the count
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if !c.client.Enabled() {
		return 0, nil
	}

	rdb := c.client.Redis()
	deleted := 0
	iter := rdb.Scan(ctx, 0, c.Key(pattern), 500).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan %s: %w", pattern, err)
	}

	return deleted, nil
}

// Bump increments a version counter so readers holding older versions refetch
func (c *Cache) Bump(ctx context.Context, key string) (int64, error) {
	if !c.client.Enabled() {
		return 0, nil
	}

	return c.client.Redis().Incr(ctx, c.Key(key)).Result()
}

// Common cache key generators
func SeriesKey(symbol string) string {
	return fmt.Sprintf("series:%s", symbol)
}

func SeriesVersionKey(symbol string) string {
	return fmt.Sprintf("series:%s:version", symbol)
}

func PriceKey(symbol string, date string) string {
	return fmt.Sprintf("price:%s:%s", symbol, date)
}
