// Package rediscache stores completion sets in Redis sets, one key per viewer
// and course. It is an alternative to the SQLite cache for deployments that
// run several course-progress instances behind one load balancer.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/msomdec/course-progress/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "course-progress"

// CompletionCache implements domain.CompletionCache with SADD/SMEMBERS.
type CompletionCache struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string) (*CompletionCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: missing redis address", domain.ErrInvalidInput)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(rdb, defaultPrefix), nil
}

// NewFromClient wraps an existing client. Keys are namespaced under prefix.
func NewFromClient(rdb *redis.Client, prefix string) *CompletionCache {
	return &CompletionCache{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key holding the viewer's set for the course.
func (c *CompletionCache) Key(viewer domain.Viewer, courseID int64) string {
	return fmt.Sprintf("%s:completed:%s:%d", c.prefix, viewer.Key(), courseID)
}

func (c *CompletionCache) Load(ctx context.Context, viewer domain.Viewer, courseID int64) (domain.CompletionSet, error) {
	members, err := c.rdb.SMembers(ctx, c.Key(viewer, courseID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return parseMembers(members)
}

func parseMembers(members []string) (domain.CompletionSet, error) {
	set := domain.NewCompletionSet()
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chapter id %q: %w", m, err)
		}
		set.Add(id)
	}
	return set, nil
}

func (c *CompletionCache) Save(ctx context.Context, viewer domain.Viewer, courseID int64, set domain.CompletionSet) error {
	if set.Len() == 0 {
		return nil
	}
	members := make([]any, 0, set.Len())
	for _, id := range set.IDs() {
		members = append(members, strconv.FormatInt(id, 10))
	}
	if err := c.rdb.SAdd(ctx, c.Key(viewer, courseID), members...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (c *CompletionCache) Clear(ctx context.Context, viewer domain.Viewer, courseID int64) error {
	if err := c.rdb.Del(ctx, c.Key(viewer, courseID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *CompletionCache) Close() error {
	return c.rdb.Close()
}
