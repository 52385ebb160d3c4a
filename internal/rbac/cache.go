package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PermissionCache stores flattened permission sets per principal. Entries are
// addressed by a key that embeds version counters, so bumping a counter makes
// every older entry unreachable without touching it.
type PermissionCache interface {
	// Lookup resolves the current key for the principal and returns the
	// cached set under it, if any.
	Lookup(ctx context.Context, principalID int64) (CacheLookup, error)
	// Fill stores perms under a key previously returned by Lookup.
	Fill(ctx context.Context, key string, perms []Permission) error
	// InvalidatePrincipal drops the principal's flattened view.
	InvalidatePrincipal(ctx context.Context, principalID int64) error
	// InvalidateAll drops every flattened view.
	InvalidateAll(ctx context.Context) error
}

// CacheLookup is the outcome of PermissionCache.Lookup.
type CacheLookup struct {
	Key         string
	Permissions []Permission
	Hit         bool
}

// RedisPermissionCache implements PermissionCache on Redis.
type RedisPermissionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPermissionCache constructs the cache. A zero ttl defaults to ten minutes.
func NewRedisPermissionCache(client *redis.Client, ttl time.Duration) *RedisPermissionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisPermissionCache{client: client, prefix: "bookshelf:rbac", ttl: ttl}
}

func (c *RedisPermissionCache) generationKey() string {
	return c.prefix + ":gen"
}

func (c *RedisPermissionCache) principalVersionKey(principalID int64) string {
	return c.prefix + ":ver:" + strconv.FormatInt(principalID, 10)
}

func (c *RedisPermissionCache) Lookup(ctx context.Context, principalID int64) (CacheLookup, error) {
	versions, err := c.client.MGet(ctx, c.generationKey(), c.principalVersionKey(principalID)).Result()
	if err != nil {
		return CacheLookup{}, fmt.Errorf("rbac cache: versions: %w", err)
	}
	key := fmt.Sprintf("%s:perms:%s:%d:%s", c.prefix, counter(versions[0]), principalID, counter(versions[1]))

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CacheLookup{Key: key}, nil
		}
		return CacheLookup{}, fmt.Errorf("rbac cache: get: %w", err)
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return CacheLookup{Key: key}, nil
	}
	perms, err := parseCodenames(codes)
	if err != nil {
		return CacheLookup{Key: key}, nil
	}
	return CacheLookup{Key: key, Permissions: perms, Hit: true}, nil
}

func (c *RedisPermissionCache) Fill(ctx context.Context, key string, perms []Permission) error {
	codes := make([]string, 0, len(perms))
	for _, p := range perms {
		codes = append(codes, p.Codename())
	}
	payload, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("rbac cache: set: %w", err)
	}
	return nil
}

func (c *RedisPermissionCache) InvalidatePrincipal(ctx context.Context, principalID int64) error {
	if err := c.client.Incr(ctx, c.principalVersionKey(principalID)).Err(); err != nil {
		return fmt.Errorf("rbac cache: invalidate principal: %w", err)
	}
	return nil
}

func (c *RedisPermissionCache) InvalidateAll(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("rbac cache: invalidate all: %w", err)
	}
	return nil
}

// counter renders an MGET slot, treating a missing key as version zero.
func counter(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "0"
	}
	return s
}

var _ PermissionCache = (*RedisPermissionCache)(nil)
