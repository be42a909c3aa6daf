package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis implements Cache on a redis client. Values are stored as JSON; tags
// are redis sets holding the member keys.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a redis-backed cache. The prefix namespaces all keys so
// the cache can share a database with the revocation denylist.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

func (r *Redis) tagKey(tag string) string {
	return r.prefix + ":tag:" + tag
}

// Get retrieves and unmarshals a value. Returns ErrMiss when absent.
func (r *Redis) Get(ctx context.Context, key string, dest any) error {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	return json.Unmarshal([]byte(val), dest)
}

// Set marshals and stores a value with a TTL.
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

// Tag adds the key to each tag's member set. Tag sets carry a generous TTL so
// they do not accumulate forever when invalidation never fires.
func (r *Redis) Tag(ctx context.Context, key string, tags ...string) error {
	pipe := r.client.Pipeline()
	for _, tag := range tags {
		tk := r.tagKey(tag)
		pipe.SAdd(ctx, tk, r.key(key))
		pipe.Expire(ctx, tk, 24*time.Hour)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveByTag deletes every key recorded under the tag, then the tag set
// itself.
func (r *Redis) RemoveByTag(ctx context.Context, tag string) error {
	tk := r.tagKey(tag)
	members, err := r.client.SMembers(ctx, tk).Result()
	if err != nil {
		return fmt.Errorf("cache tag members %s: %w", tag, err)
	}
	if len(members) > 0 {
		if err := r.client.Del(ctx, members...).Err(); err != nil {
			return fmt.Errorf("cache delete by tag %s: %w", tag, err)
		}
	}
	return r.client.Del(ctx, tk).Err()
}

// RemoveByPattern scans for matching keys and deletes them in batches.
func (r *Redis) RemoveByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	full := r.key(pattern)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, full, 200).Result()
		if err != nil {
			return fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache delete by pattern %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	log.Debug().Str("pattern", pattern).Msg("Removed cache keys by pattern")
	return nil
}
