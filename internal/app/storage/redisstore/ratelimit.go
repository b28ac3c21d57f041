// Package redisstore implements the rate-limit counter store on Redis for
// multi-instance deployments. Windows are plain INCR counters with a TTL;
// the increment and the first-writer expiry run inside one Lua script so
// concurrent callers agree on who opened the window.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/waggleworks/hivemarket/internal/app/domain/ratelimit"
	"github.com/waggleworks/hivemarket/internal/app/storage"
)

// RateLimitStore implements storage.RateLimitStore on a Redis client.
type RateLimitStore struct {
	client *redis.Client
	prefix string
}

var _ storage.RateLimitStore = (*RateLimitStore)(nil)

// New creates a rate-limit store with the default key prefix.
func New(client *redis.Client) *RateLimitStore {
	return &RateLimitStore{client: client, prefix: "hivemarket:rl"}
}

var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {count, tonumber(ARGV[1])}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

func (s *RateLimitStore) key(subjectType ratelimit.SubjectType, subjectID, action string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, subjectType, subjectID, action)
}

func (s *RateLimitStore) GetWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration) (ratelimit.Record, error) {
	rec := ratelimit.Record{SubjectType: subjectType, SubjectID: subjectID, Action: action}
	key := s.key(subjectType, subjectID, action)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return ratelimit.Record{}, err
	}

	raw, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return ratelimit.Record{}, err
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return ratelimit.Record{}, fmt.Errorf("parse window counter: %w", err)
	}
	rec.Count = count
	if ttl := ttlCmd.Val(); ttl > 0 {
		rec.WindowStart = time.Now().UTC().Add(ttl - window)
	}
	return rec, nil
}

func (s *RateLimitStore) IncrementWindow(ctx context.Context, subjectType ratelimit.SubjectType, subjectID, action string, window time.Duration, now time.Time) (ratelimit.Record, error) {
	key := s.key(subjectType, subjectID, action)

	raw, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return ratelimit.Record{}, err
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return ratelimit.Record{}, fmt.Errorf("unexpected script result %v", raw)
	}
	count, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)

	// The key's remaining TTL tells us when the window opened, so the
	// record shape matches the durable stores.
	return ratelimit.Record{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Action:      action,
		Count:       int(count),
		WindowStart: now.UTC().Add(time.Duration(ttlMillis)*time.Millisecond - window),
	}, nil
}
