package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Slots coordinates per-campaign concurrency across dialer replicas.
// Each held slot is a sorted-set member scored by its expiry, so slots of a crashed
// replica are reclaimed once their TTL passes.
type Slots struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local expires = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZSCORE', key, token) then
  redis.call('ZADD', key, expires, token)
  return 1
end
if redis.call('ZCARD', key) < limit then
  redis.call('ZADD', key, expires, token)
  redis.call('PEXPIREAT', key, expires)
  return 1
end
return 0
`)

// NewSlots constructs a slot coordinator.
func NewSlots(client *redis.Client, prefix string, ttl time.Duration) *Slots {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "dialer:campaign"
	}
	return &Slots{client: client, prefix: prefix, ttl: ttl}
}

// Acquire attempts to reserve a slot identified by token. Re-acquiring a held token refreshes it.
func (s *Slots) Acquire(ctx context.Context, campaignID uuid.UUID, token string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(campaignID)},
		token, limit, now.UnixMilli(), now.Add(s.ttl).UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("slots acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees the slot held by token.
func (s *Slots) Release(ctx context.Context, campaignID uuid.UUID, token string) error {
	if err := s.client.ZRem(ctx, s.key(campaignID), token).Err(); err != nil {
		return fmt.Errorf("slots release: %w", err)
	}
	return nil
}

// Held returns the number of unexpired slots for a campaign.
func (s *Slots) Held(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	n, err := s.client.ZCount(ctx, s.key(campaignID), fmt.Sprint(time.Now().UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("slots held: %w", err)
	}
	return n, nil
}

// Wait polls Acquire until a slot is granted or ctx is done.
func (s *Slots) Wait(ctx context.Context, campaignID uuid.UUID, token string, limit int, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	for {
		acquired, err := s.Acquire(ctx, campaignID, token, limit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if acquired {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (s *Slots) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:slots", s.prefix, campaignID.String())
}
