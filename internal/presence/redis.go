package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key pattern:
// presence:user:{user_id}   INT   live sessions across all instances, with TTL

// Redis is a Tracker shared by every instance. Counters expire after ttl unless
// refreshed, so sessions of a crashed instance eventually go offline.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

func userKey(userID int) string {
	return "presence:user:" + strconv.Itoa(userID)
}

func (r *Redis) Connect(ctx context.Context, userID int) (bool, error) {
	key := userKey(userID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return incr.Val() == 1, nil
}

// disconnectScript decrements a live counter and deletes it at zero. A missing
// key means the counter already expired, so it stays missing and reports -1.
var disconnectScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
  redis.call("DEL", KEYS[1])
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`)

// Disconnect reports true only when this call took the counter to zero.
func (r *Redis) Disconnect(ctx context.Context, userID int) (bool, error) {
	n, err := disconnectScript.Run(ctx, r.client, []string{userKey(userID)}, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return n == 0, nil
}

func (r *Redis) Refresh(ctx context.Context, userID int) error {
	return r.client.Expire(ctx, userKey(userID), r.ttl).Err()
}

func (r *Redis) Online(ctx context.Context, userIDs []int) (map[int]bool, error) {
	out := make(map[int]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	for i, v := range vals {
		s, _ := v.(string)
		n, _ := strconv.Atoi(s)
		out[userIDs[i]] = n > 0
	}
	return out, nil
}
