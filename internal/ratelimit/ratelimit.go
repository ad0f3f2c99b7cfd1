package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"auction-engine/internal/clock"
	"auction-engine/utils"

	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted-set entry per admitted request, scored by its
// time in milliseconds. Entries older than the window are dropped before counting.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// Decision is the limiter's answer for one request
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
}

// Limiter is a sliding-window counter per identity shared by every instance through Redis
type Limiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	clock  clock.Clock
}

// New allows at most limit requests per identity within window
func New(client redis.Scripter, prefix string, limit int, window time.Duration, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.System{}
	}
	return &Limiter{client: client, prefix: prefix, limit: limit, window: window, clock: c}
}

func (l *Limiter) key(identity string) string {
	return fmt.Sprintf("%sratelimit:%s", l.prefix, identity)
}

// Allow records one request for identity and reports whether it fits in the window
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.clock.Now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{l.key(identity)},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(l.window.Milliseconds(), 10),
		strconv.Itoa(l.limit),
		utils.GenerateID(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: allow %s: %w", identity, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: allow %s: unexpected reply %v", identity, res)
	}

	count := int(res[1])
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res[0] == 1,
		Count:     count,
		Limit:     l.limit,
		Remaining: remaining,
	}, nil
}

// Window is the length of the sliding window
func (l *Limiter) Window() time.Duration {
	return l.window
}
