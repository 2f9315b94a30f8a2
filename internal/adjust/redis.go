package adjust

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

-- tokens is returned as a string so fractions survive the reply conversion
return {allowed, tostring(tokens)}
`

// RedisLimiter shares buckets between processes through a Lua script.
type RedisLimiter struct {
	client redis.Scripter
	script *redis.Script
	prefix string
	rate   float64 // tokens per second
	burst  int
}

// NewRedisLimiter builds a limiter with the same shape as MemoryLimiter.
func NewRedisLimiter(client redis.Scripter, capacity int, refill time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: "xpflow:adjust:bucket:",
		rate:   1 / refill.Seconds(),
		burst:  capacity,
	}
}

// Allow runs the bucket script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil || l.client == nil {
		return Decision{}, errors.New("adjust: redis limiter not configured")
	}
	if key == "" {
		return Decision{}, errors.New("adjust: limiter key is empty")
	}
	ttl := bucketTTL(l.rate, l.burst)
	res, err := l.script.Run(ctx, l.client, []string{l.prefix + key},
		l.rate, l.burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) < 2 {
		return Decision{}, errors.New("adjust: invalid rate limit script response")
	}
	return decide(res[0], res[1], l.rate), nil
}

func decide(allowedVal, tokensVal any, ratePerSec float64) Decision {
	tokens := toFloat(tokensVal)
	if toInt(allowedVal) == 1 {
		return Decision{Allowed: true, Remaining: int(tokens)}
	}
	var retry time.Duration
	if needed := 1 - tokens; needed > 0 && ratePerSec > 0 {
		retry = time.Duration(needed / ratePerSec * float64(time.Second))
	}
	return Decision{RetryAfter: retry}
}

// bucketTTL lets an idle bucket expire once it would have refilled twice.
func bucketTTL(ratePerSec float64, burst int) time.Duration {
	if ratePerSec <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil(float64(burst) / ratePerSec * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
