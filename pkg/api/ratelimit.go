package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterStore decides whether an actor may proceed. Implementations must
// be safe for concurrent use.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// LocalLimiterStore is a per-actor token bucket held in process memory.
type LocalLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	rps     rate.Limit
	burst   int
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiterStore creates a local limiter allowing rps requests per
// second with the given burst.
func NewLocalLimiterStore(rps float64, burst int) *LocalLimiterStore {
	s := &LocalLimiterStore{
		buckets: make(map[string]*localBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go s.cleanup()
	return s
}

func (s *LocalLimiterStore) cleanup() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for id, b := range s.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(s.buckets, id)
			}
		}
		s.mu.Unlock()
	}
}

func (s *LocalLimiterStore) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[actorID]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[actorID] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()
	return b.limiter.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple daemon replicas share one budget per actor.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix timestamp (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)
return allowed
`)

// RedisLimiterStore is a shared token bucket backed by Redis.
type RedisLimiterStore struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiterStore creates a Redis-backed limiter.
func NewRedisLimiterStore(client *redis.Client, rps float64, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, rps: rps, burst: burst}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	key := "treasury:rate:" + actorID
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key},
		s.rps, s.burst, cost, now).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return res == 1, nil
}

// RateLimitMiddleware enforces per-actor rate limiting. The actor is the
// authenticated principal's subject, falling back to the remote address.
// Limiter errors fail open to avoid blocking all traffic on an outage.
func RateLimitMiddleware(store LimiterStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = principal.Subject + "/" + string(principal.Role)
			}

			allowed, err := store.Allow(r.Context(), actorID, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
