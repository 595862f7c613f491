package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Both windows are charged in one round trip so a denied attempt on one payout
// still counts against the recipient's overall budget.
var claimQuotaScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local out = {}
for i, key in ipairs(KEYS) do
  local current = redis.call("INCR", key)
  if current == 1 then
    redis.call("PEXPIRE", key, window)
  end
  local ttl = redis.call("PTTL", key)
  if ttl < 0 then
    ttl = window
  end
  out[2 * i - 1] = current
  out[2 * i] = ttl
end
return out
`)

// ClaimLimits bounds claim attempts per recipient across every payout, and per
// single allocation (one recipient on one payout).
type ClaimLimits struct {
	PerRecipient  int
	PerAllocation int
	Window        time.Duration
}

// ClaimQuota is the limiter's verdict on one claim attempt.
type ClaimQuota struct {
	Allowed           bool
	RecipientCount    int
	AllocationCount   int
	RetryAfterSeconds int
}

// RedisClaimRateLimiter implements distributed fixed-window claim throttling using Redis.
type RedisClaimRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limits ClaimLimits
}

func NewRedisClaimRateLimiter(client redis.UniversalClient, prefix string, limits ClaimLimits) *RedisClaimRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "payout:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if limits.Window < time.Second {
		limits.Window = time.Minute
	}

	return &RedisClaimRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limits: limits,
	}
}

func (r *RedisClaimRateLimiter) recipientKey(recipient common.Address) string {
	return fmt.Sprintf("%s:claim:%s", r.prefix, strings.ToLower(recipient.Hex()))
}

func (r *RedisClaimRateLimiter) allocationKey(payoutID uint64, recipient common.Address) string {
	return fmt.Sprintf("%s:claim:%d:%s", r.prefix, payoutID, strings.ToLower(recipient.Hex()))
}

// ConsumeClaim charges one claim attempt by recipient on payoutID. A limit of 0
// disables that window; a nil limiter allows everything.
func (r *RedisClaimRateLimiter) ConsumeClaim(ctx context.Context, payoutID uint64, recipient common.Address) (ClaimQuota, error) {
	if r == nil || r.client == nil || (r.limits.PerRecipient <= 0 && r.limits.PerAllocation <= 0) {
		return ClaimQuota{Allowed: true}, nil
	}

	windowMs := r.limits.Window.Milliseconds()
	keys := []string{r.recipientKey(recipient), r.allocationKey(payoutID, recipient)}
	rawResult, err := claimQuotaScript.Run(ctx, r.client, keys, windowMs).Result()
	if err != nil {
		return ClaimQuota{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 4 {
		return ClaimQuota{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	counts := make([]int64, 4)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return ClaimQuota{}, fmt.Errorf("unexpected redis limiter value type: %T", v)
		}
		counts[i] = n
	}

	quota := ClaimQuota{
		Allowed:         true,
		RecipientCount:  int(counts[0]),
		AllocationCount: int(counts[2]),
	}
	var ttlMs int64
	if r.limits.PerRecipient > 0 && quota.RecipientCount > r.limits.PerRecipient {
		quota.Allowed = false
		ttlMs = counts[1]
	}
	if r.limits.PerAllocation > 0 && quota.AllocationCount > r.limits.PerAllocation {
		quota.Allowed = false
		if counts[3] > ttlMs {
			ttlMs = counts[3]
		}
	}
	if !quota.Allowed {
		quota.RetryAfterSeconds = int(math.Ceil(float64(ttlMs) / 1000.0))
		if quota.RetryAfterSeconds < 1 {
			quota.RetryAfterSeconds = 1
		}
	}
	return quota, nil
}
