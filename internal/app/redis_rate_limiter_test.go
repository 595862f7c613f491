package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payout-service/internal/domain"
)

func newTestLimiter(t *testing.T, limits ClaimLimits) (*RedisClaimRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisClaimRateLimiter(client, "test:rl:", limits), mr
}

func TestRedisClaimRateLimiterAllocationWindow(t *testing.T) {
	limiter, mr := newTestLimiter(t, ClaimLimits{PerRecipient: 10, PerAllocation: 2, Window: time.Minute})
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		quota, err := limiter.ConsumeClaim(ctx, 7, alice)
		require.NoError(t, err)
		assert.True(t, quota.Allowed)
		assert.Equal(t, want, quota.AllocationCount)
	}
	quota, err := limiter.ConsumeClaim(ctx, 7, alice)
	require.NoError(t, err)
	assert.False(t, quota.Allowed)
	assert.Equal(t, 60, quota.RetryAfterSeconds)

	// The same recipient on another payout has its own allocation window.
	quota, err = limiter.ConsumeClaim(ctx, 8, alice)
	require.NoError(t, err)
	assert.True(t, quota.Allowed)
	assert.Equal(t, 1, quota.AllocationCount)
	assert.Equal(t, 4, quota.RecipientCount)

	assert.True(t, mr.Exists("test:rl:claim:7:"+strings.ToLower(alice.Hex())))
	assert.True(t, mr.Exists("test:rl:claim:"+strings.ToLower(alice.Hex())))
}

func TestRedisClaimRateLimiterRecipientWindowSpansPayouts(t *testing.T) {
	limiter, _ := newTestLimiter(t, ClaimLimits{PerRecipient: 3, PerAllocation: 5, Window: time.Minute})
	ctx := context.Background()

	for id := uint64(1); id <= 3; id++ {
		quota, err := limiter.ConsumeClaim(ctx, id, bob)
		require.NoError(t, err)
		assert.True(t, quota.Allowed)
	}
	quota, err := limiter.ConsumeClaim(ctx, 4, bob)
	require.NoError(t, err)
	assert.False(t, quota.Allowed)
	assert.Equal(t, 1, quota.AllocationCount)

	quota, err = limiter.ConsumeClaim(ctx, 4, alice)
	require.NoError(t, err)
	assert.True(t, quota.Allowed)
}

func TestRedisClaimRateLimiterWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t, ClaimLimits{PerRecipient: 1, PerAllocation: 1, Window: time.Minute})
	ctx := context.Background()

	_, err := limiter.ConsumeClaim(ctx, 1, alice)
	require.NoError(t, err)
	quota, err := limiter.ConsumeClaim(ctx, 1, alice)
	require.NoError(t, err)
	require.False(t, quota.Allowed)

	mr.FastForward(61 * time.Second)
	quota, err = limiter.ConsumeClaim(ctx, 1, alice)
	require.NoError(t, err)
	assert.True(t, quota.Allowed)
	assert.Equal(t, 1, quota.RecipientCount)
}

func TestRedisClaimRateLimiterDisabled(t *testing.T) {
	ctx := context.Background()

	limiter, mr := newTestLimiter(t, ClaimLimits{})
	quota, err := limiter.ConsumeClaim(ctx, 1, alice)
	require.NoError(t, err)
	assert.True(t, quota.Allowed)
	assert.Empty(t, mr.Keys())

	var nilLimiter *RedisClaimRateLimiter
	quota, err = nilLimiter.ConsumeClaim(ctx, 1, alice)
	require.NoError(t, err)
	assert.True(t, quota.Allowed)
}

func TestRedisClaimRateLimiterUnavailable(t *testing.T) {
	limiter, mr := newTestLimiter(t, ClaimLimits{PerRecipient: 5, PerAllocation: 5})
	mr.Close()

	_, err := limiter.ConsumeClaim(context.Background(), 1, alice)
	assert.Error(t, err)
}

func TestClaimWithRedisLimiterEnforcesLimit(t *testing.T) {
	env := newTestEnv(t)
	limiter, _ := newTestLimiter(t, ClaimLimits{PerRecipient: 30, PerAllocation: 1, Window: time.Minute})
	env.svc.SetClaimRateLimiter(limiter)
	ctx := context.Background()
	id := env.createPayout(t, token, []common.Address{alice}, 10)

	_, err := env.svc.Claim(ctx, id, alice)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunding)

	_, err = env.svc.Claim(ctx, id, alice)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.GreaterOrEqual(t, rle.RetryAfterSeconds, 1)
}
