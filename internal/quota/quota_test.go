package quota_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap2cal/internal/config"
	"cap2cal/internal/event"
	"cap2cal/internal/logging"
	"cap2cal/internal/quota"
)

func backends(t *testing.T) map[string]func(t *testing.T) quota.Service {
	t.Helper()
	return map[string]func(t *testing.T) quota.Service{
		"memory": func(*testing.T) quota.Service { return quota.NewMemoryService() },
		"redis": func(t *testing.T) quota.Service {
			mr := miniredis.RunT(t)
			svc, err := quota.NewRedisService(&redis.Options{Addr: mr.Addr()}, "test")
			require.NoError(t, err)
			t.Cleanup(func() { _ = svc.Close() })
			return svc
		},
	}
}

func TestServiceEnforcesLimit(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := build(t)
			ctx := context.Background()
			require.NoError(t, svc.Ping(ctx))

			for i := 1; i <= 2; i++ {
				allowed, used, err := svc.CheckAndIncrement(ctx, "alice", 2)
				require.NoError(t, err)
				assert.True(t, allowed)
				assert.Equal(t, int64(i), used)
			}
			allowed, used, err := svc.CheckAndIncrement(ctx, "alice", 2)
			require.NoError(t, err)
			assert.False(t, allowed)
			assert.Equal(t, int64(2), used)

			require.NoError(t, svc.Release(ctx, "alice"))
			allowed, _, err = svc.CheckAndIncrement(ctx, "alice", 2)
			require.NoError(t, err)
			assert.True(t, allowed)

			other, err := svc.Usage(ctx, "bob")
			require.NoError(t, err)
			assert.Zero(t, other)
		})
	}
}

func TestServiceUnlimitedStillCounts(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := build(t)
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				allowed, _, err := svc.CheckAndIncrement(ctx, "alice", quota.Unlimited)
				require.NoError(t, err)
				require.True(t, allowed)
			}
			used, err := svc.Usage(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(10), used)
		})
	}
}

func TestServiceZeroLimitDeniesEveryCapture(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := build(t)
			allowed, used, err := svc.CheckAndIncrement(context.Background(), "alice", 0)
			require.NoError(t, err)
			assert.False(t, allowed)
			assert.Zero(t, used)
		})
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := build(t)
			ctx := context.Background()
			require.NoError(t, svc.Release(ctx, "alice"))
			used, err := svc.Usage(ctx, "alice")
			require.NoError(t, err)
			assert.Zero(t, used)
		})
	}
}

func TestConcurrentReservationsDoNotOvershoot(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			svc := build(t)
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				granted int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					allowed, _, err := svc.CheckAndIncrement(ctx, "alice", 5)
					if err == nil && allowed {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 5, granted)
		})
	}
}

func TestRedisKeysUsePrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := quota.NewRedisService(&redis.Options{Addr: mr.Addr()}, "cap2cal")
	require.NoError(t, err)
	defer svc.Close()

	_, _, err = svc.CheckAndIncrement(context.Background(), "alice", 5)
	require.NoError(t, err)
	value, err := mr.Get("cap2cal:captures:alice")
	require.NoError(t, err)
	assert.Equal(t, "1", value)
}

func TestNewServiceSelectsBackend(t *testing.T) {
	svc, err := quota.NewService(config.Quota{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &quota.MemoryService{}, svc)

	mr := miniredis.RunT(t)
	svc, err = quota.NewService(config.Quota{Backend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &quota.RedisService{}, svc)
	require.NoError(t, svc.Close())

	_, err = quota.NewService(config.Quota{Backend: "etcd"})
	assert.Error(t, err)
	_, err = quota.NewService(config.Quota{Backend: "redis"})
	assert.Error(t, err)
}

func newGate(policy quota.Policy) (*quota.Gate, *quota.MemoryService) {
	svc := quota.NewMemoryService()
	tokens := map[string]string{"tok-alice": "alice", "tok-pro": "paula"}
	return quota.NewGate(tokens, svc, policy, logging.NewNop()), svc
}

func TestGateRejectsUnknownTokens(t *testing.T) {
	gate, _ := newGate(quota.Policy{})
	_, err := gate.Authorize(context.Background(), "")
	assert.ErrorIs(t, err, quota.ErrUnauthorized)
	_, err = gate.Authorize(context.Background(), "tok-mallory")
	assert.ErrorIs(t, err, quota.ErrUnauthorized)

	user, err := gate.Verify(" tok-alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestGateLimitsFreeUsersWhenPaidOnly(t *testing.T) {
	gate, _ := newGate(quota.PolicyFrom(config.Quota{PaidOnly: true, FreeCaptureLimit: 2, ProUsers: []string{"paula"}}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := gate.Authorize(ctx, "tok-alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := gate.Authorize(ctx, "tok-alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Reserved)
	assert.Equal(t, event.ReasonLimitReached, d.Reason)
	assert.Equal(t, 2, d.Limit)

	for i := 0; i < 5; i++ {
		d, err := gate.Authorize(ctx, "tok-pro")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Pro)
	}
}

func TestGateCountsButDoesNotLimitWhenNotPaidOnly(t *testing.T) {
	gate, svc := newGate(quota.Policy{PaidOnly: false, FreeLimit: 1})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := gate.Authorize(ctx, "tok-alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	used, err := svc.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)
}

func TestGateReleaseReturnsReservation(t *testing.T) {
	gate, svc := newGate(quota.Policy{PaidOnly: true, FreeLimit: 1})
	ctx := context.Background()

	d, err := gate.Authorize(ctx, "tok-alice")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, gate.Release(ctx, d))

	used, err := svc.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, used)

	d, err = gate.Authorize(ctx, "tok-alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	denied, err := gate.Authorize(ctx, "tok-alice")
	require.NoError(t, err)
	require.NoError(t, gate.Release(ctx, denied))
	used, err = svc.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used, "releasing a denied decision is a no-op")
}

func TestGatePaidOnlyWithZeroFreeLimitDeniesFreeUsers(t *testing.T) {
	gate, svc := newGate(quota.PolicyFrom(config.Quota{PaidOnly: true, FreeCaptureLimit: 0, ProUsers: []string{"paula"}}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := gate.Authorize(ctx, "tok-alice")
		require.NoError(t, err)
		assert.False(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, event.ReasonLimitReached, d.Reason)
		assert.Equal(t, 0, d.Limit)
	}
	used, err := svc.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, used)

	d, err := gate.Authorize(ctx, "tok-pro")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, quota.Unlimited, d.Limit)
}
