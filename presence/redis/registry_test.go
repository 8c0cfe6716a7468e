package redis

import (
	"context"
	"os"
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis skips the test unless REDIS_ADDR points to a server
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestRegistry(t *testing.T, now *time.Time) *Registry {
	t.Helper()
	client := setupTestRedis(t)
	key := "authgate:test:" + uuid.NewString()
	t.Cleanup(func() {
		client.Del(context.Background(), key, key+":meta")
	})
	return New(client,
		WithKey(key),
		WithRetention(5*time.Minute),
		WithClock(func() time.Time { return *now }),
	)
}

func TestRegistryTouchAndList(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	ctx := context.Background()

	reg.Touch(ctx, "a", auth.RoleAdmin, "Alice")
	now = now.Add(time.Minute)
	reg.Touch(ctx, "b", auth.RoleUser, "Bob")

	online := reg.ListOnline(ctx, 5*time.Minute)
	require.Len(t, online, 2)
	assert.Equal(t, "b", online[0].AccountID)
	assert.Equal(t, "a", online[1].AccountID)
	assert.Equal(t, auth.RoleAdmin, online[1].Role)
	assert.Equal(t, "Alice", online[1].DisplayName)
	assert.True(t, online[1].LastSeenAt.Equal(now.Add(-time.Minute)))
}

func TestRegistryWindowIsInclusive(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	ctx := context.Background()

	reg.Touch(ctx, "a", auth.RoleUser, "A")
	now = now.Add(5 * time.Minute)
	assert.Len(t, reg.ListOnline(ctx, 5*time.Minute), 1)

	now = now.Add(time.Millisecond)
	assert.Empty(t, reg.ListOnline(ctx, 5*time.Minute))
}

func TestRegistryTouchOverwrites(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	ctx := context.Background()

	reg.Touch(ctx, "a", auth.RoleUser, "Old")
	reg.Touch(ctx, "a", auth.RoleModerator, "New")

	online := reg.ListOnline(ctx, 0)
	require.Len(t, online, 1)
	assert.Equal(t, auth.RoleModerator, online[0].Role)
	assert.Equal(t, "New", online[0].DisplayName)
}

func TestRegistryEvictAndSweep(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	ctx := context.Background()

	reg.Touch(ctx, "a", auth.RoleUser, "A")
	reg.Touch(ctx, "b", auth.RoleUser, "B")
	reg.Evict(ctx, "a")

	online := reg.ListOnline(ctx, 0)
	require.Len(t, online, 1)
	assert.Equal(t, "b", online[0].AccountID)

	now = now.Add(10 * time.Minute)
	reg.Touch(ctx, "c", auth.RoleUser, "C")

	removed, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	fields, err := reg.client.HKeys(ctx, reg.metaKey).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, fields)
}

func TestRegistryUnavailableServerIsSilent(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	reg := New(client)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		reg.Touch(ctx, "a", auth.RoleUser, "A")
		reg.Evict(ctx, "a")
	})
	assert.Empty(t, reg.ListOnline(ctx, time.Minute))

	_, err := reg.Sweep(ctx)
	assert.Error(t, err)
}
