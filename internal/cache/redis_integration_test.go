//go:build integration

package cache_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/emperorhan/supply-aggregator/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// redisURL returns TEST_REDIS_URL when set, otherwise starts an ephemeral
// Redis container that is terminated when the test ends.
func redisURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestRedisStore_Roundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := cache.NewRedisStore(ctx, redisURL(t), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "supply:btc", []byte(`{"v":1}`), time.Minute))
	v, ok, err := store.Get(ctx, "supply:btc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(v))

	require.NoError(t, store.Delete(ctx, "supply:btc"))
	_, ok, err = store.Get(ctx, "supply:btc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, err := cache.NewRedisStore(ctx, redisURL(t), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Set(ctx, "short", []byte("x"), 200*time.Millisecond))
	require.Eventually(t, func() bool {
		_, ok, err := store.Get(ctx, "short")
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)
}
