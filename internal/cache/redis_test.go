package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "://not-a-url", "p:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestRedisStore_UnreachableReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisStoreFromClient(client, "p:")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get k")

	require.Error(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	require.Error(t, s.Delete(ctx, "k"))
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s := NewRedisStoreFromClient(nil, "agg:")
	assert.Equal(t, "agg:supply:btc", s.key("supply:btc"))
}
