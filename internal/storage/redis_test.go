package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/timeline-harvester/internal/config"
)

// setupTestRedis starts an in-process Redis and connects a RedisCache to it
func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache, err := NewRedisCache(&config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return cache, mr
}

func TestNewRedisCache(t *testing.T) {
	cache, _ := setupTestRedis(t)

	ctx := testContext(t)
	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if cache.Client() == nil {
		t.Error("Client() returned nil")
	}
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err = NewRedisCache(&config.RedisConfig{Host: host, Port: port, MaxConnections: 1})
	if err == nil {
		t.Error("NewRedisCache() expected error for closed server")
	}
}
