package emulators

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	redisImage = "redis:8.0.2-alpine"
	redisPort  = "6379"
)

// GetDefaultRedisImageContainer returns the Redis image and port.
func GetDefaultRedisImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage: redisImage,
		EmulatorPort:  redisPort,
	}
}

// SetupRedisContainer starts a Redis server. EmulatorAddress is its host:port.
func SetupRedisContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnectionInfo {
	t.Helper()
	addr := startContainer(t, ctx, containerRequest{name: "Redis", image: cfg})
	return EmulatorConnectionInfo{EmulatorAddress: addr}
}

// SubscribeRedis subscribes to channel on the server at addr and waits until the
// subscription is confirmed, so no publish made afterwards is missed.
func SubscribeRedis(t *testing.T, ctx context.Context, addr, channel string) <-chan *redis.Message {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	sub := rdb.Subscribe(ctx, channel)
	t.Cleanup(func() {
		_ = sub.Close()
		_ = rdb.Close()
	})

	confirmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := sub.Receive(confirmCtx)
	require.NoError(t, err, "Failed to subscribe to %s", channel)

	return sub.Channel()
}
