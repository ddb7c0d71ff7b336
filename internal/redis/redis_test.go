package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"dealscout/internal/config"
)

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Set on nil: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Get on nil: %v", err)
	}
	var dst map[string]string
	if err := c.GetJSON(ctx, "k", &dst); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("GetJSON on nil: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Ping on nil: %v", err)
	}
}

func TestJSONRoundTripAgainstRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	key := "dealscout:test:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := client.SetJSON(ctx, key, map[string]int{"n": 3}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got map[string]int
	if err := client.GetJSON(ctx, key, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got["n"] != 3 {
		t.Fatalf("unexpected payload %v", got)
	}
	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := client.GetJSON(ctx, key, &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
}
