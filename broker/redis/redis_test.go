package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-tenant-gateway/broker"
	"github.com/ggoodman/mcp-tenant-gateway/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func TestRedisBroker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		b, err := New(Config{Client: client, KeyPrefix: "test:broker:"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return b
	})
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
