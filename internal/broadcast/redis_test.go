package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Needs a live server: TEST_REDIS_ADDR=localhost:6379 go test ./internal/broadcast
func TestRedisRelayRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	relay := NewRedisRelay(rdb, 8, nil)
	relay.prefix = "test:" + uuid.NewString() + ":"
	hub := NewHub(8, nil)
	sub := hub.Subscribe("")
	defer sub.Close()

	go func() { _ = relay.Run(ctx, hub) }()
	// PSubscribe is confirmed inside Run; give it a moment before publishing
	time.Sleep(100 * time.Millisecond)

	sent := model.TicketEvent{ID: 7, ServiceID: "svc", DisplayNum: "A-001", Status: model.TicketStatusCalled, Version: 3}
	relay.Publish(ctx, sent)

	select {
	case got := <-sub.C():
		if got.ID != sent.ID || got.DisplayNum != sent.DisplayNum || got.Version != sent.Version {
			t.Fatalf("relayed %+v, want %+v", got, sent)
		}
	case <-ctx.Done():
		t.Fatal("event not relayed")
	}
}
