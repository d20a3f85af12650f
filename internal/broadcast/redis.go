package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// DefaultChannelPrefix namespaces the per-service pub/sub channels.
const DefaultChannelPrefix = "queue:events:"

// RedisRelay shares ticket events between engine instances. Publish queues
// the event for a single sender goroutine, which keeps per-service order;
// Run pattern-subscribes to every service channel and hands what arrives,
// including this instance's own events, to a local sink.
type RedisRelay struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger

	mu  sync.Mutex
	out chan model.TicketEvent
}

func NewRedisRelay(rdb *redis.Client, buffer int, log *slog.Logger) *RedisRelay {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		rdb:    rdb,
		prefix: DefaultChannelPrefix,
		log:    log,
		out:    make(chan model.TicketEvent, buffer),
	}
}

func (r *RedisRelay) channel(serviceID string) string {
	return r.prefix + serviceID
}

// Publish never blocks; when the outbound queue is full the oldest event is
// dropped.
func (r *RedisRelay) Publish(_ context.Context, ev model.TicketEvent) {
	r.mu.Lock()
	dropped := pushDropOldest(r.out, ev)
	r.mu.Unlock()
	if dropped {
		r.log.Warn("redis relay queue full, oldest event dropped", "service_id", ev.ServiceID)
	}
}

// Run relays until ctx is done or the subscription breaks.
func (r *RedisRelay) Run(ctx context.Context, sink dispatch.Publisher) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	sendCtx, stop := context.WithCancel(ctx)
	defer stop()
	go r.sendLoop(sendCtx)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis relay: subscription closed")
			}
			var ev model.TicketEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("redis relay: bad payload", "channel", msg.Channel, "err", err)
				continue
			}
			sink.Publish(ctx, ev)
		}
	}
}

func (r *RedisRelay) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.out:
			payload, err := json.Marshal(ev)
			if err != nil {
				r.log.Error("redis relay: marshal event", "err", err)
				continue
			}
			if err := r.rdb.Publish(ctx, r.channel(ev.ServiceID), payload).Err(); err != nil {
				r.log.Warn("redis relay: publish failed", "service_id", ev.ServiceID, "err", err)
			}
		}
	}
}
