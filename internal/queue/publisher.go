package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Publisher sends ticket events to a durable topic exchange as persistent
// JSON messages. Publish only queues the event; Run owns the connection,
// reconnects with backoff and drains the queue in order.
type Publisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu  sync.Mutex
	out chan model.TicketEvent
}

func NewPublisher(url, exchange string, buffer int, log *slog.Logger) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{url: url, exchange: exchange, log: log, out: make(chan model.TicketEvent, buffer)}
}

// Publish never blocks. When the broker is down long enough for the buffer
// to fill, the oldest queued event is dropped.
func (p *Publisher) Publish(_ context.Context, ev model.TicketEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case p.out <- ev:
		return
	default:
	}
	select {
	case <-p.out:
	default:
	}
	select {
	case p.out <- ev:
	default:
	}
	p.log.Warn("amqp publisher queue full, oldest event dropped", "service_id", ev.ServiceID)
}

// Run keeps a channel open and publishes queued events until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	backoff := time.Second
	var pending *model.TicketEvent
	for ctx.Err() == nil {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			p.log.Warn("amqp publisher: dial failed", "err", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		pending, err = p.publishLoop(ctx, conn, pending)
		_ = conn.Close()
		if err != nil {
			p.log.Warn("amqp publisher: loop ended, reconnecting", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
		}
	}
}

// publishLoop returns the event it failed to send so Run can retry it on the
// next connection.
func (p *Publisher) publishLoop(ctx context.Context, conn *amqp.Connection, pending *model.TicketEvent) (*model.TicketEvent, error) {
	ch, err := conn.Channel()
	if err != nil {
		return pending, fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareExchange(ch, p.exchange); err != nil {
		return pending, err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		ev := pending
		if ev == nil {
			select {
			case <-ctx.Done():
				return nil, nil
			case amqpErr := <-closed:
				return nil, fmt.Errorf("connection closed: %v", amqpErr)
			case next := <-p.out:
				ev = &next
			}
		}
		if err := p.send(ctx, ch, *ev); err != nil {
			return ev, err
		}
		pending = nil
	}
}

func (p *Publisher) send(ctx context.Context, ch *amqp.Channel, ev model.TicketEvent) error {
	body, err := json.Marshal(messageFor(ev))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		MessageId:    fmt.Sprintf("%d", ev.ID),
		Body:         body,
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(pctx, p.exchange, routingKey(ev.Status), false, false, pub)
}

func declareExchange(ch *amqp.Channel, name string) error {
	// durable topic exchange so consumers can bind by status
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
