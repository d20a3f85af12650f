package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// StartCallConsumer binds a durable queue to the "ticket.called" routing key
// and appends one line per called ticket to logPath. It reconnects with
// backoff until ctx is done.
func StartCallConsumer(ctx context.Context, url, exchange, queueName, logPath string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Warn("call-consumer: failed to dial broker", "err", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = consumeLoop(ctx, conn, exchange, queueName, logPath, log)
		_ = conn.Close()
		if err != nil {
			log.Warn("call-consumer: consume loop ended, reconnecting", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, exchange, queueName, logPath string, log *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("call-consumer: set QoS failed", "err", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(queueName, routingKey(model.TicketStatusCalled), exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}

	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := appendCallLine(logPath, d.Body); err != nil {
				log.Warn("call-consumer: handle message failed", "err", err)
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// appendCallLine writes one human-friendly line for a called ticket.
func appendCallLine(logPath string, body []byte) error {
	var msg TicketEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if msg.TicketID == "" || msg.ServiceID == "" {
		return errors.New("message without ticket or service id")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] Ticket called | display_num=%s | ticket_id=%s | service_id=%s | operator_id=%s | version=%d\n",
		msg.OccurredAt, msg.DisplayNum, msg.TicketID, msg.ServiceID, msg.ActorID, msg.Version)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
