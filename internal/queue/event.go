// Package queue carries ticket events over RabbitMQ: a publisher feeding a
// durable topic exchange and a background consumer that keeps the calls
// log.
package queue

import (
	"time"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// TicketEventMessage is the JSON body of every message on the exchange. It
// carries enough to log or notify without querying the primary database.
type TicketEventMessage struct {
	EventID    int64  `json:"event_id"`
	ServiceID  string `json:"service_id"`
	TicketID   string `json:"ticket_id"`
	DisplayNum string `json:"display_num"`
	Status     string `json:"status"`
	Version    int64  `json:"version"`
	ActorID    string `json:"actor_id,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func messageFor(ev model.TicketEvent) TicketEventMessage {
	return TicketEventMessage{
		EventID:    ev.ID,
		ServiceID:  ev.ServiceID,
		TicketID:   ev.TicketID,
		DisplayNum: ev.DisplayNum,
		Status:     ev.Status,
		Version:    ev.Version,
		ActorID:    ev.ActorID,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// routingKey lets bound queues filter by status, e.g. "ticket.called".
func routingKey(status string) string {
	return "ticket." + status
}
