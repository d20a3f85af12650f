package model

import "time"

// TicketEvent is one committed ticket transition, as stored in ticket_events
// and pushed to subscribers. Version is the service version the transition
// committed under; booking events carry the version current at booking time
// and may repeat it.
type TicketEvent struct {
	ID         int64     `db:"id" json:"id"`
	ServiceID  string    `db:"service_id" json:"service_id"`
	TicketID   string    `db:"ticket_id" json:"ticket_id"`
	DisplayNum string    `db:"display_num" json:"display_num"`
	Status     string    `db:"status" json:"status"`
	Version    int64     `db:"version" json:"version"`
	ActorID    string    `db:"actor_id" json:"actor_id,omitempty"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}
