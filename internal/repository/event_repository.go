package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/database"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// EventRepo appends to and replays ticket_events, the audit trail of every
// committed transition. Clients that missed pushed events catch up from it.
type EventRepo struct {
	db *sqlx.DB
}

func NewEventRepo(db *sqlx.DB) *EventRepo {
	return &EventRepo{db: db}
}

// AppendTx stores ev inside tx and sets its ID.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sqlx.Tx, ev *model.TicketEvent) error {
	const q = `INSERT INTO ticket_events (service_id, ticket_id, display_num, status, version, actor_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	args := []any{ev.ServiceID, ev.TicketID, ev.DisplayNum, ev.Status, ev.Version, ev.ActorID, ev.OccurredAt}

	if tx.DriverName() == database.DriverMySQL {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return classify("append event", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return classify("append event", err)
		}
		ev.ID = id
		return nil
	}
	if err := tx.GetContext(ctx, &ev.ID, tx.Rebind(q+" RETURNING id"), args...); err != nil {
		return classify("append event", err)
	}
	return nil
}

// ListAfter returns up to limit events with ID greater than afterID, oldest
// first. An empty serviceID lists every service.
func (r *EventRepo) ListAfter(ctx context.Context, serviceID string, afterID int64, limit int) ([]model.TicketEvent, error) {
	q := `SELECT id, service_id, ticket_id, display_num, status, version, actor_id, occurred_at
		FROM ticket_events WHERE id > ?`
	args := []any{afterID}
	if serviceID != "" {
		q += " AND service_id = ?"
		args = append(args, serviceID)
	}
	q += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	out := []model.TicketEvent{}
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), args...); err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

// PruneBefore deletes events that occurred before cutoff.
func (r *EventRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM ticket_events WHERE occurred_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, classify("prune events", err)
	}
	return res.RowsAffected()
}
