package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/database"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

const ticketColumns = `id, service_id, queue_date, seq, display_num, status, account_id, request_id,
	called_by, created_at, called_at, completed_at`

// TicketRepo is the queue state store: every ticket and its lifecycle.
type TicketRepo struct {
	db *sqlx.DB
}

func NewTicketRepo(db *sqlx.DB) *TicketRepo {
	return &TicketRepo{db: db}
}

// InsertTx stores a new ticket. ErrDuplicate means the (account, request id)
// pair was used before.
func (r *TicketRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, t *model.Ticket) error {
	const q = `INSERT INTO tickets (id, service_id, queue_date, seq, display_num, status, account_id, request_id,
		called_by, created_at, called_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL)`
	_, err := tx.ExecContext(ctx, tx.Rebind(q),
		t.ID, t.ServiceID, t.QueueDate, t.Seq, t.DisplayNum, t.Status, t.AccountID, t.RequestID, t.CreatedAt)
	return classify("insert ticket", err)
}

func (r *TicketRepo) GetByID(ctx context.Context, id string) (*model.Ticket, error) {
	return getTicket(ctx, r.db, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
}

// GetByIDTx reads a ticket inside tx and locks it.
func (r *TicketRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.Ticket, error) {
	q := "SELECT " + ticketColumns + " FROM tickets WHERE id = ?" + database.ForUpdate(tx.DriverName())
	return getTicket(ctx, tx, q, id)
}

// GetByRequest finds the ticket an account booked with a client request id.
func (r *TicketRepo) GetByRequest(ctx context.Context, accountID, requestID string) (*model.Ticket, error) {
	return getTicket(ctx, r.db, "SELECT "+ticketColumns+" FROM tickets WHERE account_id = ? AND request_id = ?",
		accountID, requestID)
}

// OldestWaitingTx returns the first-booked waiting ticket of a service,
// older days first, and locks it. ErrNotFound means the queue is empty.
func (r *TicketRepo) OldestWaitingTx(ctx context.Context, tx *sqlx.Tx, serviceID string) (*model.Ticket, error) {
	q := "SELECT " + ticketColumns + ` FROM tickets
		WHERE service_id = ? AND status = ?
		ORDER BY queue_date, seq
		LIMIT 1` + database.ForUpdate(tx.DriverName())
	return getTicket(ctx, tx, q, serviceID, model.TicketStatusWaiting)
}

// Called lists every ticket currently in called status for a service. The
// dispatch engine keeps this at most one long.
func (r *TicketRepo) Called(ctx context.Context, serviceID string) ([]model.Ticket, error) {
	out := []model.Ticket{}
	q := "SELECT " + ticketColumns + " FROM tickets WHERE service_id = ? AND status = ? ORDER BY called_at"
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), serviceID, model.TicketStatusCalled); err != nil {
		return nil, classify("list called tickets", err)
	}
	return out, nil
}

// MarkCalledTx moves a waiting ticket to called. ErrConflict means the
// ticket was no longer waiting.
func (r *TicketRepo) MarkCalledTx(ctx context.Context, tx *sqlx.Tx, id, operatorID string, at time.Time) error {
	const q = "UPDATE tickets SET status = ?, called_at = ?, called_by = ? WHERE id = ? AND status = ?"
	return guardedUpdate(ctx, tx, "mark called", q,
		model.TicketStatusCalled, at, operatorID, id, model.TicketStatusWaiting)
}

// MarkCompletedTx moves a called ticket to completed. ErrConflict means the
// ticket was not called.
func (r *TicketRepo) MarkCompletedTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error {
	const q = "UPDATE tickets SET status = ?, completed_at = ? WHERE id = ? AND status = ?"
	return guardedUpdate(ctx, tx, "mark completed", q,
		model.TicketStatusCompleted, at, id, model.TicketStatusCalled)
}

func guardedUpdate(ctx context.Context, tx *sqlx.Tx, op, q string, args ...any) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// CountByStatus groups one day's tickets by status, optionally for a single
// service. It is a plain read of committed rows with no caching.
func (r *TicketRepo) CountByStatus(ctx context.Context, day, serviceID string) (model.Stats, error) {
	q := "SELECT status, COUNT(*) AS n FROM tickets WHERE queue_date = ?"
	args := []any{day}
	if serviceID != "" {
		q += " AND service_id = ?"
		args = append(args, serviceID)
	}
	q += " GROUP BY status"

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return model.Stats{}, classify("count tickets", err)
	}
	var st model.Stats
	for _, row := range rows {
		switch row.Status {
		case model.TicketStatusWaiting:
			st.Waiting = row.N
		case model.TicketStatusCalled:
			st.Processing = row.N
		case model.TicketStatusCompleted:
			st.Completed = row.N
		}
	}
	st.Total = st.Waiting + st.Processing + st.Completed
	return st, nil
}

func getTicket(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*model.Ticket, error) {
	var t model.Ticket
	if err := sqlx.GetContext(ctx, q, &t, rebind(q, query), args...); err != nil {
		return nil, classify("get ticket", err)
	}
	return &t, nil
}
