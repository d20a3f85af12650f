package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/database"
)

// CounterRepo is the ticket sequencer's storage: one daily_counters row per
// (service, day) holding the last issued sequence number.
type CounterRepo struct {
	db *sqlx.DB
}

func NewCounterRepo(db *sqlx.DB) *CounterRepo {
	return &CounterRepo{db: db}
}

// Ensure creates the (service, day) counter at zero if it does not exist.
// It runs outside the booking transaction so a losing concurrent insert
// never aborts that transaction.
func (r *CounterRepo) Ensure(ctx context.Context, serviceID, day string) error {
	const q = "INSERT INTO daily_counters (service_id, queue_date, last_seq) VALUES (?, ?, 0)"
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), serviceID, day)
	if err != nil && !database.IsDuplicate(err) {
		return classify("ensure counter", err)
	}
	return nil
}

// NextTx increments the counter and returns the new value. The UPDATE holds
// the counter row lock until tx ends, so concurrent bookers for the same
// (service, day) queue up behind it and a rolled back booking gives its
// number back. ErrConflict means the row vanished and the caller should
// Ensure and retry.
func (r *CounterRepo) NextTx(ctx context.Context, tx *sqlx.Tx, serviceID, day string) (int, error) {
	const qInc = "UPDATE daily_counters SET last_seq = last_seq + 1 WHERE service_id = ? AND queue_date = ?"
	res, err := tx.ExecContext(ctx, tx.Rebind(qInc), serviceID, day)
	if err != nil {
		return 0, classify("next sequence", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, classify("next sequence", err)
	} else if n == 0 {
		return 0, ErrConflict
	}
	var seq int
	const qGet = "SELECT last_seq FROM daily_counters WHERE service_id = ? AND queue_date = ?"
	if err := tx.GetContext(ctx, &seq, tx.Rebind(qGet), serviceID, day); err != nil {
		return 0, classify("next sequence", err)
	}
	return seq, nil
}

// Last returns the last issued number for (service, day), zero if none.
func (r *CounterRepo) Last(ctx context.Context, serviceID, day string) (int, error) {
	var seq int
	const q = "SELECT last_seq FROM daily_counters WHERE service_id = ? AND queue_date = ?"
	err := r.db.GetContext(ctx, &seq, r.db.Rebind(q), serviceID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, classify("last sequence", err)
}

// PurgeBefore deletes counters of days strictly before day. Days compare
// correctly as strings because they are stored as YYYY-MM-DD.
func (r *CounterRepo) PurgeBefore(ctx context.Context, day string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM daily_counters WHERE queue_date < ?"), day)
	if err != nil {
		return 0, classify("purge counters", err)
	}
	return res.RowsAffected()
}
