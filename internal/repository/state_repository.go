package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// StateRepo manages service_state, the indexed "now serving" record per
// service. Locking that row is what serializes callNext across engine
// instances.
type StateRepo struct {
	db *sqlx.DB
}

func NewStateRepo(db *sqlx.DB) *StateRepo {
	return &StateRepo{db: db}
}

func insertState(ctx context.Context, ex sqlx.ExecerContext, serviceID string, at time.Time) error {
	const q = "INSERT INTO service_state (service_id, current_ticket_id, version, updated_at) VALUES (?, NULL, 0, ?)"
	_, err := ex.ExecContext(ctx, rebind(ex, q), serviceID, at)
	return err
}

// Get reads the state without locking it.
func (r *StateRepo) Get(ctx context.Context, serviceID string) (*model.ServiceState, error) {
	return getState(ctx, r.db, serviceID)
}

// GetTx is Get inside tx.
func (r *StateRepo) GetTx(ctx context.Context, tx *sqlx.Tx, serviceID string) (*model.ServiceState, error) {
	return getState(ctx, tx, serviceID)
}

func getState(ctx context.Context, q sqlx.QueryerContext, serviceID string) (*model.ServiceState, error) {
	var st model.ServiceState
	const query = "SELECT service_id, current_ticket_id, version, updated_at FROM service_state WHERE service_id = ?"
	if err := sqlx.GetContext(ctx, q, &st, rebind(q, query), serviceID); err != nil {
		return nil, classify("get service state", err)
	}
	return &st, nil
}

// LockTx takes the service's row lock by bumping its version and returns the
// state as seen under that lock. A rollback undoes the bump. ErrNotFound
// means the service has no state row.
func (r *StateRepo) LockTx(ctx context.Context, tx *sqlx.Tx, serviceID string, at time.Time) (*model.ServiceState, error) {
	const q = "UPDATE service_state SET version = version + 1, updated_at = ? WHERE service_id = ?"
	res, err := tx.ExecContext(ctx, tx.Rebind(q), at, serviceID)
	if err != nil {
		return nil, classify("lock service state", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, classify("lock service state", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return getState(ctx, tx, serviceID)
}

// SetCurrentTx records which ticket is now being served; nil clears it.
func (r *StateRepo) SetCurrentTx(ctx context.Context, tx *sqlx.Tx, serviceID string, ticketID *string) error {
	const q = "UPDATE service_state SET current_ticket_id = ? WHERE service_id = ?"
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), ticketID, serviceID); err != nil {
		return classify("set current ticket", err)
	}
	return nil
}
