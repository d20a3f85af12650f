package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/database"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// ErrHasOutstanding is returned when a service still has waiting or called
// tickets and therefore cannot be deleted.
var ErrHasOutstanding = errors.New("service has outstanding tickets")

// ErrCodeLocked is returned when changing the code of a service that
// tickets already reference.
var ErrCodeLocked = errors.New("service code is referenced by tickets")

const serviceColumns = "id, name, code, description, active, created_at, updated_at"

// ServiceRepo encapsulates all queries on the service catalog.
type ServiceRepo struct {
	db *sqlx.DB
}

func NewServiceRepo(db *sqlx.DB) *ServiceRepo {
	return &ServiceRepo{db: db}
}

// Create inserts a new active service together with its service_state row.
// ID and timestamps are filled in on success.
func (r *ServiceRepo) Create(ctx context.Context, s *model.Service) error {
	now := time.Now().UTC()
	s.ID = uuid.NewString()
	s.Active = true
	s.CreatedAt, s.UpdatedAt = now, now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("create service", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const qInsert = `INSERT INTO services (id, name, code, active_code, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, tx.Rebind(qInsert),
		s.ID, s.Name, s.Code, s.Code, s.Description, true, now, now); err != nil {
		return classify("create service", err)
	}
	if err := insertState(ctx, tx, s.ID, now); err != nil {
		return classify("create service state", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("create service", err)
	}
	committed = true
	return nil
}

// GetByID returns a service whether or not it is active.
func (r *ServiceRepo) GetByID(ctx context.Context, id string) (*model.Service, error) {
	return getService(ctx, r.db, id, "")
}

// GetByIDTx reads a service inside tx with a shared lock, so a concurrent
// delete waits for the caller to commit.
func (r *ServiceRepo) GetByIDTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.Service, error) {
	return getService(ctx, tx, id, database.ForShare(tx.DriverName()))
}

func getService(ctx context.Context, q sqlx.QueryerContext, id, lock string) (*model.Service, error) {
	var s model.Service
	query := "SELECT " + serviceColumns + " FROM services WHERE id = ?" + lock
	if err := sqlx.GetContext(ctx, q, &s, rebind(q, query), id); err != nil {
		return nil, classify("get service", err)
	}
	return &s, nil
}

// List returns services ordered by code. Inactive (deleted) services are
// included only when all is true.
func (r *ServiceRepo) List(ctx context.Context, all bool) ([]model.Service, error) {
	query := "SELECT " + serviceColumns + " FROM services"
	var args []any
	if !all {
		query += " WHERE active = ?"
		args = append(args, true)
	}
	query += " ORDER BY code, created_at"
	out := []model.Service{}
	if err := sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), args...); err != nil {
		return nil, classify("list services", err)
	}
	return out, nil
}

// Update changes name, code and description of an active service. The code
// may only change while no ticket references the service.
func (r *ServiceRepo) Update(ctx context.Context, s *model.Service) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("update service", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	cur, err := getService(ctx, tx, s.ID, database.ForUpdate(tx.DriverName()))
	if err != nil {
		return err
	}
	if !cur.Active {
		return ErrNotFound
	}
	if cur.Code != s.Code {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM tickets WHERE service_id = ?"), s.ID); err != nil {
			return classify("update service", err)
		}
		if n > 0 {
			return ErrCodeLocked
		}
	}

	now := time.Now().UTC()
	const q = `UPDATE services SET name = ?, code = ?, active_code = ?, description = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, tx.Rebind(q), s.Name, s.Code, s.Code, s.Description, now, s.ID); err != nil {
		return classify("update service", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("update service", err)
	}
	committed = true

	s.Active = true
	s.CreatedAt = cur.CreatedAt
	s.UpdatedAt = now
	return nil
}

// SoftDelete deactivates a service and frees its code. It refuses while any
// ticket of the service is waiting or called; history stays readable.
func (r *ServiceRepo) SoftDelete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("delete service", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	cur, err := getService(ctx, tx, id, database.ForUpdate(tx.DriverName()))
	if err != nil {
		return err
	}
	if !cur.Active {
		return ErrNotFound
	}
	var outstanding int
	const qCount = "SELECT COUNT(*) FROM tickets WHERE service_id = ? AND status IN (?, ?)"
	if err := tx.GetContext(ctx, &outstanding, tx.Rebind(qCount),
		id, model.TicketStatusWaiting, model.TicketStatusCalled); err != nil {
		return classify("delete service", err)
	}
	if outstanding > 0 {
		return ErrHasOutstanding
	}
	const qDel = "UPDATE services SET active = ?, active_code = NULL, updated_at = ? WHERE id = ?"
	if _, err := tx.ExecContext(ctx, tx.Rebind(qDel), false, time.Now().UTC(), id); err != nil {
		return classify("delete service", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("delete service", err)
	}
	committed = true
	return nil
}

// rebind adapts ? placeholders for whatever handle q is.
func rebind(q any, query string) string {
	if b, ok := q.(interface{ Rebind(string) string }); ok {
		return b.Rebind(query)
	}
	return query
}
