// Package repository holds the SQL access for services, tickets, counters,
// ticket events and accounts. Every query is written with ? placeholders and
// rebound for the connected driver, so the same code runs on MySQL,
// PostgreSQL and SQLite.
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/queue-dispatch/internal/database"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert or update collides with a unique
// key: a service code already in use, a reused email, a replayed request id.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when the transaction lost a race with a concurrent
// one (deadlock, serialization failure, busy database) or a guarded update
// matched no row. The whole transaction may be replayed.
var ErrConflict = errors.New("conflict")

// classify maps driver errors onto the sentinels above. sql.ErrNoRows becomes
// ErrNotFound; anything unknown is returned wrapped with op.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case database.IsDuplicate(err):
		return fmt.Errorf("%s: %w: %v", op, ErrDuplicate, err)
	case database.IsRetryable(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
