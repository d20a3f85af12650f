package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/queue-dispatch/internal/database"
	"github.com/iliyamo/queue-dispatch/internal/repository"
)

// ValidationError rejects a request before any state changes. The caller can
// correct it and try again.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

var (
	// ErrNoQueueAvailable is the expected outcome of calling a service with
	// nobody waiting, or completing when nobody is being served.
	ErrNoQueueAvailable = errors.New("no queue available")

	// ErrConflict means a transaction kept losing races with concurrent
	// ones after every retry was spent.
	ErrConflict = errors.New("concurrent modification")

	// ErrStorage wraps failures of the store itself: unreachable database,
	// failed commit, cancelled context.
	ErrStorage = errors.New("storage failure")

	// ErrServiceBusy rejects deleting a service that still has waiting or
	// called tickets.
	ErrServiceBusy = errors.New("service has outstanding tickets")

	ErrServiceNotFound   = errors.New("service not found")
	ErrServiceInactive   = errors.New("service is not active")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrCodeTaken         = errors.New("service code already in use")
	ErrCodeLocked        = errors.New("service code is referenced by tickets")
	errInvalidTransition = errors.New("invalid ticket transition")
)

func isConflict(err error) bool {
	return errors.Is(err, repository.ErrConflict) || database.IsRetryable(err)
}

// storageErr passes engine errors through and wraps everything else as
// ErrStorage, keeping the cause reachable through errors.Is.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, ErrNoQueueAvailable),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrStorage),
		errors.Is(err, ErrServiceNotFound),
		errors.Is(err, ErrServiceInactive),
		errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrServiceBusy),
		errors.Is(err, ErrCodeTaken),
		errors.Is(err, ErrCodeLocked):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
