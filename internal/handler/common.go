package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Dispatcher is the part of the engine the queue and stats endpoints use.
type Dispatcher interface {
	Today() string
	BookTicket(ctx context.Context, req dispatch.BookRequest) (*model.Ticket, error)
	CallNext(ctx context.Context, serviceID, operatorID string) (*dispatch.CallResult, error)
	CompleteCurrent(ctx context.Context, serviceID, operatorID string) (*model.Ticket, error)
	DailyStats(ctx context.Context, day, serviceID string) (model.Stats, error)
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	NowServing(ctx context.Context, serviceID string) (*model.Ticket, error)
	Events(ctx context.Context, serviceID string, afterID int64, limit int) ([]model.TicketEvent, error)
}

// Registry is the service catalog as seen by the service endpoints.
type Registry interface {
	CreateService(ctx context.Context, in dispatch.ServiceInput) (*model.Service, error)
	UpdateService(ctx context.Context, id string, in dispatch.ServiceInput) (*model.Service, error)
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context, all bool) ([]model.Service, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
}

// requestTimeout bounds every handler's calls into the store.
const requestTimeout = 5 * time.Second

func withTimeout(c echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = requestTimeout
	}
	return context.WithTimeout(c.Request().Context(), d)
}

func respond(c echo.Context, status int, v any) error {
	return c.JSON(status, echo.Map{"data": v})
}

func fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, echo.Map{"error": code, "message": msg})
}

// writeError maps engine errors to HTTP responses. Anything unrecognized is
// logged and reported as a storage failure.
func writeError(c echo.Context, err error) error {
	var ve *dispatch.ValidationError
	switch {
	case errors.As(err, &ve):
		return fail(c, http.StatusBadRequest, "validation_error", ve.Error())
	case errors.Is(err, dispatch.ErrNoQueueAvailable):
		return fail(c, http.StatusConflict, "queue_empty", "no ticket is waiting")
	case errors.Is(err, dispatch.ErrServiceNotFound):
		return fail(c, http.StatusNotFound, "not_found", "service not found")
	case errors.Is(err, dispatch.ErrTicketNotFound):
		return fail(c, http.StatusNotFound, "not_found", "ticket not found")
	case errors.Is(err, dispatch.ErrServiceInactive):
		return fail(c, http.StatusConflict, "service_inactive", err.Error())
	case errors.Is(err, dispatch.ErrServiceBusy):
		return fail(c, http.StatusConflict, "service_busy", err.Error())
	case errors.Is(err, dispatch.ErrCodeTaken), errors.Is(err, dispatch.ErrCodeLocked):
		return fail(c, http.StatusConflict, "code_conflict", err.Error())
	case errors.Is(err, dispatch.ErrConflict):
		return fail(c, http.StatusConflict, "conflict", "concurrent update, try again")
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("request timed out", "path", c.Path(), "err", err)
		return fail(c, http.StatusServiceUnavailable, "timeout", "the store did not answer in time")
	}
	slog.Error("request failed", "path", c.Path(), "err", err)
	return fail(c, http.StatusInternalServerError, "storage_error", "internal error")
}
