package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// QueueHandler exposes booking, calling and ticket lookups.
type QueueHandler struct {
	Engine   Dispatcher
	Registry Registry
	Timeout  time.Duration
}

func NewQueueHandler(engine Dispatcher, registry Registry, timeout time.Duration) *QueueHandler {
	return &QueueHandler{Engine: engine, Registry: registry, Timeout: timeout}
}

type bookReq struct {
	ServiceID string `json:"service_id"`
	RequestID string `json:"request_id"`
}

type serviceIDReq struct {
	ServiceID string `json:"service_id"`
}

type ticketResp struct {
	ID         string     `json:"id"`
	ServiceID  string     `json:"service_id"`
	DisplayNum string     `json:"display_num"`
	Status     string     `json:"status"`
	QueueDate  string     `json:"queue_date"`
	CreatedAt  time.Time  `json:"created_at"`
	CalledAt   *time.Time `json:"called_at,omitempty"`
	DoneAt     *time.Time `json:"completed_at,omitempty"`
}

func ticketView(t *model.Ticket) *ticketResp {
	if t == nil {
		return nil
	}
	return &ticketResp{
		ID:         t.ID,
		ServiceID:  t.ServiceID,
		DisplayNum: t.DisplayNum,
		Status:     t.Status,
		QueueDate:  t.QueueDate,
		CreatedAt:  t.CreatedAt,
		CalledAt:   t.CalledAt,
		DoneAt:     t.CompletedAt,
	}
}

// Book handles POST /queues for a customer.
func (h *QueueHandler) Book(c echo.Context) error {
	var req bookReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	t, err := h.Engine.BookTicket(ctx, dispatch.BookRequest{
		ServiceID: strings.TrimSpace(req.ServiceID),
		AccountID: middleware.UserID(c),
		RequestID: strings.TrimSpace(req.RequestID),
	})
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusCreated, ticketView(t))
}

// Call handles POST /queues/call: completes the ticket being served and
// calls the next one.
func (h *QueueHandler) Call(c echo.Context) error {
	var req serviceIDReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	res, err := h.Engine.CallNext(ctx, strings.TrimSpace(req.ServiceID), middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, echo.Map{
		"display_num": res.Called.DisplayNum,
		"called":      ticketView(res.Called),
		"completed":   ticketView(res.Completed),
	})
}

// Complete handles POST /queues/complete: closes the ticket being served
// without calling another.
func (h *QueueHandler) Complete(c echo.Context) error {
	var req serviceIDReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	t, err := h.Engine.CompleteCurrent(ctx, strings.TrimSpace(req.ServiceID), middleware.UserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, ticketView(t))
}

// Get handles GET /queues/:id. Customers only see their own tickets.
func (h *QueueHandler) Get(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	t, err := h.ownTicket(ctx, c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, ticketView(t))
}

// Download handles GET /queues/download/:id and returns a printable slip.
func (h *QueueHandler) Download(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	t, err := h.ownTicket(ctx, c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	name := ""
	if s, err := h.Registry.GetService(ctx, t.ServiceID); err == nil {
		name = s.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "QUEUE TICKET\n\n")
	fmt.Fprintf(&b, "Number:  %s\n", t.DisplayNum)
	if name != "" {
		fmt.Fprintf(&b, "Service: %s\n", name)
	}
	fmt.Fprintf(&b, "Date:    %s\n", t.QueueDate)
	fmt.Fprintf(&b, "Issued:  %s\n", t.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Status:  %s\n", t.Status)

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="ticket-%s.txt"`, t.DisplayNum))
	return c.String(http.StatusOK, b.String())
}

// NowServing handles GET /queues/now-serving/:service_id. Data is null when
// nobody is being served.
func (h *QueueHandler) NowServing(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	t, err := h.Engine.NowServing(ctx, c.Param("service_id"))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, ticketView(t))
}

// Events handles GET /queues/events?service_id=&after=&limit= so clients
// that missed pushed events can catch up.
func (h *QueueHandler) Events(c echo.Context) error {
	after, err := queryInt(c, "after")
	if err != nil {
		return fail(c, http.StatusBadRequest, "validation_error", "after: must be an integer")
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return fail(c, http.StatusBadRequest, "validation_error", "limit: must be an integer")
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	evs, err := h.Engine.Events(ctx, c.QueryParam("service_id"), after, int(limit))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, evs)
}

// ownTicket loads a ticket; customers only see their own.
func (h *QueueHandler) ownTicket(ctx context.Context, c echo.Context, id string) (*model.Ticket, error) {
	t, err := h.Engine.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if middleware.Role(c) != model.RoleAdmin && t.AccountID != middleware.UserID(c) {
		return nil, dispatch.ErrTicketNotFound
	}
	return t, nil
}

func queryInt(c echo.Context, name string) (int64, error) {
	s := c.QueryParam(name)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
