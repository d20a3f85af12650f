package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Invalidator drops cached reads after a write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// ServiceHandler serves the service catalog.
type ServiceHandler struct {
	Registry Registry
	Cache    Invalidator
}

func NewServiceHandler(r Registry, cache Invalidator) *ServiceHandler {
	return &ServiceHandler{Registry: r, Cache: cache}
}

type serviceReq struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (r serviceReq) input() dispatch.ServiceInput {
	return dispatch.ServiceInput{Name: r.Name, Code: r.Code, Description: r.Description}
}

// List handles GET /services. Admins may pass ?all=true to include deleted
// services.
func (h *ServiceHandler) List(c echo.Context) error {
	all := c.QueryParam("all") == "true" && middleware.Role(c) == model.RoleAdmin

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	out, err := h.Registry.ListServices(ctx, all)
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, out)
}

// Get handles GET /services/:id.
func (h *ServiceHandler) Get(c echo.Context) error {
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	s, err := h.Registry.GetService(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return respond(c, http.StatusOK, s)
}

// Create handles POST /services.
func (h *ServiceHandler) Create(c echo.Context) error {
	var req serviceReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	s, err := h.Registry.CreateService(ctx, req.input())
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(ctx)
	return respond(c, http.StatusCreated, s)
}

// Update handles PUT /services/:id.
func (h *ServiceHandler) Update(c echo.Context) error {
	var req serviceReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	s, err := h.Registry.UpdateService(ctx, c.Param("id"), req.input())
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(ctx)
	return respond(c, http.StatusOK, s)
}

// Delete handles DELETE /services/:id.
func (h *ServiceHandler) Delete(c echo.Context) error {
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	if err := h.Registry.DeleteService(ctx, c.Param("id")); err != nil {
		return writeError(c, err)
	}
	h.invalidate(ctx)
	return c.NoContent(http.StatusNoContent)
}

func (h *ServiceHandler) invalidate(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		slog.Warn("invalidate service cache", "err", err)
	}
}
