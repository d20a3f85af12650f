package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// RegisterAdmin registers operator endpoints: service catalog writes,
// calling and completing tickets, and the daily counters. Every route needs
// a valid JWT with the admin role. Middleware is attached per route because
// /services and /queues also carry customer routes.
func RegisterAdmin(e *echo.Echo, h Handlers, g Guards) {
	admin := []echo.MiddlewareFunc{
		middleware.JWTAuth(g.JWTSecret),
		middleware.RequireRole(model.RoleAdmin),
	}
	limited := append(admin[:len(admin):len(admin)], g.limit())

	e.POST("/services", h.Services.Create, admin...)
	e.PUT("/services/:id", h.Services.Update, admin...)
	e.DELETE("/services/:id", h.Services.Delete, admin...)

	e.POST("/queues/call", h.Queues.Call, limited...)
	e.POST("/queues/complete", h.Queues.Complete, limited...)

	e.GET("/stats/today", h.Stats.Today, admin...)
}
