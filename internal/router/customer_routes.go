package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// RegisterCustomer registers booking, which only customers may do, and the
// reads every signed-in account shares. Ticket reads check ownership in the
// handler.
func RegisterCustomer(e *echo.Echo, h Handlers, g Guards) {
	jwt := middleware.JWTAuth(g.JWTSecret)
	anyRole := middleware.RequireRole(model.RoleAdmin, model.RoleUser)

	e.POST("/queues", h.Queues.Book, jwt, middleware.RequireRole(model.RoleUser), g.limit())

	list := []echo.MiddlewareFunc{jwt, anyRole}
	if g.ServiceCache != nil {
		list = append(list, g.ServiceCache.Middleware())
	}
	e.GET("/services", h.Services.List, list...)
	e.GET("/services/:id", h.Services.Get, jwt, anyRole)

	e.GET("/queues/events", h.Queues.Events, jwt, anyRole)
	e.GET("/queues/now-serving/:service_id", h.Queues.NowServing, jwt, anyRole)
	e.GET("/queues/download/:id", h.Queues.Download, jwt, anyRole)
	e.GET("/queues/:id", h.Queues.Get, jwt, anyRole)
}
