// Package router registers the HTTP routes and the middleware that guards
// them.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/handler"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Auth     *handler.AuthHandler
	Services *handler.ServiceHandler
	Queues   *handler.QueueHandler
	Stats    *handler.StatsHandler
	Realtime http.Handler
	Health   echo.HandlerFunc
}

// Guards are the shared middleware built once at startup.
type Guards struct {
	JWTSecret    string
	RateLimit    echo.MiddlewareFunc // nil means unlimited
	ServiceCache *middleware.ResponseCache
}

func (g Guards) limit() echo.MiddlewareFunc {
	if g.RateLimit == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return g.RateLimit
}

// Register wires every route onto e.
func Register(e *echo.Echo, h Handlers, g Guards) {
	RegisterRoutes(e, h, g)
	RegisterAuth(e, h.Auth, g)
	RegisterAdmin(e, h, g)
	RegisterCustomer(e, h, g)
}

// RegisterRoutes registers the health probe and the realtime endpoint. The
// realtime endpoint reads the access token from the access_token query
// parameter because SockJS transports cannot set headers.
func RegisterRoutes(e *echo.Echo, h Handlers, g Guards) {
	if h.Health != nil {
		e.GET("/health", h.Health)
	}
	if h.Realtime != nil {
		e.Any(handler.RealtimePrefix+"/*", echo.WrapHandler(h.Realtime),
			middleware.JWTAuth(g.JWTSecret),
			middleware.RequireRole(model.RoleAdmin, model.RoleUser))
	}
}

// RegisterAuth registers /auth. Register, login and refresh are open but
// rate limited; logout and me need a valid access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, g Guards) {
	grp := e.Group("/auth")
	grp.POST("/register", a.Register, g.limit())
	grp.POST("/login", a.Login, g.limit())
	grp.POST("/refresh", a.Refresh, g.limit())

	jwt := middleware.JWTAuth(g.JWTSecret)
	grp.POST("/logout", a.Logout, jwt)
	grp.GET("/me", a.Me, jwt)
}
