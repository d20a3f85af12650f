package middleware

// identity.go holds the context keys JWTAuth fills in and the accessors
// handlers use to read them.

import "github.com/labstack/echo/v4"

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// UserID returns the authenticated account id, or "" when the request did
// not pass through JWTAuth.
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}

// userKey identifies the caller for rate limiting and cache keys.
func userKey(c echo.Context) string {
	if id := UserID(c); id != "" {
		return id
	}
	return "anon"
}
