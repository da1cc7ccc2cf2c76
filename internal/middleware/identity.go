package middleware

import "github.com/labstack/echo/v4"

// UserID returns the authenticated subject stored by JWTAuth, or "anon"
// when the request carries none.
func UserID(c echo.Context) string {
	if s, ok := c.Get(CtxUserID).(string); ok && s != "" {
		return s
	}
	return "anon"
}

// Role returns the authenticated role, or "" when unauthenticated.
func Role(c echo.Context) string {
	s, _ := c.Get(CtxRole).(string)
	return s
}
