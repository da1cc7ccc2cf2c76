package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Staff roles carried in the JWT "role" claim.
const (
	RoleKitchen = "KITCHEN"
	RoleFloor   = "FLOOR"
	RoleManager = "MANAGER"
)

// IsStaffRole reports whether role is one of the known staff roles.
func IsStaffRole(role string) bool {
	switch role {
	case RoleKitchen, RoleFloor, RoleManager:
		return true
	}
	return false
}

// RequireRole returns a middleware that aborts with 403 unless the
// authenticated user has one of the given roles.  It expects JWTAuth to
// have stored the role under CtxRole.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get(CtxRole).(string)
			if !ok || !allowed[role] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
