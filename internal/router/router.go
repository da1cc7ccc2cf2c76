package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/restaurant-sync/internal/handler"
	"github.com/iliyamo/restaurant-sync/internal/middleware"
)

// RegisterRoutes registers the routes that do not require authentication:
// the health check used by load balancers and the Prometheus scrape
// endpoint.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterViews registers the staff view API under /v1.  Every route needs
// a valid access token carrying a staff role.  Transitions are rate
// limited by limiter, and restarting the push consumer is reserved for
// managers.
func RegisterViews(e *echo.Echo, h *handler.ViewHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(jwtSecret))
	v1.Use(middleware.RequireRole(middleware.RoleKitchen, middleware.RoleFloor, middleware.RoleManager))

	// Static segments take precedence over :kind, so these do not clash
	// with the collection routes below.
	v1.GET("/sync/status", h.SyncStatus)
	v1.POST("/sync/:kind/refresh", h.Refresh)
	v1.POST("/sync/:kind/reconnect", h.Reconnect, middleware.RequireRole(middleware.RoleManager))

	v1.GET("/:kind", h.List)
	v1.GET("/:kind/stream", h.Stream)
	v1.GET("/:kind/:id", h.Get)
	v1.GET("/:kind/:id/status", h.EffectiveStatus)
	v1.POST("/:kind/:id/transition", h.Transition, limiter)
	v1.POST("/:kind/:id/fields", h.UpdateField, limiter)
}
