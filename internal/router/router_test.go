package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/handler"
	"github.com/iliyamo/restaurant-sync/internal/middleware"
	"github.com/iliyamo/restaurant-sync/internal/utils"
)

func bearer(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken("secret", "u1", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func newServer() *echo.Echo {
	e := echo.New()
	RegisterRoutes(e)
	noop := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	RegisterViews(e, handler.NewViewHandler(zap.NewNop().Sugar()), "secret", noop)
	return e
}

func serve(e *echo.Echo, method, path, auth string) int {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestPublicRoutes(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/healthz", ""))
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/metrics", ""))
}

func TestViewRoutesRequireAuth(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/v1/orders", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/v1/sync/status", ""))
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/v1/sync/status", bearer(t, middleware.RoleFloor)))
}

func TestReconnectIsManagerOnly(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusForbidden,
		serve(e, http.MethodPost, "/v1/sync/orders/reconnect", bearer(t, middleware.RoleKitchen)))
	// no coordinators are registered, so a manager reaches the handler and gets 404
	assert.Equal(t, http.StatusNotFound,
		serve(e, http.MethodPost, "/v1/sync/orders/reconnect", bearer(t, middleware.RoleManager)))
}
