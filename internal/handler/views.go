// Package handler exposes the HTTP view API.  Staff screens (kitchen, floor
// and management) read merged, override-applied entities, request status
// transitions or field updates and follow changes as a server-sent event
// stream.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/middleware"
	"github.com/iliyamo/restaurant-sync/internal/model"
	"github.com/iliyamo/restaurant-sync/internal/store"
	"github.com/iliyamo/restaurant-sync/internal/syncer"
)

// Coordinator is the part of *syncer.Coordinator the view API relies on.
type Coordinator interface {
	Kind() model.Kind
	Snapshot(now time.Time) []syncer.View
	Get(id string, now time.Time) (syncer.View, error)
	EffectiveStatus(id string, now time.Time) (model.Status, error)
	RequestTransition(ctx context.Context, id string, target model.Status) (syncer.View, error)
	UpdateField(ctx context.Context, id, field string, value any) (syncer.View, error)
	Refresh(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Status() syncer.Status
	Subscribe(fn store.Listener) (unsubscribe func())
}

// ViewHandler serves one coordinator per entity kind.
type ViewHandler struct {
	coords map[model.Kind]Coordinator
	order  []model.Kind
	log    *zap.SugaredLogger
	now    func() time.Time

	// HeartbeatInterval spaces keep-alive comments on event streams.
	HeartbeatInterval time.Duration
}

// NewViewHandler builds a handler over the given coordinators.
func NewViewHandler(log *zap.SugaredLogger, coords ...Coordinator) *ViewHandler {
	h := &ViewHandler{
		coords:            make(map[model.Kind]Coordinator, len(coords)),
		log:               log,
		now:               time.Now,
		HeartbeatInterval: 15 * time.Second,
	}
	for _, c := range coords {
		h.coords[c.Kind()] = c
		h.order = append(h.order, c.Kind())
	}
	return h
}

// transitionRoles lists who may move entities of each kind.  Bookings are
// a floor concern; the kitchen only drives orders.
var transitionRoles = map[model.Kind]map[string]bool{
	model.KindOrder: {
		middleware.RoleKitchen: true, middleware.RoleFloor: true, middleware.RoleManager: true,
	},
	model.KindBooking: {
		middleware.RoleFloor: true, middleware.RoleManager: true,
	},
}

type transitionRequest struct {
	Status string `json:"status"`
}

type fieldRequest struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// coordinator resolves the :kind path parameter.  It writes a 404 and
// returns false for unknown collections.
func (h *ViewHandler) coordinator(c echo.Context) (Coordinator, bool) {
	kind, ok := model.KindFromCollection(c.Param("kind"))
	if !ok {
		return nil, false
	}
	co, ok := h.coords[kind]
	return co, ok
}

// List returns the merged snapshot of a collection.
// Response JSON contains an "items" array of views.
func (h *ViewHandler) List(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	items := co.Snapshot(h.now())
	st := co.Status()
	return c.JSON(http.StatusOK, echo.Map{
		"items":                    items,
		"stale":                    st.Stale,
		"live_updates_unavailable": st.LiveUpdatesUnavailable,
	})
}

// Get returns one entity view.
func (h *ViewHandler) Get(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	v, err := co.Get(c.Param("id"), h.now())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// EffectiveStatus returns the displayed status of an entity.  The optional
// ?at= query parameter (RFC 3339) evaluates it at another instant.
func (h *ViewHandler) EffectiveStatus(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	at := h.now()
	if raw := c.QueryParam("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "at must be RFC3339"})
		}
		at = t
	}
	id := c.Param("id")
	st, err := co.EffectiveStatus(id, at)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "status": st, "at": at})
}

// Transition requests a status change.  The response carries the
// optimistic view: 200 when the backend confirmed it, 202 when the call
// failed and a retry is pending.
func (h *ViewHandler) Transition(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	if !transitionRoles[co.Kind()][middleware.Role(c)] {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "status is required"})
	}
	target := model.ParseStatus(req.Status)
	if !target.ValidFor(co.Kind()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown status " + req.Status})
	}

	id := c.Param("id")
	v, err := co.RequestTransition(c.Request().Context(), id, target)
	switch {
	case err == nil:
		h.log.Infow("transition applied", "kind", co.Kind(), "id", id, "status", target, "user", middleware.UserID(c))
		return c.JSON(http.StatusOK, v)
	case errors.Is(err, model.ErrRemoteCallFailed):
		h.log.Warnw("transition pending retry", "kind", co.Kind(), "id", id, "status", target, "error", err)
		return c.JSON(http.StatusAccepted, v)
	default:
		return h.writeError(c, err)
	}
}

// UpdateField sets one display field, such as stock or availability, as an
// optimistic override.  Status codes follow Transition; the status field
// itself is rejected with 400.
func (h *ViewHandler) UpdateField(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	if !transitionRoles[co.Kind()][middleware.Role(c)] {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	var req fieldRequest
	if err := c.Bind(&req); err != nil || req.Field == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "field is required"})
	}
	if req.Field == model.FieldStatus {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "use the transition endpoint for status"})
	}

	id := c.Param("id")
	v, err := co.UpdateField(c.Request().Context(), id, req.Field, req.Value)
	switch {
	case err == nil:
		h.log.Infow("field updated", "kind", co.Kind(), "id", id, "field", req.Field, "user", middleware.UserID(c))
		return c.JSON(http.StatusOK, v)
	case errors.Is(err, model.ErrRemoteCallFailed):
		h.log.Warnw("field update pending retry", "kind", co.Kind(), "id", id, "field", req.Field, "error", err)
		return c.JSON(http.StatusAccepted, v)
	default:
		return h.writeError(c, err)
	}
}

// SyncStatus reports the pipeline health of every collection.
func (h *ViewHandler) SyncStatus(c echo.Context) error {
	out := make([]syncer.Status, 0, len(h.order))
	for _, k := range h.order {
		out = append(out, h.coords[k].Status())
	}
	return c.JSON(http.StatusOK, echo.Map{"items": out})
}

// Refresh forces an immediate refetch of a collection.
func (h *ViewHandler) Refresh(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	if err := co.Refresh(c.Request().Context()); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, co.Status())
}

// Reconnect restarts the push consumer after it gave up.
func (h *ViewHandler) Reconnect(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}
	if err := co.Reconnect(c.Request().Context()); err != nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, co.Status())
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *ViewHandler) writeError(c echo.Context, err error) error {
	var ite *model.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error": "invalid transition",
			"from":  ite.From,
			"to":    ite.To,
		})
	case errors.Is(err, model.ErrInvalidTransition):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidField):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, model.ErrRemoteCallFailed):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "backend unavailable"})
	case errors.Is(err, model.ErrPushChannelLost):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "live updates unavailable"})
	}
	h.log.Errorw("request failed", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
