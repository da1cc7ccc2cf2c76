package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-sync/internal/store"
	"github.com/iliyamo/restaurant-sync/internal/syncer"
)

// streamBuffer bounds the deltas queued for one slow client.  Overflow is
// reported to the client as a resync event.
const streamBuffer = 64

// deltaEvent is the payload of a "delta" event: the ids touched by one
// merge plus the current views of the added and changed ones.
type deltaEvent struct {
	Added   []string      `json:"added,omitempty"`
	Changed []string      `json:"changed,omitempty"`
	Removed []string      `json:"removed,omitempty"`
	Items   []syncer.View `json:"items,omitempty"`
}

// Stream sends the collection's changes as server-sent events.  The first
// event is a full "snapshot"; each merge then produces a "delta".  When the
// client falls behind, a "resync" event tells it to reload the list.
func (h *ViewHandler) Stream(c echo.Context) error {
	co, ok := h.coordinator(c)
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown collection"})
	}

	deltas := make(chan store.Delta, streamBuffer)
	var overflow atomic.Bool
	unsubscribe := co.Subscribe(func(d store.Delta) {
		select {
		case deltas <- d:
		default:
			overflow.Store(true)
		}
	})
	defer unsubscribe()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "snapshot", echo.Map{"items": co.Snapshot(h.now())}); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(h.HeartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case d := <-deltas:
			if overflow.Swap(false) {
				// drain what is queued; the client reloads everything anyway
				for len(deltas) > 0 {
					<-deltas
				}
				if err := writeEvent(res, "resync", echo.Map{}); err != nil {
					return nil
				}
				continue
			}
			if err := writeEvent(res, "delta", h.deltaEvent(co, d)); err != nil {
				return nil
			}
		}
	}
}

func (h *ViewHandler) deltaEvent(co Coordinator, d store.Delta) deltaEvent {
	ev := deltaEvent{Added: d.Added, Changed: d.Changed, Removed: d.Removed}
	now := h.now()
	for _, ids := range [][]string{d.Added, d.Changed} {
		for _, id := range ids {
			if v, err := co.Get(id, now); err == nil {
				ev.Items = append(ev.Items, v)
			}
		}
	}
	return ev
}

func writeEvent(res *echo.Response, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
