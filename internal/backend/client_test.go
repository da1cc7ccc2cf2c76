package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

const base = "http://backend.test"

func newTestClient(t *testing.T, secret string) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:       base,
		Timeout:       time.Second,
		RetryMax:      2,
		RetryWaitMin:  time.Millisecond,
		RetryWaitMax:  2 * time.Millisecond,
		ServiceSecret: secret,
	}, nil)
	gock.InterceptClient(c.http.HTTPClient)
	t.Cleanup(func() {
		gock.RestoreClient(c.http.HTTPClient)
		gock.Off()
	})
	return c
}

func TestFetchAllDecodesAndSkipsInvalid(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).
		Get("/api/orders").
		Reply(200).
		JSON([]map[string]any{
			{"id": "O1", "status": "PREPARING", "version": 3, "created_at": "2026-03-14T18:00:00Z"},
			{"id": "O2", "status": "OCCUPIED", "version": 1},
			{"id": "", "status": "PENDING", "version": 1},
		})

	got, err := c.FetchAll(context.Background(), model.KindOrder)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "O1", got[0].ID)
	assert.Equal(t, model.StatusPreparing, got[0].Status)
	assert.Equal(t, uint64(3), got[0].Version)
	assert.True(t, gock.IsDone())
}

func TestFetchAllRetriesConnectionErrors(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).Get("/api/bookings").ReplyError(errors.New("connection refused"))
	gock.New(base).Get("/api/bookings").Reply(200).JSON([]map[string]any{
		{"id": "B1", "status": "BOOKED", "version": 1},
	})

	got, err := c.FetchAll(context.Background(), model.KindBooking)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusBooked, got[0].Status)
	assert.True(t, gock.IsDone())
}

func TestFetchAllStatusError(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).Get("/api/orders").Reply(503)

	_, err := c.FetchAll(context.Background(), model.KindOrder)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
	// status codes are not retried
	assert.True(t, gock.IsDone())
}

func TestSendTransition(t *testing.T) {
	c := newTestClient(t, "backend-secret")
	gock.New(base).
		Put("/api/orders/O1/status").
		MatchHeader("Authorization", "^Bearer .+").
		JSON(map[string]string{"status": "CANCELLED"}).
		Reply(204)

	require.NoError(t, c.SendTransition(context.Background(), model.KindOrder, "O1", model.StatusCancelled))
	assert.True(t, gock.IsDone())
}

func TestSendTransitionIsNotRetried(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).Put("/api/bookings/B1/status").ReplyError(errors.New("connection refused"))
	gock.New(base).Put("/api/bookings/B1/status").Reply(200)

	err := c.SendTransition(context.Background(), model.KindBooking, "B1", model.StatusOccupied)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
	assert.True(t, gock.IsPending())
}

func TestSendTransitionRejected(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).Put("/api/orders/O9/status").Reply(409)

	err := c.SendTransition(context.Background(), model.KindOrder, "O9", model.StatusServed)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
}

func TestSendField(t *testing.T) {
	c := newTestClient(t, "backend-secret")
	gock.New(base).
		Patch("/api/orders/O1").
		MatchHeader("Authorization", "^Bearer .+").
		JSON(map[string]any{"stock": 5}).
		Reply(200)

	require.NoError(t, c.SendField(context.Background(), model.KindOrder, "O1", "stock", 5))
	assert.True(t, gock.IsDone())
}

func TestSendFieldIsNotRetried(t *testing.T) {
	c := newTestClient(t, "")
	gock.New(base).Patch("/api/bookings/B1").ReplyError(errors.New("connection refused"))
	gock.New(base).Patch("/api/bookings/B1").Reply(200)

	err := c.SendField(context.Background(), model.KindBooking, "B1", "available", false)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
	assert.True(t, gock.IsPending())
}
