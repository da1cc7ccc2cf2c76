package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-sync/internal/engine"
	"github.com/iliyamo/restaurant-sync/internal/ledger"
	"github.com/iliyamo/restaurant-sync/internal/model"
	"github.com/iliyamo/restaurant-sync/internal/queue"
	"github.com/iliyamo/restaurant-sync/internal/store"
)

var now = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	records  []model.Entity
	fetchErr error
	sendErrs []error
	sends    []string
	fetches  int
	gate     chan struct{}
}

func (f *fakeBackend) FetchAll(ctx context.Context, _ model.Kind) ([]model.Entity, error) {
	f.mu.Lock()
	f.fetches++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]model.Entity, len(f.records))
	for i, r := range f.records {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeBackend) SendTransition(_ context.Context, _ model.Kind, id string, target model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, id+"->"+string(target))
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	if len(f.sendErrs) > 1 {
		f.sendErrs = f.sendErrs[1:]
	}
	return err
}

func (f *fakeBackend) SendField(_ context.Context, _ model.Kind, id, field string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, id+"."+field+"="+fmt.Sprint(value))
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	if len(f.sendErrs) > 1 {
		f.sendErrs = f.sendErrs[1:]
	}
	return err
}

func (f *fakeBackend) set(records ...model.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []queue.OutOfSyncAlert
}

func (a *fakeAlerter) PublishOutOfSync(_ context.Context, alert queue.OutOfSyncAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func newCoordinator(t *testing.T, kind model.Kind, be *fakeBackend, cfg Config) (*Coordinator, *fakeAlerter) {
	t.Helper()
	al := &fakeAlerter{}
	if cfg.ActionRetryDelay == 0 {
		cfg.ActionRetryDelay = 10 * time.Millisecond
	}
	c := New(kind, Deps{Engine: engine.New(0), Ledger: ledger.New(nil, nil), Backend: be, Alerter: al}, cfg, nil)
	c.now = func() time.Time { return now }
	t.Cleanup(c.Stop)
	return c, al
}

func order(id string, status model.Status, version uint64) model.Entity {
	return model.Entity{ID: id, Kind: model.KindOrder, Status: status, CreatedAt: now.Add(-time.Hour), Version: version}
}

func pushBody(id string, status model.Status, version uint64) []byte {
	return []byte(`{"event_id":"e","kind":"ORDER","entity":{"id":"` + id + `","status":"` + string(status) +
		`","version":` + strconv.FormatUint(version, 10) + `}}`)
}

func overdueBooking(id string, version uint64) model.Entity {
	return model.Entity{ID: id, Kind: model.KindBooking, Status: model.StatusConfirmed,
		ScheduledAt: now.Add(-3 * time.Hour), DurationHint: 2 * time.Hour, Version: version}
}

func TestStalePushIsDropped(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("E1", model.StatusPreparing, 3))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	require.NoError(t, c.OnPushEvent(context.Background(), pushBody("E1", model.StatusCancelled, 2)))
	// duplicate delivery of the current version
	require.NoError(t, c.OnPushEvent(context.Background(), pushBody("E1", model.StatusReadyForService, 3)))

	v, err := c.Get("E1", now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPreparing, v.Status)
	assert.Equal(t, uint64(3), v.Version)
}

func TestPushAppliesNewerVersion(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("E1", model.StatusPreparing, 3))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	var deltas []store.Delta
	c.Subscribe(func(d store.Delta) { deltas = append(deltas, d) })
	require.NoError(t, c.OnPushEvent(context.Background(), pushBody("E1", model.StatusReadyForService, 4)))

	st, err := c.EffectiveStatus("E1", now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReadyForService, st)
	require.Len(t, deltas, 1)
	assert.Equal(t, []string{"E1"}, deltas[0].Changed)
}

func TestInvalidPushRejected(t *testing.T) {
	c, _ := newCoordinator(t, model.KindOrder, &fakeBackend{}, Config{})
	err := c.OnPushEvent(context.Background(), []byte(`{"entity":{"status":"PENDING"}}`))
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestFailedActionRetriesOnceThenFlagsOutOfSync(t *testing.T) {
	be := &fakeBackend{sendErrs: []error{errors.New("backend down")}}
	be.set(order("O1", model.StatusPreparing, 8))
	c, al := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	v, err := c.RequestTransition(context.Background(), "O1", model.StatusCancelled)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
	assert.Equal(t, model.StatusCancelled, v.Status)
	assert.Equal(t, []string{model.FieldStatus}, v.Overridden)

	assert.Eventually(t, func() bool {
		v, _ := c.Get("O1", now)
		return v.OutOfSync
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, be.sendCount())
	assert.Eventually(t, func() bool { return al.count() == 1 }, time.Second, 5*time.Millisecond)

	// a refetch still at the recorded version keeps the optimistic view
	require.NoError(t, c.Refresh(context.Background()))
	v, _ = c.Get("O1", now)
	assert.Equal(t, model.StatusCancelled, v.Status)

	// the server moved on: the override is reconciled away
	be.set(order("O1", model.StatusPreparing, 9))
	require.NoError(t, c.Refresh(context.Background()))
	v, _ = c.Get("O1", now)
	assert.Equal(t, model.StatusPreparing, v.Status)
	assert.Equal(t, uint64(9), v.Version)
	assert.Empty(t, v.Overridden)
	assert.False(t, v.OutOfSync)
	assert.Equal(t, 2, be.sendCount())
}

func TestRetrySucceeds(t *testing.T) {
	be := &fakeBackend{sendErrs: []error{errors.New("timeout"), nil}}
	be.set(order("O1", model.StatusConfirmed, 2))
	c, al := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.RequestTransition(context.Background(), "O1", model.StatusPreparing)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)

	assert.Eventually(t, func() bool { return be.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	v, _ := c.Get("O1", now)
	assert.False(t, v.OutOfSync)
	assert.Equal(t, model.StatusPreparing, v.Status)
	assert.Zero(t, al.count())
}

func TestNewerActionSupersedesPendingRetry(t *testing.T) {
	be := &fakeBackend{sendErrs: []error{errors.New("timeout"), nil}}
	be.set(order("O1", model.StatusConfirmed, 2))
	c, al := newCoordinator(t, model.KindOrder, be, Config{ActionRetryDelay: 50 * time.Millisecond})
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.RequestTransition(context.Background(), "O1", model.StatusPreparing)
	require.Error(t, err)
	_, err = c.RequestTransition(context.Background(), "O1", model.StatusReadyForService)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 2, be.sendCount())
	v, _ := c.Get("O1", now)
	assert.Equal(t, model.StatusReadyForService, v.Status)
	assert.False(t, v.OutOfSync)
	assert.Zero(t, al.count())
}

func TestInvalidTransitionLeavesStateUntouched(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("O2", model.StatusPending, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.RequestTransition(context.Background(), "O2", model.StatusReadyForService)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	v, _ := c.Get("O2", now)
	assert.Equal(t, model.StatusPending, v.Status)
	assert.Empty(t, v.Overridden)
	assert.Zero(t, be.sendCount())
}

func TestUnknownEntity(t *testing.T) {
	c, _ := newCoordinator(t, model.KindOrder, &fakeBackend{}, Config{})
	_, err := c.RequestTransition(context.Background(), "nope", model.StatusConfirmed)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = c.EffectiveStatus("nope", now)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStaleIndicatorAfterThreshold(t *testing.T) {
	be := &fakeBackend{fetchErr: errors.New("503")}
	c, _ := newCoordinator(t, model.KindOrder, be, Config{StaleThreshold: 2})

	assert.ErrorIs(t, c.Refresh(context.Background()), model.ErrRemoteCallFailed)
	assert.False(t, c.Status().Stale)
	assert.Error(t, c.Refresh(context.Background()))
	st := c.Status()
	assert.True(t, st.Stale)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, PhaseIdle, st.Phase)

	be.mu.Lock()
	be.fetchErr = nil
	be.mu.Unlock()
	require.NoError(t, c.Refresh(context.Background()))
	assert.False(t, c.Status().Stale)
	assert.Equal(t, now, c.Status().LastSuccess)
}

func TestBookingCompletionCommittedOnMerge(t *testing.T) {
	be := &fakeBackend{}
	b := model.Entity{ID: "B1", Kind: model.KindBooking, Status: model.StatusConfirmed,
		ScheduledAt: now.Add(-3 * time.Hour), DurationHint: 2 * time.Hour, Version: 1}
	be.set(b)
	c, _ := newCoordinator(t, model.KindBooking, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	v, _ := c.Get("B1", now)
	assert.Equal(t, model.StatusCompleted, v.Status)
	assert.Equal(t, model.StatusCompleted, v.EffectiveStatus)

	// redelivery of the same version cannot resurrect it
	require.NoError(t, c.Refresh(context.Background()))
	v, _ = c.Get("B1", now)
	assert.Equal(t, model.StatusCompleted, v.Status)
}

func TestStaleRecordCommitsDueCompletion(t *testing.T) {
	be := &fakeBackend{}
	b := model.Entity{ID: "B1", Kind: model.KindBooking, Status: model.StatusConfirmed,
		ScheduledAt: now.Add(-time.Hour), DurationHint: 2 * time.Hour, Version: 1}
	be.set(b)
	c, _ := newCoordinator(t, model.KindBooking, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, c.Refresh(context.Background()))
	v, _ := c.Get("B1", now)
	assert.Equal(t, model.StatusCompleted, v.Status)
	assert.Equal(t, uint64(1), v.Version)
}

func TestRetentionKeepsEntitiesWithOverrides(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("A", model.StatusPending, 1), order("B", model.StatusPending, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{RetentionWindow: time.Minute})
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.ApplyUserAction(context.Background(), "B", "note", "allergy", func(context.Context) error { return nil }))

	be.set()
	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.Get("A", now)
	assert.ErrorIs(t, err, model.ErrNotFound)
	v, err := c.Get("B", now)
	require.NoError(t, err)
	assert.Equal(t, "allergy", v.Fields["note"])
}

func TestConcurrentRefreshSharesOneFetch(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{gate: gate}
	be.set(order("O1", model.StatusPending, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
	}
	assert.Eventually(t, func() bool { return be.fetchCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, 1, be.fetchCount())
}

func TestStartIsIdempotent(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("O1", model.StatusPending, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})

	ctx := context.Background()
	c.Start(ctx, time.Hour)
	c.Start(ctx, time.Hour)
	assert.Eventually(t, func() bool { return c.Status().Entities == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, be.fetchCount())
	assert.True(t, c.Status().Running)

	c.Stop()
	assert.False(t, c.Status().Running)
	// merged state survives Stop
	_, err := c.Get("O1", now)
	assert.NoError(t, err)
}

func TestSnapshotOrdersAndMarksOverrides(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("B", model.StatusPending, 1), order("A", model.StatusConfirmed, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.ApplyUserAction(context.Background(), "A", "stock", 0, func(context.Context) error { return nil }))

	views := c.Snapshot(now)
	require.Len(t, views, 2)
	assert.Equal(t, "A", views[0].ID)
	assert.Equal(t, []string{"stock"}, views[0].Overridden)
	assert.Empty(t, views[1].Overridden)
}

func TestOverrideConfirmedAtSameVersionIsReconciled(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("O1", model.StatusConfirmed, 4))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.RequestTransition(context.Background(), "O1", model.StatusPreparing)
	require.NoError(t, err)
	v, _ := c.Get("O1", now)
	assert.Equal(t, []string{model.FieldStatus}, v.Overridden)

	var deltas []store.Delta
	c.Subscribe(func(d store.Delta) { deltas = append(deltas, d) })

	// the backend applied the change without bumping the version
	be.set(order("O1", model.StatusPreparing, 4))
	require.NoError(t, c.Refresh(context.Background()))

	v, _ = c.Get("O1", now)
	assert.Equal(t, model.StatusPreparing, v.Status)
	assert.Empty(t, v.Overridden)
	assert.False(t, c.ledger.Has("O1"))
	assert.Zero(t, c.Status().PendingOverrides)
	require.NotEmpty(t, deltas)
	assert.Contains(t, deltas[0].Changed, "O1")
}

func TestPushAtSameVersionReconcilesOverride(t *testing.T) {
	be := &fakeBackend{}
	be.set(order("O1", model.StatusConfirmed, 4))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.ApplyUserAction(context.Background(), "O1", model.FieldStatus, model.StatusPreparing,
		func(context.Context) error { return nil }))

	// a different value at the same version is not a confirmation
	require.NoError(t, c.OnPushEvent(context.Background(), pushBody("O1", model.StatusConfirmed, 4)))
	assert.True(t, c.ledger.Has("O1"))

	require.NoError(t, c.OnPushEvent(context.Background(), pushBody("O1", model.StatusPreparing, 4)))
	v, _ := c.Get("O1", now)
	assert.Equal(t, model.StatusPreparing, v.Status)
	assert.Empty(t, v.Overridden)
}

func TestCancelledCallerDoesNotFailSharedRefresh(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{gate: gate}
	be.set(order("O1", model.StatusPending, 1))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{StaleThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- c.Refresh(ctx) }()
	assert.Eventually(t, func() bool { return be.fetchCount() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- c.Refresh(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(gate)
	require.NoError(t, <-second)

	st := c.Status()
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.Stale)
	assert.Equal(t, 1, st.Entities)
	assert.Equal(t, 1, be.fetchCount())
}

func TestCancelWinsOverCommittedCompletion(t *testing.T) {
	be := &fakeBackend{}
	be.set(overdueBooking("B1", 1))
	c, _ := newCoordinator(t, model.KindBooking, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))
	v, _ := c.Get("B1", now)
	require.Equal(t, model.StatusCompleted, v.Status)

	v, err := c.RequestTransition(context.Background(), "B1", model.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, v.Status)
	assert.Equal(t, []string{"B1->CANCELLED"}, be.sends)

	// the cancellation survives the next poll
	require.NoError(t, c.Refresh(context.Background()))
	v, _ = c.Get("B1", now)
	assert.Equal(t, model.StatusCancelled, v.Status)
}

func TestCancelRejectedWhenBackendReportedCompletion(t *testing.T) {
	be := &fakeBackend{}
	b := overdueBooking("B1", 2)
	b.Status = model.StatusCompleted
	be.set(b)
	c, _ := newCoordinator(t, model.KindBooking, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.RequestTransition(context.Background(), "B1", model.StatusCancelled)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Zero(t, be.sendCount())
}

func TestUpdateField(t *testing.T) {
	be := &fakeBackend{sendErrs: []error{errors.New("backend down"), nil}}
	be.set(order("O1", model.StatusPreparing, 3))
	c, _ := newCoordinator(t, model.KindOrder, be, Config{})
	require.NoError(t, c.Refresh(context.Background()))

	v, err := c.UpdateField(context.Background(), "O1", "stock", 0)
	assert.ErrorIs(t, err, model.ErrRemoteCallFailed)
	assert.Equal(t, 0, v.Fields["stock"])
	assert.Equal(t, []string{"stock"}, v.Overridden)
	assert.Eventually(t, func() bool { return be.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "O1.stock=0", be.sends[0])

	_, err = c.UpdateField(context.Background(), "O1", model.FieldStatus, "SERVED")
	assert.ErrorIs(t, err, model.ErrInvalidField)
	_, err = c.UpdateField(context.Background(), "O9", "stock", 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
