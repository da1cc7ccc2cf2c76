// Package syncer runs the synchronization pipeline of one entity class.
// A Coordinator owns the class's EntityStore and OverrideLedger and is the
// only writer of both.  Three sources feed it: periodic full refetches,
// push events, and optimistic user actions.  Every mutation runs under one
// merge mutex, so per id the store sees updates in version order no matter
// which channel delivered them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/restaurant-sync/internal/engine"
	"github.com/iliyamo/restaurant-sync/internal/ledger"
	"github.com/iliyamo/restaurant-sync/internal/metrics"
	"github.com/iliyamo/restaurant-sync/internal/model"
	"github.com/iliyamo/restaurant-sync/internal/queue"
	"github.com/iliyamo/restaurant-sync/internal/store"
)

// Phases of the refetch cycle.
const (
	PhaseIdle     = "IDLE"
	PhaseFetching = "FETCHING"
	PhaseMerging  = "MERGING"
)

const (
	evFetch = "fetch"
	evMerge = "merge"
	evDone  = "done"
)

// Backend is the source of truth.
type Backend interface {
	FetchAll(ctx context.Context, kind model.Kind) ([]model.Entity, error)
	SendTransition(ctx context.Context, kind model.Kind, id string, target model.Status) error
	SendField(ctx context.Context, kind model.Kind, id, field string, value any) error
}

// Alerter is told about entities that fell out of sync.
type Alerter interface {
	PublishOutOfSync(ctx context.Context, alert queue.OutOfSyncAlert) error
}

// PushStatus exposes the shared push consumer.
type PushStatus interface {
	State() string
	Lost() bool
	Reconnect() error
}

// RemoteCall is the backend side of a user action.
type RemoteCall func(ctx context.Context) error

// Config tunes a Coordinator.
type Config struct {
	PollInterval     time.Duration
	JitterFraction   float64
	RetentionWindow  time.Duration
	StaleThreshold   int
	ActionRetryDelay time.Duration
	ActionTimeout    time.Duration
	FetchTimeout     time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.StaleThreshold < 1 {
		c.StaleThreshold = 3
	}
	if c.ActionRetryDelay <= 0 {
		c.ActionRetryDelay = 2 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
}

// Deps are the collaborators of a Coordinator.  Alerter and Push may be
// nil.
type Deps struct {
	Engine  *engine.Engine
	Ledger  *ledger.Ledger
	Backend Backend
	Alerter Alerter
	Push    PushStatus
}

// View is an entity as displayed: merged, override-patched, with its
// effective status at the time of the read.
type View struct {
	model.Entity
	EffectiveStatus model.Status `json:"effective_status"`
	Overridden      []string     `json:"overridden,omitempty"`
	OutOfSync       bool         `json:"out_of_sync"`
}

// Status summarises the health of a class's pipeline.
type Status struct {
	Collection             string    `json:"collection"`
	Phase                  string    `json:"phase"`
	Running                bool      `json:"running"`
	Stale                  bool      `json:"stale"`
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	LastSuccess            time.Time `json:"last_success,omitempty"`
	LastError              string    `json:"last_error,omitempty"`
	PushState              string    `json:"push_state,omitempty"`
	LiveUpdatesUnavailable bool      `json:"live_updates_unavailable"`
	LedgerDegraded         bool      `json:"ledger_degraded"`
	Entities               int       `json:"entities"`
	PendingOverrides       int       `json:"pending_overrides"`
	OutOfSync              int       `json:"out_of_sync"`
}

type pendingRetry struct {
	seq   uint64
	timer *time.Timer
}

// Coordinator synchronizes one entity kind.
type Coordinator struct {
	kind    model.Kind
	cfg     Config
	engine  *engine.Engine
	store   *store.Store
	ledger  *ledger.Ledger
	backend Backend
	alerter Alerter
	push    PushStatus
	log     *zap.SugaredLogger
	now     func() time.Time

	mergeMu sync.Mutex
	group   singleflight.Group
	phase   *fsm.FSM

	mu          sync.Mutex
	running     bool
	loaded      bool
	cancel      context.CancelFunc
	done        chan struct{}
	failures    int
	stale       bool
	lastSuccess time.Time
	lastError   string
	outOfSync   map[string]string
	retries     map[string]*pendingRetry
	latest      map[string]uint64
	seq         uint64

	// last status the backend reported per id, before normalization.
	// Guarded by mergeMu.
	reported map[string]model.Status
}

// New returns a stopped Coordinator for kind.
func New(kind model.Kind, deps Deps, cfg Config, log *zap.SugaredLogger) *Coordinator {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if deps.Engine == nil {
		deps.Engine = engine.New(0)
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(nil, log)
	}
	return &Coordinator{
		kind:    kind,
		cfg:     cfg,
		engine:  deps.Engine,
		store:   store.New(kind, cfg.RetentionWindow),
		ledger:  deps.Ledger,
		backend: deps.Backend,
		alerter: deps.Alerter,
		push:    deps.Push,
		log:     log,
		now:     time.Now,
		phase: fsm.NewFSM(PhaseIdle, fsm.Events{
			{Name: evFetch, Src: []string{PhaseIdle}, Dst: PhaseFetching},
			{Name: evMerge, Src: []string{PhaseFetching}, Dst: PhaseMerging},
			{Name: evDone, Src: []string{PhaseFetching, PhaseMerging}, Dst: PhaseIdle},
		}, fsm.Callbacks{}),
		outOfSync: make(map[string]string),
		retries:   make(map[string]*pendingRetry),
		latest:    make(map[string]uint64),
		reported:  make(map[string]model.Status),
	}
}

// Kind returns the entity kind of the coordinator.
func (c *Coordinator) Kind() model.Kind { return c.kind }

// Subscribe registers a store listener.  Listeners run synchronously on
// the merge path and must not call back into mutating methods.
func (c *Coordinator) Subscribe(fn store.Listener) (unsubscribe func()) {
	return c.store.Subscribe(fn)
}

func (c *Coordinator) fire(ev string) {
	if err := c.phase.Event(context.Background(), ev); err != nil {
		c.log.Debugw("phase unchanged", "event", ev, "phase", c.phase.Current(), "error", err)
	}
}

// Start replays persisted overrides on first use, runs one cycle at once
// and then one every pollInterval plus jitter.  A non-positive
// pollInterval uses the configured one.  Start on a running coordinator is
// a no-op.
func (c *Coordinator) Start(ctx context.Context, pollInterval time.Duration) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	if pollInterval <= 0 {
		pollInterval = c.cfg.PollInterval
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running, c.cancel, c.done = true, cancel, done
	load := !c.loaded
	c.loaded = true
	c.mu.Unlock()

	if load {
		if err := c.ledger.Load(runCtx); err != nil {
			c.log.Warnw("continuing without persisted overrides", "error", err)
		}
	}

	go func() {
		defer close(done)
		for {
			if err := c.Refresh(runCtx); err != nil && runCtx.Err() == nil {
				c.log.Warnw("refetch failed, keeping current state", "error", err)
			}
			t := time.NewTimer(c.nextDelay(pollInterval))
			select {
			case <-runCtx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
	c.log.Infow("coordinator started", "poll_interval", pollInterval)
}

func (c *Coordinator) nextDelay(interval time.Duration) time.Duration {
	spread := int64(float64(interval) * c.cfg.JitterFraction)
	if spread <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int64N(spread))
}

// Stop cancels the poll loop and pending action retries.  Merged state
// and pending overrides stay.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.running, c.cancel, c.done = false, nil, nil
	for id, r := range c.retries {
		r.timer.Stop()
		delete(c.retries, id)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh runs one refetch cycle.  Concurrent callers share the cycle in
// flight.  The cycle is bounded by FetchTimeout rather than by any one
// caller's ctx; a caller that gives up gets ctx.Err() while the cycle
// finishes for the others.
func (c *Coordinator) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return nil, c.cycle(cycleCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Coordinator) cycle(ctx context.Context) error {
	collection := c.kind.Collection()
	c.fire(evFetch)
	ents, err := c.backend.FetchAll(ctx, c.kind)
	if err != nil {
		c.fire(evDone)
		metrics.RefetchCycles.WithLabelValues(collection, "error").Inc()
		c.recordFailure(err)
		if !errors.Is(err, model.ErrRemoteCallFailed) {
			err = fmt.Errorf("%w: %v", model.ErrRemoteCallFailed, err)
		}
		return err
	}

	c.fire(evMerge)
	c.mergeMu.Lock()
	now := c.now()
	writes := make([]store.Write, 0, len(ents))
	for _, in := range ents {
		w, _ := c.prepare(ctx, in, now, "refetch")
		writes = append(writes, w)
	}
	d := c.store.BulkReplace(writes, now, c.ledger.Has)
	for _, id := range d.Removed {
		delete(c.reported, id)
	}
	c.mergeMu.Unlock()
	c.fire(evDone)

	metrics.RefetchCycles.WithLabelValues(collection, "ok").Inc()
	c.recordSuccess(now)
	c.updateGauges()
	c.log.Debugw("refetch merged", "records", len(ents),
		"added", len(d.Added), "changed", len(d.Changed), "removed", len(d.Removed))
	return nil
}

// prepare runs the merge pipeline for one incoming record and returns the
// store write to apply.  fresh is false when the record is not newer than
// the stored one; the returned write then either commits a due
// auto-completion of the stored entity or is a remote write the store will
// reject, which still counts as a sighting for retention.
// Must be called with mergeMu held.
func (c *Coordinator) prepare(ctx context.Context, in model.Entity, now time.Time, channel string) (w store.Write, fresh bool) {
	if !c.store.Accepts(in.ID, in.Version) {
		metrics.StaleDropped.WithLabelValues(c.kind.Collection(), channel).Inc()
		c.log.Debugw("dropping update", "id", in.ID, "version", in.Version, "channel", channel, "reason", model.ErrStaleUpdate)
		if stored, ok := c.store.Get(in.ID); ok {
			if in.Version == stored.Version {
				c.reconcileSameVersion(ctx, in)
			}
			if completed, changed := c.engine.Normalize(stored, now); changed {
				return store.Write{Entity: completed, Origin: store.OriginTerminal}, false
			}
		}
		return store.Write{Entity: in, Origin: store.OriginRemote}, false
	}

	c.reported[in.ID] = in.Status
	ent, _ := c.engine.Normalize(in, now)
	if removed := c.ledger.ReconcileEntity(ctx, ent); len(removed) > 0 && !c.ledger.Has(ent.ID) {
		c.clearOutOfSync(ent.ID)
	}
	ent = c.ledger.ApplyOverrides(ent)
	return store.Write{Entity: ent, Origin: store.OriginRemote}, true
}

// reconcileSameVersion drops overrides the backend confirmed without
// bumping the version.  The stored entity already shows the override
// values, so only listeners are told about the changed marker.
// Must be called with mergeMu held.
func (c *Coordinator) reconcileSameVersion(ctx context.Context, in model.Entity) {
	if !c.ledger.Has(in.ID) {
		return
	}
	if removed := c.ledger.ReconcileEntity(ctx, in); len(removed) > 0 {
		if !c.ledger.Has(in.ID) {
			c.clearOutOfSync(in.ID)
		}
		c.log.Debugw("overrides confirmed at stored version", "id", in.ID, "fields", removed)
		c.store.Touch(in.ID)
	}
}

// OnPushEvent merges one push payload.  Malformed payloads return an error
// wrapping model.ErrInvalidEvent; stale and duplicate events are dropped
// and return nil.
func (c *Coordinator) OnPushEvent(ctx context.Context, raw []byte) error {
	collection := c.kind.Collection()
	ev, in, err := queue.DecodeEntityChanged(raw, c.kind)
	if err != nil {
		metrics.PushEvents.WithLabelValues(collection, "invalid").Inc()
		return err
	}

	c.mergeMu.Lock()
	now := c.now()
	w, fresh := c.prepare(ctx, in, now, "push")
	if fresh || w.Origin == store.OriginTerminal {
		c.store.Upsert(w, now)
	}
	c.mergeMu.Unlock()

	if fresh {
		metrics.PushEvents.WithLabelValues(collection, "applied").Inc()
		c.log.Debugw("push event applied", "event_id", ev.EventID, "id", in.ID, "version", in.Version)
	} else {
		metrics.PushEvents.WithLabelValues(collection, "stale").Inc()
	}
	c.updateGauges()
	return nil
}

// ApplyUserAction records value for (id, field) as an override, shows it
// at once and then performs call.  When call fails the override is kept,
// one retry is scheduled after the configured delay and an error wrapping
// model.ErrRemoteCallFailed is returned.  If the retry fails as well the
// entity is flagged out-of-sync.  A newer action on the same id cancels a
// pending retry.
func (c *Coordinator) ApplyUserAction(ctx context.Context, id, field string, value any, call RemoteCall) error {
	return c.applyAction(ctx, id, field, value, call, nil)
}

// RequestTransition validates target against the entity's current status
// and submits it as an optimistic status override.  The returned view is
// the optimistic one, also when the remote call failed.
func (c *Coordinator) RequestTransition(ctx context.Context, id string, target model.Status) (View, error) {
	validate := func(ent model.Entity) error {
		_, err := c.engine.RequestTransition(c.cancellable(ent, target), target, c.now())
		return err
	}
	call := func(ctx context.Context) error {
		return c.backend.SendTransition(ctx, c.kind, id, target)
	}
	err := c.applyAction(ctx, id, model.FieldStatus, target, call, validate)
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
		return View{}, err
	}
	v, getErr := c.Get(id, c.now())
	if getErr != nil {
		return View{}, getErr
	}
	return v, err
}

// cancellable undoes a locally committed auto-completion for a cancel
// request: while the backend still reports a non-terminal status and no
// status override is pending, cancellation is checked against the
// reported status.  Must be called with mergeMu held.
func (c *Coordinator) cancellable(ent model.Entity, target model.Status) model.Entity {
	if target != model.StatusCancelled || ent.Status != model.StatusCompleted {
		return ent
	}
	if _, pending := c.ledger.Get(ent.ID)[model.FieldStatus]; pending {
		return ent
	}
	reported, ok := c.reported[ent.ID]
	if !ok || reported.Terminal() {
		return ent
	}
	ent.Status = reported
	return ent
}

// UpdateField records value as an optimistic override of a display field
// and sends it to the backend.  Status changes go through
// RequestTransition instead.
func (c *Coordinator) UpdateField(ctx context.Context, id, field string, value any) (View, error) {
	if field == "" || field == model.FieldStatus {
		return View{}, fmt.Errorf("%w: field %q", model.ErrInvalidField, field)
	}
	call := func(ctx context.Context) error {
		return c.backend.SendField(ctx, c.kind, id, field, value)
	}
	err := c.applyAction(ctx, id, field, value, call, nil)
	if errors.Is(err, model.ErrNotFound) {
		return View{}, err
	}
	v, getErr := c.Get(id, c.now())
	if getErr != nil {
		return View{}, getErr
	}
	return v, err
}

func (c *Coordinator) applyAction(ctx context.Context, id, field string, value any, call RemoteCall, validate func(model.Entity) error) error {
	collection := c.kind.Collection()

	c.mergeMu.Lock()
	stored, ok := c.store.Get(id)
	if !ok {
		c.mergeMu.Unlock()
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, c.kind, id)
	}
	if validate != nil {
		if err := validate(stored); err != nil {
			c.mergeMu.Unlock()
			return err
		}
	}
	c.ledger.Set(ctx, id, field, value, stored.Version)
	c.store.Upsert(store.Write{Entity: c.ledger.ApplyOverrides(stored), Origin: store.OriginLocal}, c.now())
	seq := c.beginAction(id)
	c.mergeMu.Unlock()
	c.updateGauges()

	if err := call(ctx); err != nil {
		metrics.UserActions.WithLabelValues(collection, "failed").Inc()
		c.log.Warnw("remote call failed, retry scheduled", "id", id, "field", field, "retry_in", c.cfg.ActionRetryDelay, "error", err)
		c.scheduleRetry(id, field, value, call, seq)
		if errors.Is(err, model.ErrRemoteCallFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrRemoteCallFailed, err)
	}
	metrics.UserActions.WithLabelValues(collection, "ok").Inc()
	c.confirmAction(id, seq)
	return nil
}

// beginAction supersedes any pending retry for id and returns the
// sequence number of the new action.
func (c *Coordinator) beginAction(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.latest[id] = c.seq
	if r := c.retries[id]; r != nil {
		r.timer.Stop()
		delete(c.retries, id)
	}
	return c.seq
}

// confirmAction clears the out-of-sync flag when seq is still the latest
// action on id.
func (c *Coordinator) confirmAction(id string, seq uint64) {
	c.mu.Lock()
	cleared := false
	if c.latest[id] == seq {
		if _, ok := c.outOfSync[id]; ok {
			delete(c.outOfSync, id)
			cleared = true
		}
	}
	c.mu.Unlock()
	if cleared {
		c.store.Touch(id)
		c.updateGauges()
	}
}

func (c *Coordinator) scheduleRetry(id, field string, value any, call RemoteCall, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest[id] != seq {
		return
	}
	r := &pendingRetry{seq: seq}
	r.timer = time.AfterFunc(c.cfg.ActionRetryDelay, func() { c.retry(id, field, value, call, seq) })
	c.retries[id] = r
}

func (c *Coordinator) retry(id, field string, value any, call RemoteCall, seq uint64) {
	c.mu.Lock()
	r := c.retries[id]
	if r == nil || r.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.retries, id)
	c.mu.Unlock()

	if o, ok := c.ledger.Get(id)[field]; !ok || fmt.Sprint(o.Value) != fmt.Sprint(value) {
		c.log.Debugw("override already reconciled, skipping retry", "id", id, "field", field)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ActionTimeout)
	defer cancel()
	err := call(ctx)
	if err == nil {
		metrics.UserActions.WithLabelValues(c.kind.Collection(), "retried").Inc()
		c.log.Infow("remote call succeeded on retry", "id", id, "field", field)
		c.confirmAction(id, seq)
		return
	}

	c.mu.Lock()
	if c.latest[id] != seq {
		c.mu.Unlock()
		return
	}
	c.outOfSync[id] = err.Error()
	c.mu.Unlock()

	metrics.UserActions.WithLabelValues(c.kind.Collection(), "out_of_sync").Inc()
	c.log.Errorw("entity out of sync", "id", id, "field", field, "value", value, "error", err)
	c.store.Touch(id)
	c.updateGauges()

	if c.alerter != nil {
		alert := queue.OutOfSyncAlert{
			Kind:     string(c.kind),
			EntityID: id,
			Field:    field,
			Value:    value,
			Reason:   err.Error(),
			RaisedAt: c.now().UTC(),
		}
		alertCtx, alertCancel := context.WithTimeout(context.Background(), c.cfg.ActionTimeout)
		defer alertCancel()
		if err := c.alerter.PublishOutOfSync(alertCtx, alert); err != nil {
			c.log.Warnw("out-of-sync alert not published", "id", id, "error", err)
		}
	}
}

func (c *Coordinator) clearOutOfSync(id string) {
	c.mu.Lock()
	delete(c.outOfSync, id)
	c.mu.Unlock()
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastError = err.Error()
	if !c.stale && c.failures >= c.cfg.StaleThreshold {
		c.stale = true
		c.log.Warnw("data may be stale", "consecutive_failures", c.failures)
	}
}

func (c *Coordinator) recordSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		c.log.Infow("refetch recovered", "after_failures", c.failures)
	}
	c.failures, c.stale, c.lastError = 0, false, ""
	c.lastSuccess = now
}

func (c *Coordinator) updateGauges() {
	collection := c.kind.Collection()
	metrics.Entities.WithLabelValues(collection).Set(float64(c.store.Len()))
	metrics.Overrides.WithLabelValues(collection).Set(float64(c.ledger.Count()))
	c.mu.Lock()
	n := len(c.outOfSync)
	c.mu.Unlock()
	metrics.OutOfSync.WithLabelValues(collection).Set(float64(n))
}

// Reconnect asks the push consumer to start over after it gave up.
func (c *Coordinator) Reconnect(_ context.Context) error {
	if c.push == nil {
		return errors.New("no push consumer configured")
	}
	return c.push.Reconnect()
}

// EffectiveStatus returns the displayed status of id at now.
func (c *Coordinator) EffectiveStatus(id string, now time.Time) (model.Status, error) {
	ent, ok := c.store.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s %s", model.ErrNotFound, c.kind, id)
	}
	return c.engine.EffectiveStatus(ent, now), nil
}

// Get returns the view of id at now.
func (c *Coordinator) Get(id string, now time.Time) (View, error) {
	ent, ok := c.store.Get(id)
	if !ok {
		return View{}, fmt.Errorf("%w: %s %s", model.ErrNotFound, c.kind, id)
	}
	c.mu.Lock()
	_, oos := c.outOfSync[id]
	c.mu.Unlock()
	return c.view(ent, now, oos), nil
}

// Snapshot returns the views of all entities at now, ordered by id.
func (c *Coordinator) Snapshot(now time.Time) []View {
	ents := c.store.Snapshot()
	c.mu.Lock()
	oos := make(map[string]bool, len(c.outOfSync))
	for id := range c.outOfSync {
		oos[id] = true
	}
	c.mu.Unlock()
	out := make([]View, 0, len(ents))
	for _, e := range ents {
		out = append(out, c.view(e, now, oos[e.ID]))
	}
	return out
}

func (c *Coordinator) view(ent model.Entity, now time.Time, outOfSync bool) View {
	v := View{
		Entity:          ent,
		EffectiveStatus: c.engine.EffectiveStatus(ent, now),
		OutOfSync:       outOfSync,
	}
	if fields := c.ledger.Fields(ent.ID); len(fields) > 0 {
		v.Overridden = fields
	}
	return v
}

// Status reports the pipeline health.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		Collection:          c.kind.Collection(),
		Running:             c.running,
		Stale:               c.stale,
		ConsecutiveFailures: c.failures,
		LastSuccess:         c.lastSuccess,
		LastError:           c.lastError,
		OutOfSync:           len(c.outOfSync),
	}
	c.mu.Unlock()
	s.Phase = c.phase.Current()
	s.Entities = c.store.Len()
	s.PendingOverrides = c.ledger.Count()
	s.LedgerDegraded = c.ledger.Degraded()
	if c.push != nil {
		s.PushState = c.push.State()
		s.LiveUpdatesUnavailable = c.push.Lost()
	}
	return s
}
