package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

type ackRecorder struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func (a *ackRecorder) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks), len(a.nacks)
}

type fakeChannel struct {
	msgs  chan amqp.Delivery
	binds []string
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }
func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}
func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	f.binds = append(f.binds, key)
	return nil
}
func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.msgs, nil
}
func (f *fakeChannel) Close() error { return nil }

type fakeConn struct{ ch *fakeChannel }

func (f *fakeConn) Channel() (channel, error)                       { return f.ch, nil }
func (f *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error { return r }
func (f *fakeConn) Close() error                                    { return nil }

func testConfig(attempts int) ConsumerConfig {
	return ConsumerConfig{
		URL:               "amqp://test",
		Exchange:          "entity_events",
		RoutingKeys:       []string{RoutingKeyOrderChanged, RoutingKeyBookingChanged},
		ReconnectAttempts: attempts,
		ReconnectDelay:    time.Millisecond,
	}
}

func TestConsumerGivesUpAfterBudget(t *testing.T) {
	c := NewConsumer(testConfig(3), func(context.Context, string, []byte) error { return nil }, nil)
	var dials int
	c.dial = func(string) (connection, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPushChannelLost)
	assert.Equal(t, 3, dials)
	assert.True(t, c.Lost())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerAcksAndRejects(t *testing.T) {
	fc := &fakeChannel{msgs: make(chan amqp.Delivery)}
	var got []string
	var mu sync.Mutex
	handler := func(_ context.Context, key string, body []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, key)
		if string(body) == "bad" {
			return model.ErrInvalidEvent
		}
		return nil
	}
	c := NewConsumer(testConfig(1), handler, nil)
	c.dial = func(string) (connection, error) { return &fakeConn{ch: fc}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rec := &ackRecorder{}
	fc.msgs <- amqp.Delivery{Acknowledger: rec, DeliveryTag: 1, RoutingKey: RoutingKeyOrderChanged, Body: []byte("{}")}
	fc.msgs <- amqp.Delivery{Acknowledger: rec, DeliveryTag: 2, RoutingKey: RoutingKeyBookingChanged, Body: []byte("bad")}

	assert.Eventually(t, func() bool {
		a, n := rec.counts()
		return a == 1 && n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []string{RoutingKeyOrderChanged, RoutingKeyBookingChanged}, fc.binds)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Lost())
}

func TestConsumerReconnectsAfterDrop(t *testing.T) {
	first := &fakeChannel{msgs: make(chan amqp.Delivery)}
	second := &fakeChannel{msgs: make(chan amqp.Delivery)}
	var mu sync.Mutex
	dials := 0
	c := NewConsumer(testConfig(2), func(context.Context, string, []byte) error { return nil }, nil)
	c.dial = func(string) (connection, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return &fakeConn{ch: first}, nil
		}
		return &fakeConn{ch: second}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	assert.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	close(first.msgs)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerReconnectAfterLoss(t *testing.T) {
	var mu sync.Mutex
	fail := true
	fc := &fakeChannel{msgs: make(chan amqp.Delivery)}
	c := NewConsumer(testConfig(2), func(context.Context, string, []byte) error { return nil }, nil)
	c.dial = func(string) (connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("no route to host")
		}
		return &fakeConn{ch: fc}, nil
	}

	assert.Error(t, c.Reconnect())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	assert.Eventually(t, c.Lost, time.Second, 5*time.Millisecond)

	mu.Lock()
	fail = false
	mu.Unlock()
	// wait for the first run to release its slot
	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.running
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Reconnect())
	assert.False(t, c.Lost())
	assert.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, 5*time.Millisecond)
	c.Stop()
}

func TestMuxRejectsUnknownKey(t *testing.T) {
	m := Mux{RoutingKeyOrderChanged: func(context.Context, string, []byte) error { return nil }}
	assert.NoError(t, m.Handle(context.Background(), RoutingKeyOrderChanged, nil))
	assert.ErrorIs(t, m.Handle(context.Background(), "menu.changed", nil), model.ErrInvalidEvent)
}
