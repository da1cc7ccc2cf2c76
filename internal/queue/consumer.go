package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/metrics"
	"github.com/iliyamo/restaurant-sync/internal/model"
)

// Connection states of the consumer.
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
)

const (
	evDial        = "dial"
	evEstablished = "established"
	evDrop        = "drop"
)

// Handler processes one delivery.  Returning an error wrapping
// model.ErrInvalidEvent rejects the message without requeue; any other
// error is logged and the message is rejected too, to avoid tight
// redelivery loops.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Mux dispatches deliveries by routing key.
type Mux map[string]Handler

// Handle implements Handler.
func (m Mux) Handle(ctx context.Context, routingKey string, body []byte) error {
	h, ok := m[routingKey]
	if !ok {
		return fmt.Errorf("%w: unexpected routing key %q", model.ErrInvalidEvent, routingKey)
	}
	return h(ctx, routingKey, body)
}

// ConsumerConfig configures the change stream consumer.
type ConsumerConfig struct {
	URL               string
	Exchange          string
	RoutingKeys       []string
	Prefetch          int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// channel is the subset of *amqp.Channel the consumer uses.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// connection is the subset of *amqp.Connection the consumer uses.
type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (channel, error) { return c.Connection.Channel() }

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Consumer listens to the entity change stream on an exclusive queue
// bound to the configured routing keys.  A dropped connection is
// re-established with a fixed delay for at most ReconnectAttempts
// attempts; once that budget is spent the consumer stops, Lost reports
// true and live updates stay unavailable until Reconnect is called.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	log     *zap.SugaredLogger
	dial    func(url string) (connection, error)
	queue   string

	machine *fsm.FSM
	lost    atomic.Bool

	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewConsumer returns a consumer delivering messages to handler.
func NewConsumer(cfg ConsumerConfig, handler Handler, log *zap.SugaredLogger) *Consumer {
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		log:     log,
		dial:    dialAMQP,
		queue:   "sync-viewer-" + uuid.NewString(),
		machine: fsm.NewFSM(StateDisconnected, fsm.Events{
			{Name: evDial, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: evEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: evDrop, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
		}, fsm.Callbacks{}),
	}
}

// State returns the connection state.
func (c *Consumer) State() string { return c.machine.Current() }

// Lost reports whether the reconnect budget has been exhausted.
func (c *Consumer) Lost() bool { return c.lost.Load() }

func (c *Consumer) fire(ev string) {
	if err := c.machine.Event(context.Background(), ev); err != nil {
		c.log.Debugw("connection state unchanged", "event", ev, "state", c.machine.Current(), "error", err)
	}
	if c.machine.Current() == StateConnected {
		metrics.PushConnected.Set(1)
	} else {
		metrics.PushConnected.Set(0)
	}
}

// Start runs the consumer in the background until ctx is cancelled or the
// reconnect budget is exhausted.  Calling Start on a running consumer is a
// no-op.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	if c.base == nil {
		c.base = ctx
	}
	runCtx, cancel := context.WithCancel(c.base)
	done := make(chan struct{})
	c.cancel, c.done, c.running = cancel, done, true

	go func() {
		defer close(done)
		err := c.Run(runCtx)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		if errors.Is(err, model.ErrPushChannelLost) {
			c.log.Errorw("live updates unavailable, relying on polling", "error", err)
		}
	}()
}

// Reconnect restarts a consumer that gave up.  It clears the lost flag
// and starts a fresh reconnect budget.
func (c *Consumer) Reconnect() error {
	c.mu.Lock()
	base, done := c.base, c.done
	c.mu.Unlock()
	if base == nil {
		return errors.New("consumer was never started")
	}
	if c.lost.Load() && done != nil {
		// the run that gave up is still unwinding
		<-done
	}
	c.lost.Store(false)
	c.Start(base)
	return nil
}

// Stop cancels the background consumer and waits for it to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run connects and consumes until ctx is cancelled.  It returns an error
// wrapping model.ErrPushChannelLost when the broker could not be reached
// within the reconnect budget, or ctx.Err() on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		c.fire(evDial)
		var conn connection
		op := func() error {
			var err error
			conn, err = c.dial(c.cfg.URL)
			return err
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), uint64(c.cfg.ReconnectAttempts-1)),
			ctx,
		)
		notify := func(err error, wait time.Duration) {
			c.log.Warnw("broker dial failed, retrying", "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(op, policy, notify); err != nil {
			c.fire(evDrop)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.lost.Store(true)
			return fmt.Errorf("%w: %d attempts: %v", model.ErrPushChannelLost, c.cfg.ReconnectAttempts, err)
		}

		c.fire(evEstablished)
		c.log.Infow("push consumer connected", "queue", c.queue, "exchange", c.cfg.Exchange)
		err := c.consume(ctx, conn)
		_ = conn.Close()
		c.fire(evDrop)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnw("push consumer lost connection, reconnecting", "error", err)
	}
}

func (c *Consumer) consume(ctx context.Context, conn connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		c.log.Warnw("set QoS failed", "error", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	// exclusive and auto-deleted: every viewer instance sees every event
	q, err := ch.QueueDeclare(c.queue, false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", key, err)
		}
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.handler(ctx, d.RoutingKey, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, model.ErrInvalidEvent):
		c.log.Warnw("rejecting malformed event", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
	default:
		c.log.Errorw("handle event failed", "routing_key", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
	}
}
