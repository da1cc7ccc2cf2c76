// Package queue_publisher publishes out-of-sync alerts to RabbitMQ for
// management consumers.  Errors are logged and returned so that callers
// can ignore failures without interrupting the synchronization flow.
package queue_publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	q "github.com/iliyamo/restaurant-sync/internal/queue"
)

// DefaultAlertQueue is used when no queue name is configured.
const DefaultAlertQueue = "sync.out_of_sync"

// AlertPublisher dials the broker for every alert it publishes.
type AlertPublisher struct {
	url   string
	queue string
	log   *zap.SugaredLogger
}

// NewAlertPublisher returns a publisher for the given broker URL and
// queue name.
func NewAlertPublisher(url, queue string, log *zap.SugaredLogger) *AlertPublisher {
	if queue == "" {
		queue = DefaultAlertQueue
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AlertPublisher{url: url, queue: queue, log: log}
}

// PublishOutOfSync publishes alert to the alert queue.  An empty AlertID
// or RaisedAt is filled in.  Messages are marked as persistent.
func (p *AlertPublisher) PublishOutOfSync(ctx context.Context, alert q.OutOfSyncAlert) error {
	if alert.AlertID == "" {
		alert.AlertID = uuid.NewString()
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warnw("rabbitmq: dial failed", "error", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warnw("rabbitmq: channel open failed", "error", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so alerts survive broker restarts.
	if _, err := ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		p.log.Warnw("rabbitmq: queue declare failed", "queue", p.queue, "error", err)
		return err
	}

	body, err := json.Marshal(alert)
	if err != nil {
		p.log.Warnw("rabbitmq: marshal alert failed", "error", err)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    alert.AlertID,
		Timestamp:    alert.RaisedAt,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.log.Warnw("rabbitmq: publish failed", "queue", p.queue, "error", err)
		return err
	}
	return nil
}
