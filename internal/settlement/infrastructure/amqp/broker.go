package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bookstore-platform/settlement-service/pkg/backoff"
	"github.com/bookstore-platform/settlement-service/pkg/tracing"
)

const (
	ExchangeOrders        = "orders"
	ExchangePayments      = "payments"
	ExchangeNotifications = "notifications"
	ExchangeRetry         = "settlements.retry"
	ExchangeDLX           = "settlements.dlx"

	KeyOrderCreated   = "order.created"
	KeyPaymentSuccess = "payment.success"
	KeyPaymentFailed  = "payment.failed"

	QueueOrderCreated = "payment.order.created"
	QueueRetry        = "payment.order.created.retry"
	DefaultQueueDLQ   = "payment.order.created.dlq"
)

// Broker owns the single live connection to RabbitMQ. Consuming and
// publishing use separate channels; publishes are serialized with a mutex
// since deliveries are handled concurrently.
type Broker struct {
	log *slog.Logger

	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	pubMu     sync.Mutex
}

// Dial connects with exponential backoff until ctx is cancelled. It never
// gives up on its own: broker absence at startup is a transient condition.
func Dial(ctx context.Context, log *slog.Logger, url string, bo backoff.Exponential) (*Broker, error) {
	for attempt := 0; ; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			b := &Broker{log: log, conn: conn}
			if b.consumeCh, err = conn.Channel(); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open consume channel: %w", err)
			}
			if b.publishCh, err = conn.Channel(); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open publish channel: %w", err)
			}
			log.Info("broker connected", "attempts", attempt+1)
			return b, nil
		}

		delay := bo.Delay(attempt)
		log.Warn("broker dial failed, retrying", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// NotifyClose signals when the underlying connection dies, so the process can
// exit and let the supervisor restart it with full topology re-declaration.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// DeclareTopology declares every exchange, queue and binding the worker
// relies on. All declarations are durable and idempotent, safe on every
// startup. The retry cycle: a rejected delivery dead-letters from the work
// queue into the retry queue, sits there for retryDelay, then dead-letters
// back into the orders exchange and re-enters the work queue with its x-death
// count incremented.
func (b *Broker) DeclareTopology(retryDelay time.Duration, dlqName string) error {
	ch := b.consumeCh

	exchanges := []struct{ name, kind string }{
		{ExchangeOrders, "topic"},
		{ExchangePayments, "topic"},
		{ExchangeNotifications, "fanout"},
		{ExchangeRetry, "direct"},
		{ExchangeDLX, "direct"},
	}
	for _, e := range exchanges {
		if err := ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.name, err)
		}
	}

	if _, err := ch.QueueDeclare(QueueOrderCreated, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    ExchangeRetry,
		"x-dead-letter-routing-key": KeyOrderCreated,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueOrderCreated, err)
	}
	if _, err := ch.QueueDeclare(QueueRetry, true, false, false, false, amqp.Table{
		"x-message-ttl":             retryDelay.Milliseconds(),
		"x-dead-letter-exchange":    ExchangeOrders,
		"x-dead-letter-routing-key": KeyOrderCreated,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueRetry, err)
	}
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlqName, err)
	}

	bindings := []struct{ queue, key, exchange string }{
		{QueueOrderCreated, KeyOrderCreated, ExchangeOrders},
		{QueueRetry, KeyOrderCreated, ExchangeRetry},
		{dlqName, KeyOrderCreated, ExchangeDLX},
	}
	for _, bd := range bindings {
		if err := ch.QueueBind(bd.queue, bd.key, bd.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", bd.queue, bd.exchange, err)
		}
	}
	return nil
}

// Publish sends one persistent JSON message. Errors surface to the caller;
// nothing is dropped silently.
func (b *Broker) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return b.PublishHeaders(ctx, exchange, key, nil, body)
}

// PublishHeaders is Publish with caller-supplied headers carried along, used
// when re-publishing a delivery whose x-death history must survive. The
// caller's table is copied, not mutated.
func (b *Broker) PublishHeaders(ctx context.Context, exchange, key string, carried amqp.Table, body []byte) error {
	headers := amqp.Table{}
	for k, v := range carried {
		headers[k] = v
	}
	tracing.InjectAMQPHeaders(ctx, headers)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err := b.publishCh.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

func (b *Broker) Close() error {
	if err := b.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// deathCount returns how many times the delivery already dead-lettered out of
// queue, i.e. how many failed attempts preceded this one.
func deathCount(headers amqp.Table, queue string) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := entry["queue"].(string); q != queue {
			continue
		}
		if n, ok := entry["count"].(int64); ok {
			return n
		}
	}
	return 0
}
