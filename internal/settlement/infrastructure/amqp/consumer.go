package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
	"github.com/bookstore-platform/settlement-service/internal/settlement/metrics"
	"github.com/bookstore-platform/settlement-service/pkg/shutdown"
	"github.com/bookstore-platform/settlement-service/pkg/tracing"
)

const consumerTag = "settlement-worker"

var errDeliveriesClosed = errors.New("delivery channel closed")

// headerSender re-publishes a delivery without stripping its broker headers.
type headerSender interface {
	PublishHeaders(ctx context.Context, exchange, key string, carried amqp.Table, body []byte) error
}

// Consumer is the long-lived consumption loop over the order.created queue.
// Each delivery is dispatched to its own goroutine so one slow payment never
// blocks unrelated orders; Qos prefetch bounds the in-flight count.
type Consumer struct {
	log        *slog.Logger
	broker     *Broker
	dlx        headerSender
	svc        *application.Service
	met        *metrics.Counters
	group      *shutdown.Group
	tracer     trace.Tracer
	maxRetries int
	prefetch   int
}

func NewConsumer(log *slog.Logger, broker *Broker, svc *application.Service, met *metrics.Counters, group *shutdown.Group, maxRetries, prefetch int) *Consumer {
	return &Consumer{
		log:        log,
		broker:     broker,
		dlx:        broker,
		svc:        svc,
		met:        met,
		group:      group,
		tracer:     otel.Tracer("settlement-consumer"),
		maxRetries: maxRetries,
		prefetch:   prefetch,
	}
}

// Run consumes until ctx is cancelled, then stops accepting deliveries.
// In-flight handlers are tracked in the shared shutdown group; the caller
// drains it before closing the broker.
func (c *Consumer) Run(ctx context.Context) error {
	ch := c.broker.consumeCh
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(QueueOrderCreated, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("consuming", "queue", QueueOrderCreated, "prefetch", c.prefetch)

	// Shutdown stops the dispatch loop but lets in-flight attempts run to
	// completion; the drain happens in the shared group.
	base := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.group.Go(func() {
				c.handle(base, d)
			})
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx := tracing.ExtractAMQPHeaders(ctx, d.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeOrderCreated")
	defer span.End()

	var event domain.OrderCreated
	if err := json.Unmarshal(d.Body, &event); err != nil || event.OrderID == "" {
		// Retrying cannot fix a schema violation: park it immediately.
		c.log.Error("malformed order message, dead-lettering", "err", err)
		c.deadLetter(msgCtx, d)
		return
	}

	_, err := c.svc.Settle(msgCtx, event.OrderID, event.Total)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	failures := deathCount(d.Headers, QueueOrderCreated) + 1
	if failures >= int64(c.maxRetries) {
		c.log.Error("retries exhausted, dead-lettering",
			"order_id", event.OrderID, "failures", failures, "err", err)
		c.deadLetter(msgCtx, d)
		return
	}

	c.met.Retried.Add(1)
	c.log.Warn("settlement failed, scheduling redelivery",
		"order_id", event.OrderID, "failures", failures, "err", err)
	_ = d.Nack(false, false)
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery) {
	// Carry the original headers so the parked copy keeps its x-death trail.
	if err := c.dlx.PublishHeaders(ctx, ExchangeDLX, KeyOrderCreated, d.Headers, d.Body); err != nil {
		// Keep the message in the broker rather than lose it: reject into the
		// retry cycle and park it on a later pass.
		c.log.Error("dead-letter publish failed", "err", err)
		_ = d.Nack(false, false)
		return
	}
	c.met.DeadLettered.Add(1)
	_ = d.Ack(false)
}
