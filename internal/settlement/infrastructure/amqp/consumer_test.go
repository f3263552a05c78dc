package amqp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/memory"
	"github.com/bookstore-platform/settlement-service/internal/settlement/metrics"
	"github.com/bookstore-platform/settlement-service/pkg/logging"
	"github.com/bookstore-platform/settlement-service/pkg/shutdown"
)

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type dlxRecorder struct {
	bodies  [][]byte
	headers []amqp.Table
}

func (d *dlxRecorder) PublishHeaders(_ context.Context, _, _ string, carried amqp.Table, body []byte) error {
	d.bodies = append(d.bodies, body)
	d.headers = append(d.headers, carried)
	return nil
}

type stubProcessor struct {
	fn func(a domain.Attempt) (domain.SettlementResult, error)
}

func (s stubProcessor) Attempt(_ context.Context, a domain.Attempt, _ domain.Method, _ map[string]string) (domain.SettlementResult, error) {
	return s.fn(a)
}

type discardPublisher struct{}

func (discardPublisher) PublishResult(context.Context, domain.SettlementResult) error { return nil }
func (discardPublisher) PublishNotification(context.Context, domain.Notification) error {
	return nil
}

func newTestConsumer(t *testing.T, proc application.Processor, maxRetries int) (*Consumer, *dlxRecorder, *metrics.Counters) {
	t.Helper()
	log := logging.New("error")
	met := &metrics.Counters{}
	dlx := &dlxRecorder{}
	svc := application.NewService(log, memory.New(), proc, discardPublisher{}, met, time.Minute)
	return &Consumer{
		log:        log,
		dlx:        dlx,
		svc:        svc,
		met:        met,
		group:      &shutdown.Group{},
		tracer:     otel.Tracer("test"),
		maxRetries: maxRetries,
		prefetch:   1,
	}, dlx, met
}

func delivery(ack *ackRecorder, body string, priorFailures int64) amqp.Delivery {
	headers := amqp.Table{}
	if priorFailures > 0 {
		headers["x-death"] = []interface{}{
			amqp.Table{"queue": QueueOrderCreated, "reason": "rejected", "count": priorFailures},
		}
	}
	return amqp.Delivery{
		Acknowledger: ack,
		Headers:      headers,
		Body:         []byte(body),
	}
}

func TestHandle_SuccessAcks(t *testing.T) {
	c, dlx, _ := newTestConsumer(t, stubProcessor{fn: func(a domain.Attempt) (domain.SettlementResult, error) {
		return domain.SettlementResult{OrderID: a.OrderID, PaymentID: "PAY-1", Status: domain.StatusSuccess, Amount: a.Amount}, nil
	}}, 3)

	ack := &ackRecorder{}
	c.handle(context.Background(), delivery(ack, `{"orderId":"order-1","userId":"u1","total":100.00}`, 0))

	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
	require.Empty(t, dlx.bodies)
}

func TestHandle_MalformedGoesStraightToDLQ(t *testing.T) {
	c, dlx, met := newTestConsumer(t, stubProcessor{fn: func(domain.Attempt) (domain.SettlementResult, error) {
		t.Fatal("processor must not run for malformed messages")
		return domain.SettlementResult{}, nil
	}}, 3)

	ack := &ackRecorder{}
	c.handle(context.Background(), delivery(ack, `{"not json`, 0))

	require.Equal(t, 1, ack.acks, "malformed messages are parked, not redelivered")
	require.Len(t, dlx.bodies, 1)
	require.Equal(t, int64(1), met.DeadLettered.Load())
}

func TestHandle_InfraErrorNacksWithinBudget(t *testing.T) {
	c, dlx, met := newTestConsumer(t, stubProcessor{fn: func(domain.Attempt) (domain.SettlementResult, error) {
		return domain.SettlementResult{}, &application.RetryableError{Op: "gateway", Err: errors.New("timeout")}
	}}, 3)

	ack := &ackRecorder{}
	c.handle(context.Background(), delivery(ack, `{"orderId":"order-4","userId":"u1","total":10.00}`, 0))

	require.Equal(t, 1, ack.nacks)
	require.False(t, ack.requeue, "redelivery goes through the retry queue, not an immediate requeue")
	require.Zero(t, ack.acks)
	require.Empty(t, dlx.bodies)
	require.Equal(t, int64(1), met.Retried.Load())
}

func TestHandle_RetriesExhaustedDeadLetters(t *testing.T) {
	c, dlx, met := newTestConsumer(t, stubProcessor{fn: func(domain.Attempt) (domain.SettlementResult, error) {
		return domain.SettlementResult{}, &application.RetryableError{Op: "gateway", Err: errors.New("timeout")}
	}}, 3)

	// Third delivery of the same message: two failed passes already recorded
	// by the broker.
	ack := &ackRecorder{}
	c.handle(context.Background(), delivery(ack, `{"orderId":"order-4","userId":"u1","total":10.00}`, 2))

	require.Equal(t, 1, ack.acks)
	require.Zero(t, ack.nacks)
	require.Len(t, dlx.bodies, 1)
	require.Equal(t, int64(1), met.DeadLettered.Load())

	// The parked copy keeps the broker's failure history.
	require.Len(t, dlx.headers, 1)
	deaths, ok := dlx.headers[0]["x-death"].([]interface{})
	require.True(t, ok, "x-death must survive the dead-letter publish")
	require.Len(t, deaths, 1)

	// No terminal record was written for the dead-lettered order.
	rec, err := c.svc.Status(context.Background(), "order-4")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
}
