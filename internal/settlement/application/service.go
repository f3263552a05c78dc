package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
	"github.com/bookstore-platform/settlement-service/internal/settlement/metrics"
)

// Service drives one order through the settlement state machine:
// UNSEEN -> PENDING -> SUCCESS | FAILED. The terminal transition happens at
// most once per order; the store's claim semantics absorb broker
// redeliveries.
type Service struct {
	log   *slog.Logger
	store StatusStore
	proc  Processor
	pub   Publisher
	met   *metrics.Counters
	lease time.Duration
}

func NewService(log *slog.Logger, store StatusStore, proc Processor, pub Publisher, met *metrics.Counters, lease time.Duration) *Service {
	return &Service{
		log:   log,
		store: store,
		proc:  proc,
		pub:   pub,
		met:   met,
		lease: lease,
	}
}

// Settle processes one order.created delivery. A nil error means the delivery
// is done and must be acked, including the duplicate cases. A non-nil error
// is always retryable: no terminal state was written and the broker should
// redeliver.
func (s *Service) Settle(ctx context.Context, orderID string, amount decimal.Decimal) (domain.SettlementResult, error) {
	begin, err := s.store.Begin(ctx, orderID, amount, s.lease)
	if err != nil {
		return domain.SettlementResult{}, &RetryableError{Op: "claim order " + orderID, Err: err}
	}

	switch begin.Outcome {
	case BeginDuplicateTerminal:
		s.met.Duplicates.Add(1)
		s.log.Info("duplicate delivery absorbed", "order_id", orderID, "status", begin.Record.Status)
		return resultFromRecord(begin.Record), nil
	case BeginDuplicateInFlight:
		s.met.Duplicates.Add(1)
		s.log.Info("settlement already in flight", "order_id", orderID)
		return domain.SettlementResult{OrderID: orderID, Status: domain.StatusPending}, nil
	}

	attempt := domain.Attempt{
		OrderID:       orderID,
		Amount:        amount,
		AttemptNumber: begin.Record.AttemptCount,
		StartedAt:     time.Now().UTC(),
	}
	s.met.Processed.Add(1)
	s.log.Info("processing payment", "order_id", orderID, "amount", amount, "attempt", attempt.AttemptNumber)

	res, err := s.proc.Attempt(ctx, attempt, domain.MethodCard, nil)
	if err != nil {
		// Drop the claim before handing the delivery back to the broker.
		// The redelivery arrives before the lease would expire, and a live
		// lease would make Begin absorb it as an in-flight duplicate.
		relCtx := context.WithoutCancel(ctx)
		if relErr := s.store.Release(relCtx, orderID); relErr != nil {
			s.log.Error("claim release failed", "order_id", orderID, "err", relErr)
		}
		return domain.SettlementResult{}, fmt.Errorf("process order %s: %w", orderID, err)
	}

	applied, err := s.store.Complete(ctx, orderID, res)
	if err != nil {
		return domain.SettlementResult{}, &RetryableError{Op: "persist result for " + orderID, Err: err}
	}
	if !applied {
		// A concurrent worker already wrote the terminal state and published.
		s.met.Duplicates.Add(1)
		s.log.Info("terminal state already written, skipping publish", "order_id", orderID)
		return res, nil
	}

	s.publish(ctx, res)
	return res, nil
}

// Status serves the read-only query path. It never triggers processing.
func (s *Service) Status(ctx context.Context, orderID string) (domain.PaymentRecord, error) {
	return s.store.Get(ctx, orderID)
}

// publish runs only after the store write is durable. Ordering across store
// and broker is best effort: a publish failure is logged loudly but does not
// fail the delivery, since the terminal record already exists and a
// redelivery would be absorbed without republishing.
func (s *Service) publish(ctx context.Context, res domain.SettlementResult) {
	switch res.Status {
	case domain.StatusSuccess:
		s.met.Succeeded.Add(1)
		if err := s.pub.PublishResult(ctx, res); err != nil {
			s.log.Error("payment.success publish failed", "order_id", res.OrderID, "err", err)
			return
		}
		n := domain.Notification{
			Type:      domain.NotificationPaymentSuccess,
			OrderID:   res.OrderID,
			PaymentID: res.PaymentID,
			Message:   fmt.Sprintf("Pago de $%s procesado exitosamente", res.Amount.StringFixed(2)),
		}
		if err := s.pub.PublishNotification(ctx, n); err != nil {
			s.log.Error("notification publish failed", "order_id", res.OrderID, "err", err)
		}
	case domain.StatusFailed:
		s.met.Failed.Add(1)
		s.log.Info("payment declined", "order_id", res.OrderID, "reason", res.Reason)
		if err := s.pub.PublishResult(ctx, res); err != nil {
			s.log.Error("payment.failed publish failed", "order_id", res.OrderID, "err", err)
		}
	}
}

func resultFromRecord(rec domain.PaymentRecord) domain.SettlementResult {
	return domain.SettlementResult{
		OrderID:   rec.OrderID,
		PaymentID: rec.PaymentID,
		Status:    rec.Status,
		Amount:    rec.Amount,
		Reason:    rec.Reason,
		Timestamp: rec.UpdatedAt,
	}
}
