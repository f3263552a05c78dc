package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

// Sender is the publish primitive the Publisher formats onto.
type Sender interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// Publisher turns settlement results into their wire shapes. No decision
// logic lives here.
type Publisher struct {
	log    *slog.Logger
	sender Sender
}

func NewPublisher(log *slog.Logger, sender Sender) *Publisher {
	return &Publisher{log: log, sender: sender}
}

func (p *Publisher) PublishResult(ctx context.Context, res domain.SettlementResult) error {
	var (
		key  string
		body []byte
		err  error
	)
	switch res.Status {
	case domain.StatusSuccess:
		key = KeyPaymentSuccess
		body, err = json.Marshal(domain.PaymentSucceeded{
			OrderID:   res.OrderID,
			PaymentID: res.PaymentID,
			Amount:    res.Amount,
			Status:    res.Status,
			Timestamp: res.Timestamp,
		})
	case domain.StatusFailed:
		key = KeyPaymentFailed
		body, err = json.Marshal(domain.PaymentFailed{
			OrderID:   res.OrderID,
			Status:    res.Status,
			Reason:    res.Reason,
			Timestamp: res.Timestamp,
		})
	default:
		return fmt.Errorf("non-terminal result for order %s", res.OrderID)
	}
	if err != nil {
		return err
	}

	if err := p.sender.Publish(ctx, ExchangePayments, key, body); err != nil {
		return err
	}
	p.log.Info("payment event published", "order_id", res.OrderID, "routing_key", key)
	return nil
}

func (p *Publisher) PublishNotification(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	// Fanout exchange, routing key intentionally empty.
	return p.sender.Publish(ctx, ExchangeNotifications, "", body)
}
