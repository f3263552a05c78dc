package gateway

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

const (
	ReasonDeclined      = "Fondos insuficientes"
	ReasonInvalidAmount = "Monto inválido"
)

// Simulated stands in for a real card/PSE gateway: configurable success
// probability and latency. Cancellation during the simulated call surfaces
// as a retryable error, the same way a gateway timeout would.
type Simulated struct {
	log         *slog.Logger
	successRate float64
	delay       time.Duration
}

func NewSimulated(log *slog.Logger, successRate float64, delay time.Duration) *Simulated {
	return &Simulated{log: log, successRate: successRate, delay: delay}
}

func (g *Simulated) Attempt(ctx context.Context, a domain.Attempt, method domain.Method, credentials map[string]string) (domain.SettlementResult, error) {
	now := time.Now().UTC()

	// A non-positive amount is a business decline, not an infrastructure
	// error: retrying cannot make it valid.
	if !a.Amount.IsPositive() {
		return domain.SettlementResult{
			OrderID:   a.OrderID,
			Status:    domain.StatusFailed,
			Amount:    a.Amount,
			Reason:    ReasonInvalidAmount,
			Timestamp: now,
		}, nil
	}

	select {
	case <-ctx.Done():
		return domain.SettlementResult{}, &application.RetryableError{Op: "gateway " + string(method), Err: ctx.Err()}
	case <-time.After(g.delay):
	}

	if rand.Float64() < g.successRate {
		return domain.SettlementResult{
			OrderID:   a.OrderID,
			PaymentID: "PAY-" + uuid.NewString(),
			Status:    domain.StatusSuccess,
			Amount:    a.Amount,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	return domain.SettlementResult{
		OrderID:   a.OrderID,
		Status:    domain.StatusFailed,
		Amount:    a.Amount,
		Reason:    ReasonDeclined,
		Timestamp: time.Now().UTC(),
	}, nil
}
