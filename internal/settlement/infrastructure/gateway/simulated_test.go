package gateway_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/gateway"
	"github.com/bookstore-platform/settlement-service/pkg/logging"
)

func attempt(orderID string, amount float64) domain.Attempt {
	return domain.Attempt{
		OrderID:       orderID,
		Amount:        decimal.NewFromFloat(amount),
		AttemptNumber: 1,
		StartedAt:     time.Now().UTC(),
	}
}

func TestAttempt_ForcedSuccess(t *testing.T) {
	g := gateway.NewSimulated(logging.New("error"), 1.0, time.Millisecond)

	res, err := g.Attempt(context.Background(), attempt("order-1", 100.00), domain.MethodCard, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, res.Status)
	require.True(t, strings.HasPrefix(res.PaymentID, "PAY-"))
	require.True(t, res.Amount.Equal(decimal.NewFromFloat(100.00)))
	require.Empty(t, res.Reason)
}

func TestAttempt_ForcedDecline(t *testing.T) {
	g := gateway.NewSimulated(logging.New("error"), 0.0, time.Millisecond)

	res, err := g.Attempt(context.Background(), attempt("order-2", 50.00), domain.MethodCard, nil)
	require.NoError(t, err, "a decline is a business outcome, not an error")
	require.Equal(t, domain.StatusFailed, res.Status)
	require.Equal(t, gateway.ReasonDeclined, res.Reason)
	require.Empty(t, res.PaymentID)
}

func TestAttempt_NonPositiveAmount(t *testing.T) {
	g := gateway.NewSimulated(logging.New("error"), 1.0, time.Millisecond)

	res, err := g.Attempt(context.Background(), attempt("order-3", 0), domain.MethodCard, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)
	require.Equal(t, gateway.ReasonInvalidAmount, res.Reason)
}

func TestAttempt_CancellationIsRetryable(t *testing.T) {
	g := gateway.NewSimulated(logging.New("error"), 1.0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Attempt(ctx, attempt("order-4", 10.00), domain.MethodCard, nil)
	require.Error(t, err)
	require.True(t, application.IsRetryable(err), "a timed-out gateway call must surface as retryable, never as a decline")
}
