package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

// BeginOutcome classifies the result of claiming an order for processing.
type BeginOutcome int

const (
	// BeginClaimed means the caller holds the claim and must run an attempt.
	BeginClaimed BeginOutcome = iota
	// BeginDuplicateTerminal means a terminal record already exists.
	BeginDuplicateTerminal
	// BeginDuplicateInFlight means another delivery holds a live lease.
	BeginDuplicateInFlight
)

type BeginResult struct {
	Outcome BeginOutcome
	Record  domain.PaymentRecord
}

// StatusStore is the idempotency and status store. Begin and Complete must be
// atomic per orderID: concurrent redeliveries of the same order race on the
// record, and the store is the only thing serializing them.
type StatusStore interface {
	// Begin claims orderID for one settlement attempt. It creates a PENDING
	// record on first sight, reclaims a PENDING record whose lease expired
	// (incrementing the attempt count), and refuses the claim when the record
	// is terminal or another claim is live.
	Begin(ctx context.Context, orderID string, amount decimal.Decimal, lease time.Duration) (BeginResult, error)

	// Complete writes the terminal result, only while the record is still
	// PENDING. Returns false when the record was already terminal.
	Complete(ctx context.Context, orderID string, res domain.SettlementResult) (bool, error)

	// Release drops the claim lease of a PENDING record after a failed
	// attempt, so the broker's redelivery can reclaim it without waiting
	// out the lease. Terminal records are left untouched.
	Release(ctx context.Context, orderID string) error

	// Get returns the record for orderID, or ErrNotFound.
	Get(ctx context.Context, orderID string) (domain.PaymentRecord, error)
}

// Processor executes one payment attempt. A non-nil error is always a
// retryable infrastructure error; a declined payment comes back as a FAILED
// result with a reason, never as an error. Credentials are opaque and must
// not be logged or persisted.
type Processor interface {
	Attempt(ctx context.Context, a domain.Attempt, method domain.Method, credentials map[string]string) (domain.SettlementResult, error)
}

// Publisher emits settlement outcomes and notifications. Formatting only, no
// decisions.
type Publisher interface {
	PublishResult(ctx context.Context, res domain.SettlementResult) error
	PublishNotification(ctx context.Context, n domain.Notification) error
}
