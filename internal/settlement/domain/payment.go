package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Method string

const (
	MethodCard Method = "card"
	MethodPSE  Method = "pse"
)

// PaymentRecord is the persisted settlement state for one order. OrderID is
// the idempotency key: once Status is terminal the record is immutable.
// LeaseUntil fences concurrent redeliveries of the same order while an
// attempt is in flight.
type PaymentRecord struct {
	OrderID      string
	PaymentID    string
	Status       Status
	Amount       decimal.Decimal
	Reason       string
	AttemptCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LeaseUntil   time.Time
}

// Attempt is the ephemeral value passed to the processor. It is never
// persisted beyond the call.
type Attempt struct {
	OrderID       string
	Amount        decimal.Decimal
	AttemptNumber int
	StartedAt     time.Time
}

// SettlementResult is the authoritative outcome of one settlement attempt.
// Processors return SUCCESS or FAILED only; PENDING exists solely as the
// worker-side state before the processor returns.
type SettlementResult struct {
	OrderID   string
	PaymentID string
	Status    Status
	Amount    decimal.Decimal
	Reason    string
	Timestamp time.Time
}
