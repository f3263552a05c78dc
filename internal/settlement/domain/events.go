package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amounts travel as plain JSON numbers, matching the order-service producer.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// OrderCreated is the inbound event on the orders exchange, routing key
// order.created.
type OrderCreated struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// PaymentSucceeded is published on the payments exchange, routing key
// payment.success.
type PaymentSucceeded struct {
	OrderID   string          `json:"orderId"`
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// PaymentFailed is published on the payments exchange, routing key
// payment.failed.
type PaymentFailed struct {
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification fans out on the notifications exchange. Fire and forget.
type Notification struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
	Message   string `json:"message"`
}

const NotificationPaymentSuccess = "PAYMENT_SUCCESS"
