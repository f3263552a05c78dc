package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// Consumers on the payments and notifications exchanges depend on these exact
// field names; amounts must be plain JSON numbers.
func TestPaymentSucceeded_WireShape(t *testing.T) {
	body, err := json.Marshal(PaymentSucceeded{
		OrderID:   "order-1",
		PaymentID: "PAY-1",
		Amount:    decimal.NewFromFloat(100.5),
		Status:    StatusSuccess,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	s := string(body)
	for _, field := range []string{`"orderId":"order-1"`, `"paymentId":"PAY-1"`, `"amount":100.5`, `"status":"SUCCESS"`} {
		if !strings.Contains(s, field) {
			t.Errorf("wire payload missing %s: %s", field, s)
		}
	}
}

func TestNotification_OmitsEmptyPaymentID(t *testing.T) {
	body, err := json.Marshal(Notification{
		Type:    "PAYMENT_FAILED",
		OrderID: "order-2",
		Message: "pago rechazado",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(body), "paymentId") {
		t.Errorf("empty paymentId must be omitted: %s", body)
	}
}

func TestOrderCreated_AcceptsProducerPayload(t *testing.T) {
	var event OrderCreated
	err := json.Unmarshal([]byte(`{"orderId":"order-1","userId":"user-9","total":100.00}`), &event)
	if err != nil {
		t.Fatal(err)
	}
	if event.OrderID != "order-1" || event.UserID != "user-9" {
		t.Errorf("unexpected event: %+v", event)
	}
	if !event.Total.Equal(decimal.NewFromInt(100)) {
		t.Errorf("total = %s, want 100", event.Total)
	}
}
