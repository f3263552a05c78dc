package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

// Store is a mutex-guarded in-memory status store. Default for local runs
// and tests; the atomicity contract is the same one the Redis and Postgres
// stores satisfy.
type Store struct {
	mu   sync.Mutex
	recs map[string]*domain.PaymentRecord
	now  func() time.Time
}

func New() *Store {
	return &Store{
		recs: make(map[string]*domain.PaymentRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Begin(_ context.Context, orderID string, amount decimal.Decimal, lease time.Duration) (application.BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.recs[orderID]
	if !ok {
		rec = &domain.PaymentRecord{
			OrderID:      orderID,
			Status:       domain.StatusPending,
			Amount:       amount,
			AttemptCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
			LeaseUntil:   now.Add(lease),
		}
		s.recs[orderID] = rec
		return application.BeginResult{Outcome: application.BeginClaimed, Record: *rec}, nil
	}
	if rec.Status.Terminal() {
		return application.BeginResult{Outcome: application.BeginDuplicateTerminal, Record: *rec}, nil
	}
	if now.Before(rec.LeaseUntil) {
		return application.BeginResult{Outcome: application.BeginDuplicateInFlight, Record: *rec}, nil
	}
	// Expired lease: the previous attempt crashed mid-flight. Reclaim.
	rec.AttemptCount++
	rec.LeaseUntil = now.Add(lease)
	rec.UpdatedAt = now
	return application.BeginResult{Outcome: application.BeginClaimed, Record: *rec}, nil
}

func (s *Store) Complete(_ context.Context, orderID string, res domain.SettlementResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[orderID]
	if !ok {
		return false, application.ErrNotFound
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	rec.Status = res.Status
	rec.PaymentID = res.PaymentID
	rec.Reason = res.Reason
	rec.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) Release(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[orderID]
	if !ok {
		return application.ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.LeaseUntil = time.Time{}
	rec.UpdatedAt = s.now()
	return nil
}

func (s *Store) Get(_ context.Context, orderID string) (domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[orderID]
	if !ok {
		return domain.PaymentRecord{}, application.ErrNotFound
	}
	return *rec, nil
}
