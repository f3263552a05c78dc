package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

// Store is the relational status store. Per-order atomicity comes from row
// locks: Begin takes the row FOR UPDATE inside one transaction, Complete is a
// single conditional UPDATE guarded on status='PENDING'.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Amounts are stored as text and parsed through decimal, keeping the schema
// free of driver-specific numeric codecs.
const schema = `
CREATE TABLE IF NOT EXISTS payments (
	order_id      text PRIMARY KEY,
	payment_id    text NOT NULL DEFAULT '',
	status        text NOT NULL,
	amount        text NOT NULL,
	reason        text NOT NULL DEFAULT '',
	attempt_count int  NOT NULL,
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	lease_until   timestamptz NOT NULL
)`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate payments: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context, orderID string, amount decimal.Decimal, lease time.Duration) (application.BeginResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return application.BeginResult{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO payments (order_id, status, amount, attempt_count, created_at, updated_at, lease_until)
		VALUES ($1, $2, $3, 1, $4, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, domain.StatusPending, amount.String(), now, now.Add(lease))
	if err != nil {
		return application.BeginResult{}, err
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return application.BeginResult{}, err
		}
		return application.BeginResult{
			Outcome: application.BeginClaimed,
			Record: domain.PaymentRecord{
				OrderID:      orderID,
				Status:       domain.StatusPending,
				Amount:       amount,
				AttemptCount: 1,
				CreatedAt:    now,
				UpdatedAt:    now,
				LeaseUntil:   now.Add(lease),
			},
		}, nil
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `
		SELECT order_id, payment_id, status, amount, reason, attempt_count, created_at, updated_at, lease_until
		FROM payments WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return application.BeginResult{}, err
	}

	if rec.Status.Terminal() {
		if err := tx.Commit(ctx); err != nil {
			return application.BeginResult{}, err
		}
		return application.BeginResult{Outcome: application.BeginDuplicateTerminal, Record: rec}, nil
	}
	if now.Before(rec.LeaseUntil) {
		if err := tx.Commit(ctx); err != nil {
			return application.BeginResult{}, err
		}
		return application.BeginResult{Outcome: application.BeginDuplicateInFlight, Record: rec}, nil
	}

	rec.AttemptCount++
	rec.LeaseUntil = now.Add(lease)
	rec.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		UPDATE payments SET attempt_count = $2, lease_until = $3, updated_at = $4
		WHERE order_id = $1`,
		orderID, rec.AttemptCount, rec.LeaseUntil, rec.UpdatedAt)
	if err != nil {
		return application.BeginResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return application.BeginResult{}, err
	}
	return application.BeginResult{Outcome: application.BeginClaimed, Record: rec}, nil
}

func (s *Store) Complete(ctx context.Context, orderID string, res domain.SettlementResult) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = $2, payment_id = $3, reason = $4, updated_at = $5
		WHERE order_id = $1 AND status = $6`,
		orderID, res.Status, res.PaymentID, res.Reason, time.Now().UTC(), domain.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Release(ctx context.Context, orderID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET lease_until = to_timestamp(0), updated_at = $2
		WHERE order_id = $1 AND status = $3`,
		orderID, time.Now().UTC(), domain.StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	// Either the record is already terminal or it never existed.
	if _, err := s.Get(ctx, orderID); err != nil {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, orderID string) (domain.PaymentRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		SELECT order_id, payment_id, status, amount, reason, attempt_count, created_at, updated_at, lease_until
		FROM payments WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PaymentRecord{}, application.ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	var amount string
	err := row.Scan(&rec.OrderID, &rec.PaymentID, &rec.Status, &amount, &rec.Reason,
		&rec.AttemptCount, &rec.CreatedAt, &rec.UpdatedAt, &rec.LeaseUntil)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record %s: bad amount %q", rec.OrderID, amount)
	}
	return rec, nil
}
