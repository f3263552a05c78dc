package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
)

// Store keeps one hash per order under payment:<orderID>. The claim and the
// terminal write run as Lua scripts, so every read-modify-write is atomic on
// the server regardless of how many workers race on the same order.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

var beginScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local status = redis.call('HGET', key, 'status')
if not status then
  redis.call('HSET', key,
    'status', 'PENDING',
    'amount', ARGV[3],
    'attempt_count', 1,
    'created_at', ARGV[4],
    'updated_at', ARGV[4],
    'lease_until', now + lease)
  return 'CLAIMED'
end
if status == 'SUCCESS' or status == 'FAILED' then
  return 'TERMINAL'
end
local lease_until = tonumber(redis.call('HGET', key, 'lease_until') or '0')
if now < lease_until then
  return 'INFLIGHT'
end
redis.call('HINCRBY', key, 'attempt_count', 1)
redis.call('HSET', key, 'lease_until', now + lease, 'updated_at', ARGV[4])
return 'CLAIMED'
`)

var completeScript = redis.NewScript(`
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if status == 'SUCCESS' or status == 'FAILED' then
  return 0
end
if not status then
  return -1
end
redis.call('HSET', key,
  'status', ARGV[1],
  'payment_id', ARGV[2],
  'reason', ARGV[3],
  'updated_at', ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
if not status then
  return -1
end
if status == 'SUCCESS' or status == 'FAILED' then
  return 0
end
redis.call('HSET', key, 'lease_until', 0, 'updated_at', ARGV[1])
return 1
`)

func key(orderID string) string {
	return "payment:" + orderID
}

func (s *Store) Begin(ctx context.Context, orderID string, amount decimal.Decimal, lease time.Duration) (application.BeginResult, error) {
	now := time.Now().UTC()
	outcome, err := beginScript.Run(ctx, s.rdb, []string{key(orderID)},
		now.UnixMilli(),
		lease.Milliseconds(),
		amount.String(),
		now.Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return application.BeginResult{}, fmt.Errorf("begin %s: %w", orderID, err)
	}

	rec, err := s.Get(ctx, orderID)
	if err != nil {
		return application.BeginResult{}, err
	}

	res := application.BeginResult{Record: rec}
	switch outcome {
	case "CLAIMED":
		res.Outcome = application.BeginClaimed
	case "TERMINAL":
		res.Outcome = application.BeginDuplicateTerminal
	case "INFLIGHT":
		res.Outcome = application.BeginDuplicateInFlight
	default:
		return application.BeginResult{}, fmt.Errorf("begin %s: unexpected outcome %q", orderID, outcome)
	}
	return res, nil
}

func (s *Store) Complete(ctx context.Context, orderID string, res domain.SettlementResult) (bool, error) {
	n, err := completeScript.Run(ctx, s.rdb, []string{key(orderID)},
		string(res.Status),
		res.PaymentID,
		res.Reason,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("complete %s: %w", orderID, err)
	}
	if n < 0 {
		return false, application.ErrNotFound
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, orderID string) error {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key(orderID)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", orderID, err)
	}
	if n < 0 {
		return application.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, orderID string) (domain.PaymentRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, key(orderID)).Result()
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("get %s: %w", orderID, err)
	}
	if len(fields) == 0 {
		return domain.PaymentRecord{}, application.ErrNotFound
	}
	return parseRecord(orderID, fields)
}

func parseRecord(orderID string, fields map[string]string) (domain.PaymentRecord, error) {
	rec := domain.PaymentRecord{
		OrderID:   orderID,
		PaymentID: fields["payment_id"],
		Status:    domain.Status(fields["status"]),
		Reason:    fields["reason"],
	}
	var err error
	if rec.Amount, err = decimal.NewFromString(fields["amount"]); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record %s: bad amount %q", orderID, fields["amount"])
	}
	if rec.AttemptCount, err = strconv.Atoi(fields["attempt_count"]); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record %s: bad attempt_count %q", orderID, fields["attempt_count"])
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record %s: bad created_at %q", orderID, fields["created_at"])
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("record %s: bad updated_at %q", orderID, fields["updated_at"])
	}
	if ms, err := strconv.ParseInt(fields["lease_until"], 10, 64); err == nil {
		rec.LeaseUntil = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}
