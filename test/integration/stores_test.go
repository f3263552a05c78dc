package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bookstore-platform/settlement-service/internal/settlement/application"
	"github.com/bookstore-platform/settlement-service/internal/settlement/domain"
	"github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/postgres"
	redisstore "github.com/bookstore-platform/settlement-service/internal/settlement/infrastructure/redis"
	"github.com/bookstore-platform/settlement-service/pkg/logging"
)

// TestStoreBackends runs the claim lifecycle against the real Redis and
// Postgres backends, so the Lua scripts and the row-lock SQL see an actual
// server instead of the in-memory stand-in.
func TestStoreBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	env, err := Setup(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { env.Teardown(context.Background()) })

	rdb := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
	t.Cleanup(func() { _ = rdb.Close() })

	pool, err := pgxpool.New(ctx, env.PGURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	pg := postgres.NewStore(logging.New("error"), pool)
	require.NoError(t, pg.Migrate(ctx))

	backends := map[string]application.StatusStore{
		"redis":    redisstore.New(rdb),
		"postgres": pg,
	}
	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			exerciseClaimLifecycle(t, ctx, store, "order-"+name)
		})
	}
}

func exerciseClaimLifecycle(t *testing.T, ctx context.Context, store application.StatusStore, orderID string) {
	t.Helper()
	amount := decimal.NewFromFloat(100.00)

	res, err := store.Begin(ctx, orderID, amount, time.Minute)
	require.NoError(t, err)
	require.Equal(t, application.BeginClaimed, res.Outcome)
	require.Equal(t, 1, res.Record.AttemptCount)

	res, err = store.Begin(ctx, orderID, amount, time.Minute)
	require.NoError(t, err)
	require.Equal(t, application.BeginDuplicateInFlight, res.Outcome)

	require.NoError(t, store.Release(ctx, orderID))

	res, err = store.Begin(ctx, orderID, amount, time.Minute)
	require.NoError(t, err)
	require.Equal(t, application.BeginClaimed, res.Outcome, "released claim must be reclaimable immediately")
	require.Equal(t, 2, res.Record.AttemptCount)

	applied, err := store.Complete(ctx, orderID, domain.SettlementResult{
		OrderID:   orderID,
		PaymentID: "PAY-1",
		Status:    domain.StatusSuccess,
		Amount:    amount,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.Complete(ctx, orderID, domain.SettlementResult{
		OrderID: orderID,
		Status:  domain.StatusFailed,
		Reason:  "late duplicate",
	})
	require.NoError(t, err)
	require.False(t, applied, "terminal state is immutable")

	res, err = store.Begin(ctx, orderID, amount, time.Minute)
	require.NoError(t, err)
	require.Equal(t, application.BeginDuplicateTerminal, res.Outcome)

	rec, err := store.Get(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, rec.Status)
	require.Equal(t, "PAY-1", rec.PaymentID)
	require.Equal(t, 2, rec.AttemptCount)
}
