package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

func (f execFunc) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f(ctx, sql, args...)
}

func TestInsertIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	var got []any
	ok := execFunc(func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		got = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	})
	require.NoError(t, InsertIdempotencyKey(ctx, ok, "evt-1", "reconcile:sale.create"))
	require.Equal(t, "evt-1", got[0])
	require.Equal(t, "reconcile:sale.create", got[1])

	dup := execFunc(func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	})
	require.ErrorIs(t, InsertIdempotencyKey(ctx, dup, "evt-1", "reconcile:sale.create"), ErrIdempotencyConflict)

	boom := errors.New("conn reset")
	broken := execFunc(func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, boom
	})
	require.ErrorIs(t, InsertIdempotencyKey(ctx, broken, "evt-1", "m"), boom)

	require.Error(t, InsertIdempotencyKey(ctx, ok, "", "m"))
	require.Error(t, InsertIdempotencyKey(ctx, ok, "k", ""))
}

func TestNilStoresAreSafe(t *testing.T) {
	var store *IdempotencyStore
	n, err := store.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	var audit *AuditLogger
	require.Error(t, audit.Record(context.Background(), AuditLog{Action: "a", Entity: "e", EntityID: "1"}))
	require.Error(t, NewAuditLogger(nil).Record(context.Background(), AuditLog{Action: "reconcile:sale.create"}))
}

func TestSortedLockNames(t *testing.T) {
	got := SortedLockNames("ledger:shop:all", "chain:1:X:750", "", "ledger:shop:all", "chain:1:A:750")
	require.Equal(t, []string{"chain:1:A:750", "chain:1:X:750", "ledger:shop:all"}, got)
	require.Empty(t, SortedLockNames())
}

func TestDates(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("29/02/2024")
	require.Error(t, err)

	ist := time.FixedZone("IST", 5*3600+1800)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), DateOnly(time.Date(2024, 3, 1, 23, 50, 0, 0, ist)))
}

func TestActorContext(t *testing.T) {
	ctx := context.Background()
	require.Zero(t, ActorFromContext(ctx))
	require.EqualValues(t, 42, ActorFromContext(ContextWithActor(ctx, 42)))
}
