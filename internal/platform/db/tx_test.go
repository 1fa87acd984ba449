package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})
	require.True(t, Retryable(serialization))
	require.True(t, Retryable(&pgconn.PgError{Code: "40P01"}))
	require.False(t, Retryable(errors.New("boom")))
	require.False(t, Retryable(&pgconn.PgError{Code: "23505"}))

	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	opts []pgx.TxOptions
	txs  []*fakeTx
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = append(f.opts, opts)
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func TestWithTxUsesRequestedIsolation(t *testing.T) {
	b := &fakeBeginner{}
	err := withTx(context.Background(), b, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(pgx.Tx) error { return nil })
	require.NoError(t, err)
	require.Len(t, b.opts, 1)
	require.Equal(t, pgx.ReadCommitted, b.opts[0].IsoLevel)
	require.True(t, b.txs[0].committed)
}

func TestWithTxReplaysSerializationFailures(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := withTx(context.Background(), b, pgx.TxOptions{}, func(pgx.Tx) error {
		calls++
		if calls < 2 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.False(t, b.txs[0].committed)
	require.True(t, b.txs[0].rolledBack)
	require.True(t, b.txs[1].committed)

	b = &fakeBeginner{}
	err = withTx(context.Background(), b, pgx.TxOptions{}, func(pgx.Tx) error { return &pgconn.PgError{Code: "40P01"} })
	require.True(t, Retryable(err))
	require.Len(t, b.txs, maxTxAttempts)
}
