package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/liquorledger/liquorledger/internal/ledger"
)

func TestFlowTransactionsReadCommitted(t *testing.T) {
	require.Equal(t, pgx.ReadCommitted, flowTxOptions.IsoLevel)
}

func TestRepositoryWithoutPool(t *testing.T) {
	var repo *Repository
	err := repo.WithTx(context.Background(), func(context.Context, TxRepository) error { return nil })
	require.Error(t, err)
}

func TestCollectRowsPropagatesQueryError(t *testing.T) {
	queryErr := errors.New("relation does not exist")
	rows, err := collectRows(ledger.BookShop, nil, queryErr)
	require.ErrorIs(t, err, queryErr)
	require.Nil(t, rows)
}
