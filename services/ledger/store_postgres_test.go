package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresApplySpend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_balances").
		WithArgs(AgentCredits, "agent-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT balance FROM account_balances").
		WithArgs(AgentCredits, "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(50000)))
	mock.ExpectExec("INSERT INTO ledger_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE account_balances").
		WithArgs(AgentCredits, "agent-1", int64(48000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, replayed, err := store.Apply(context.Background(), &Entry{
		ID:             "tx-1",
		Ledger:         AgentCredits,
		OwnerID:        "agent-1",
		Amount:         -2000,
		Type:           TypeSpendSubmissionProblem,
		IdempotencyKey: "submission:problem-1",
	})
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, int64(50000), applied.BalanceBefore)
	require.Equal(t, int64(48000), applied.BalanceAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyInsufficientRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_balances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT balance FROM account_balances").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectRollback()

	_, _, err := store.Apply(context.Background(), &Entry{
		ID:             "tx-2",
		Ledger:         AgentCredits,
		OwnerID:        "agent-poor",
		Amount:         -10000,
		Type:           TypeSpendDisputeStake,
		IdempotencyKey: "dispute:c1:agent-poor",
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
