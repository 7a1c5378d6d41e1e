package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func TestGetSymbolHolder(t *testing.T) {
	mock, database := newMockDB(t)
	accountID := uuid.New()
	agentID := uuid.New()
	posID := uuid.New()
	opened := time.Now()

	rows := pgxmock.NewRows([]string{
		"id", "agent_id", "agent_type", "account_id", "symbol", "side",
		"size", "size_usd", "entry_price", "leverage", "status",
		"opened_at", "close_price", "realized_pnl", "closed_at",
	}).AddRow(
		posID, agentID, "grid", &accountID, "BTC", "long",
		1.5, 150.0, 100.0, 2, PositionStatusOpen,
		opened, nil, nil, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID, "BTC").
		WillReturnRows(rows)

	holder, err := database.GetSymbolHolder(context.Background(), accountID, "BTC")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, agentID, holder.AgentID)
	assert.Equal(t, PositionStatusOpen, holder.Status)
	assert.InDelta(t, 75.0, holder.Margin(), 1e-9)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSymbolHolder_Free(t *testing.T) {
	mock, database := newMockDB(t)
	accountID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID, "ETH").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	holder, err := database.GetSymbolHolder(context.Background(), accountID, "ETH")
	require.NoError(t, err)
	assert.Nil(t, holder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPosition(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, 2.0, 200.0, 100.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.ConfirmPosition(context.Background(), posID, 2.0, 200.0, 100.0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPosition_NoPendingClaim(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, 2.0, 200.0, 100.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := database.ConfirmPosition(context.Background(), posID, 2.0, 200.0, 100.0)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePendingPosition_OpenRecordUntouched(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	// The statement is scoped to status='pending'; an open record yields
	// zero affected rows and no error (idempotent release)
	mock.ExpectExec("DELETE FROM agent_positions").
		WithArgs(posID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := database.DeletePendingPosition(context.Background(), posID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccumulatePosition_WeightedEntry(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT size, size_usd, entry_price, status FROM agent_positions").
		WithArgs(posID).
		WillReturnRows(pgxmock.NewRows([]string{"size", "size_usd", "entry_price", "status"}).
			AddRow(10.0, 1000.0, 100.0, PositionStatusOpen))
	// 10 @ 100 + 5 @ 200 -> 15 @ 133.333...
	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, 15.0, 2000.0, 2000.0/15.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := database.AccumulatePosition(context.Background(), posID, 5.0, 1000.0, 200.0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccumulatePosition_RejectsNonOpen(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT size, size_usd, entry_price, status FROM agent_positions").
		WithArgs(posID).
		WillReturnRows(pgxmock.NewRows([]string{"size", "size_usd", "entry_price", "status"}).
			AddRow(0.0, 0.0, 0.0, PositionStatusPending))
	mock.ExpectRollback()

	err := database.AccumulatePosition(context.Background(), posID, 5.0, 1000.0, 200.0)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePositionRecord(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, 110.0, 25.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.ClosePositionRecord(context.Background(), posID, 110.0, 25.0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePositionRecord_PendingNotClosable(t *testing.T) {
	mock, database := newMockDB(t)
	posID := uuid.New()

	// The statement is scoped to status='open'; a pending claim matches
	// nothing and the caller gets an error instead of a silent transition
	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, 110.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := database.ClosePositionRecord(context.Background(), posID, 110.0, 0.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not open")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumAgentOpenMargin(t *testing.T) {
	mock, database := newMockDB(t)
	agentID := uuid.New()

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(agentID).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(150.0))

	margin, err := database.SumAgentOpenMargin(context.Background(), agentID)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, margin, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteStalePending(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("DELETE FROM agent_positions").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	count, err := database.DeleteStalePending(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAgentTrade(t *testing.T) {
	mock, database := newMockDB(t)
	agentID := uuid.New()

	mock.ExpectExec("UPDATE agents").
		WithArgs(agentID, -25.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.RecordAgentTrade(context.Background(), agentID, -25.0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectiveCapital(t *testing.T) {
	capital := 200.0
	pct := 20.0

	fixed := &Agent{AllocatedCapital: &capital}
	v, limited := fixed.EffectiveCapital(1000)
	assert.True(t, limited)
	assert.InDelta(t, 200.0, v, 1e-9)

	percent := &Agent{AllocatedCapitalPercent: &pct}
	v, limited = percent.EffectiveCapital(1000)
	assert.True(t, limited)
	assert.InDelta(t, 200.0, v, 1e-9)

	unlimited := &Agent{}
	_, limited = unlimited.EffectiveCapital(1000)
	assert.False(t, limited)
}
