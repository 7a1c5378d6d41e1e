package position

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
)

func newTestService(t *testing.T) (pgxmock.PgxPoolIface, *Service) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mock, NewService(db.NewWithPool(mock), coord.NewLocker(client))
}

func positionRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "agent_id", "agent_type", "account_id", "symbol", "side",
		"size", "size_usd", "entry_price", "leverage", "status",
		"opened_at", "close_price", "realized_pnl", "closed_at",
	})
}

func TestClaimPositionConflict(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	holderID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID, "BTC").
		WillReturnRows(positionRows().AddRow(
			uuid.New(), holderID, "grid", &accountID, "BTC", "long",
			1.0, 100.0, 100.0, 1, db.PositionStatusOpen,
			time.Now(), nil, nil, nil,
		))

	claimed, err := svc.ClaimPosition(context.Background(), &db.AgentPosition{
		AgentID:   uuid.New(),
		AccountID: &accountID,
		Symbol:    "BTC",
		Side:      "long",
		SizeUSD:   100,
		Leverage:  1,
	})
	require.ErrorIs(t, err, ErrPositionConflict)
	assert.Nil(t, claimed)
	assert.Contains(t, err.Error(), holderID.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPositionSameAgentReturnsExistingRecord(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	agentID := uuid.New()
	recordID := uuid.New()

	// The agent already holds BTC open; no conflict and no new insert, the
	// open record comes back for accumulation
	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID, "BTC").
		WillReturnRows(positionRows().AddRow(
			recordID, agentID, "dca", &accountID, "BTC", "long",
			2.0, 200.0, 100.0, 1, db.PositionStatusOpen,
			time.Now(), nil, nil, nil,
		))

	claimed, err := svc.ClaimPosition(context.Background(), &db.AgentPosition{
		AgentID:   agentID,
		AccountID: &accountID,
		Symbol:    "BTC",
		Side:      "long",
		SizeUSD:   100,
		Leverage:  1,
	})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, recordID, claimed.ID)
	assert.Equal(t, db.PositionStatusOpen, claimed.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckSymbolAvailable(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID, "ETH").
		WillReturnRows(positionRows())

	free, err := svc.CheckSymbolAvailable(context.Background(), accountID, "ETH")
	require.NoError(t, err)
	assert.True(t, free)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCapitalAllocationAgentLimit(t *testing.T) {
	mock, svc := newTestService(t)
	agentID := uuid.New()
	allocated := 500.0
	agent := &db.Agent{ID: agentID, AllocatedCapital: &allocated}

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(agentID).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(450.0))

	err := svc.CheckCapitalAllocation(context.Background(), agent, 10000, 100)
	require.ErrorIs(t, err, ErrCapitalExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func agentRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "account_id", "strategy_id", "status",
		"execution_mode", "execution_interval_minutes",
		"allocated_capital", "allocated_capital_percent",
		"auto_execute", "ai_model", "debate_enabled", "debate_models",
		"debate_consensus_mode", "debate_min_participants",
		"worker_heartbeat_at", "worker_instance_id", "last_run_at", "next_run_at",
		"total_pnl", "total_trades", "winning_trades", "losing_trades", "max_drawdown",
		"runtime_state", "error_message", "created_at", "updated_at",
	})
}

func addAgentRow(rows *pgxmock.Rows, a *db.Agent) *pgxmock.Rows {
	return rows.AddRow(
		a.ID, a.UserID, a.AccountID, a.StrategyID, a.Status,
		a.ExecutionMode, a.ExecutionIntervalMinutes,
		a.AllocatedCapital, a.AllocatedCapitalPercent,
		a.AutoExecute, a.AIModel, a.DebateEnabled, a.DebateModels,
		a.DebateConsensusMode, a.DebateMinParticipants,
		a.WorkerHeartbeatAt, a.WorkerInstanceID, a.LastRunAt, a.NextRunAt,
		a.TotalPnL, a.TotalTrades, a.WinningTrades, a.LosingTrades, a.MaxDrawdown,
		a.RuntimeState, a.ErrorMessage, a.CreatedAt, a.UpdatedAt,
	)
}

func TestCheckCapitalAllocationAccountAllocationsCap(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	agent := &db.Agent{ID: uuid.New(), AccountID: &accountID}

	// The requesting agent is unlimited, but a peer already has 960 of the
	// 950 allowed allocation. Open positions never get surveyed.
	peerCapital := 960.0
	peer := &db.Agent{
		ID: uuid.New(), AccountID: &accountID, Status: db.AgentStatusActive,
		AllocatedCapital: &peerCapital,
	}
	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(accountID, pgxmock.AnyArg()).
		WillReturnRows(addAgentRow(agentRows(), peer))

	err := svc.CheckCapitalAllocation(context.Background(), agent, 1000, 10)
	require.ErrorIs(t, err, ErrCapitalExceeded)
	assert.Contains(t, err.Error(), "allocations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCapitalAllocationAccountMarginGuard(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	agent := &db.Agent{ID: uuid.New(), AccountID: &accountID}

	// No per-agent allocations anywhere, but open margin is at 900 of the
	// 950 cap and the new 100 would cross it
	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(accountID, pgxmock.AnyArg()).
		WillReturnRows(agentRows())
	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows().AddRow(
			uuid.New(), uuid.New(), "ai", &accountID, "BTC", "long",
			9.0, 900.0, 100.0, 1, db.PositionStatusOpen,
			time.Now(), nil, nil, nil,
		))

	err := svc.CheckCapitalAllocation(context.Background(), agent, 1000, 100)
	require.ErrorIs(t, err, ErrCapitalExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCapitalAllocationPasses(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	pct := 50.0
	agent := &db.Agent{
		ID: uuid.New(), AccountID: &accountID, Status: db.AgentStatusActive,
		AllocatedCapitalPercent: &pct,
	}

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(agent.ID).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(100.0))
	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(accountID, pgxmock.AnyArg()).
		WillReturnRows(addAgentRow(agentRows(), agent))
	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows())

	// 50% of 1000 = 500 allocation, 100 used, 200 new fits; 500 allocated
	// account-wide is inside the 950 cap
	err := svc.CheckCapitalAllocation(context.Background(), agent, 1000, 200)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimWithCapitalCheckRejectsBeforeClaim(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	allocated := 50.0
	agent := &db.Agent{ID: uuid.New(), AccountID: &accountID, AllocatedCapital: &allocated}

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(agent.ID).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(0.0))

	// Margin 100 > allocation 50; no claim insert must happen
	claimed, err := svc.ClaimPositionWithCapitalCheck(context.Background(), agent, &db.AgentPosition{
		AgentID:   agent.ID,
		AccountID: &accountID,
		Symbol:    "BTC",
		SizeUSD:   100,
		Leverage:  1,
	}, 10000)
	require.ErrorIs(t, err, ErrCapitalExceeded)
	assert.Nil(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCapitalAllocationLockedFailsClosedOnContention(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := coord.NewLocker(client)
	svc := NewService(db.NewWithPool(mock), locker)

	accountID := uuid.New()
	agent := &db.Agent{ID: uuid.New(), AccountID: &accountID}

	held, err := locker.AcquireCapitalLock(context.Background(), accountID.String())
	require.NoError(t, err)
	require.NotNil(t, held)
	defer held.Release(context.Background()) //nolint:errcheck

	// Another holder owns the capital lock; the check must not run at all
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = svc.CheckCapitalAllocationLocked(ctx, agent, 1000, 100)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseClaimIdempotent(t *testing.T) {
	mock, svc := newTestService(t)
	posID := uuid.New()

	mock.ExpectExec("DELETE FROM agent_positions").
		WithArgs(posID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, svc.ReleaseClaim(context.Background(), posID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupStalePending(t *testing.T) {
	mock, svc := newTestService(t)

	mock.ExpectExec("DELETE FROM agent_positions").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	count, err := svc.CleanupStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
