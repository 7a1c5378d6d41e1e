package position

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/trader"
)

func TestReconcileClosesZombie(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	zombieID := uuid.New()

	mt := trader.NewMockTrader() // no exchange positions

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows().AddRow(
			zombieID, uuid.New(), "grid", &accountID, "BTC", "long",
			1.0, 100.0, 100.0, 1, db.PositionStatusOpen,
			time.Now().Add(-10*time.Minute), nil, nil, nil,
		))
	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(zombieID, 100.0, 0.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectStaleSweep(mock, 0)

	report, err := svc.Reconcile(context.Background(), accountID, mt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ZombiesClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

// expectStaleSweep covers the stale-pending cleanup every reconcile pass
// ends with
func expectStaleSweep(mock pgxmock.PgxPoolIface, removed int64) {
	mock.ExpectExec("DELETE FROM agent_positions").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", removed))
}

func TestReconcileGracePeriodProtectsFreshRecords(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()

	mt := trader.NewMockTrader()

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows().AddRow(
			uuid.New(), uuid.New(), "grid", &accountID, "BTC", "long",
			1.0, 100.0, 100.0, 1, db.PositionStatusOpen,
			time.Now().Add(-1*time.Minute), nil, nil, nil,
		))
	expectStaleSweep(mock, 0)

	report, err := svc.Reconcile(context.Background(), accountID, mt)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ZombiesClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileSweepsStalePending(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()

	mt := trader.NewMockTrader()

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows())
	expectStaleSweep(mock, 2)

	report, err := svc.Reconcile(context.Background(), accountID, mt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.StalePendingRemoved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileAdoptsOrphan(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()

	mt := trader.NewMockTrader()
	mt.SetMarketPrice("ETH", 2000)
	_, err := mt.OpenLong(context.Background(), "ETH", 1000, 2, nil, nil)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows())
	mock.ExpectExec("INSERT INTO agent_positions").
		WithArgs(pgxmock.AnyArg(), db.UnownedAgentID, "unowned", &accountID, "ETH", "long",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 2,
			db.PositionStatusOpen, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectStaleSweep(mock, 0)

	report, err := svc.Reconcile(context.Background(), accountID, mt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansAdopted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileFixesSizeDrift(t *testing.T) {
	mock, svc := newTestService(t)
	accountID := uuid.New()
	posID := uuid.New()

	mt := trader.NewMockTrader()
	mt.SetMarketPrice("ETH", 2000)
	_, err := mt.OpenLong(context.Background(), "ETH", 2000, 1, nil, nil)
	require.NoError(t, err)

	exch, err := mt.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, exch)

	mock.ExpectQuery("SELECT (.+) FROM agent_positions").
		WithArgs(accountID).
		WillReturnRows(positionRows().AddRow(
			posID, uuid.New(), "ai", &accountID, "ETH", "long",
			exch.Size*2, exch.SizeUSD*2, 2000.0, 1, db.PositionStatusOpen,
			time.Now().Add(-10*time.Minute), nil, nil, nil,
		))
	mock.ExpectExec("UPDATE agent_positions").
		WithArgs(posID, exch.Size, exch.SizeUSD).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectStaleSweep(mock, 0)

	report, err := svc.Reconcile(context.Background(), accountID, mt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DriftsFixed)
	require.NoError(t, mock.ExpectationsWereMet())
}
