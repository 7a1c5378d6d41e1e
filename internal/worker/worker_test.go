package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/engine"
	"github.com/quantflow/quantflow/internal/trader"
)

type stubEngine struct {
	result *engine.CycleResult
	err    error
	block  bool
	calls  int
}

func (s *stubEngine) Type() db.StrategyType { return db.StrategyTypeGrid }

func (s *stubEngine) RunCycle(ctx context.Context, state json.RawMessage) (*engine.CycleResult, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type workerFixture struct {
	mock      pgxmock.PgxPoolIface
	store     *db.DB
	mr        *miniredis.Miniredis
	ownership *coord.Ownership
	agent     *db.Agent
	eng       *stubEngine
	worker    *AgentWorker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := db.NewWithPool(mock)
	agent := testAgent(db.AgentStatusActive)
	eng := &stubEngine{result: &engine.CycleResult{Success: true}}
	ownership := coord.NewOwnership(client, "test-instance")

	cfg := config.WorkerConfig{
		MaxConsecutiveErrors: 3,
		ErrorWindowSeconds:   600,
		RetryBaseDelay:       0.01,
		RetryMaxDelay:        0.05,
		RetryJitter:          false,
		CycleTimeoutSeconds:  1,
	}

	w := NewAgentWorker(
		agent, eng, store,
		coord.NewLocker(client), ownership, NewHeartbeat(store),
		trader.NewMockTraderWithConfig(config.SimulatorConfig{InitialEquity: 1000}),
		cfg,
	)

	return &workerFixture{
		mock:      mock,
		store:     store,
		mr:        mr,
		ownership: ownership,
		agent:     agent,
		eng:       eng,
		worker:    w,
	}
}

// expectGuardedCycle covers the fixed preamble of every executed cycle:
// the heartbeat stamp and the fresh agent load.
func (f *workerFixture) expectGuardedCycle(status db.AgentStatus) {
	f.mock.ExpectExec("UPDATE agents SET worker_heartbeat_at").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	fresh := *f.agent
	fresh.Status = status
	f.mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(anyArgs(1)...).
		WillReturnRows(addAgentRow(agentRows(), &fresh))
}

func (f *workerFixture) execLockKey() string {
	return "exec_lock:agent:" + f.agent.ID.String()
}

func TestExecuteOnceSuccess(t *testing.T) {
	f := newWorkerFixture(t)
	f.eng.result = &engine.CycleResult{
		Success:        true,
		TradesExecuted: 2,
		UpdatedState:   json.RawMessage(`{"cycle":1}`),
	}

	f.expectGuardedCycle(db.AgentStatusActive)
	f.mock.ExpectExec("UPDATE agents SET runtime_state").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("UPDATE agents SET last_run_at").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	interval := 5 * time.Minute
	keep, delay := f.worker.executeOnce(context.Background(), interval)

	assert.True(t, keep)
	assert.Equal(t, interval, delay)
	assert.Equal(t, 1, f.eng.calls)
	assert.Equal(t, 0, f.worker.window.Count())
	assert.False(t, f.mr.Exists(f.execLockKey()), "execution lock released after the cycle")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOnceSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.mr.Set(f.execLockKey(), "another-instance"))

	interval := 5 * time.Minute
	keep, delay := f.worker.executeOnce(context.Background(), interval)

	assert.True(t, keep, "a skipped cycle is not an error")
	assert.Equal(t, interval, delay)
	assert.Equal(t, 0, f.eng.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOnceStopsWhenAgentLeavesActive(t *testing.T) {
	f := newWorkerFixture(t)
	f.expectGuardedCycle(db.AgentStatusPaused)

	keep, _ := f.worker.executeOnce(context.Background(), time.Minute)

	assert.False(t, keep)
	assert.Equal(t, 0, f.eng.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOncePermanentErrorMarksAgent(t *testing.T) {
	f := newWorkerFixture(t)
	f.eng.err = errors.New("invalid grid configuration")

	f.expectGuardedCycle(db.AgentStatusActive)
	f.mock.ExpectExec("UPDATE agents SET status").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	keep, _ := f.worker.executeOnce(context.Background(), time.Minute)

	assert.False(t, keep)
	assert.Equal(t, 1, f.eng.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOnceTransientErrorBacksOff(t *testing.T) {
	f := newWorkerFixture(t)
	f.eng.err = errors.New("connection refused")

	f.expectGuardedCycle(db.AgentStatusActive)

	keep, delay := f.worker.executeOnce(context.Background(), time.Minute)

	assert.True(t, keep)
	assert.Equal(t, 10*time.Millisecond, delay)
	assert.Equal(t, 1, f.worker.window.Count())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOnceWindowTripMarksAgent(t *testing.T) {
	f := newWorkerFixture(t)
	f.eng.err = errors.New("connection refused")

	// Two prior transient failures already recorded
	f.worker.window.Record()
	f.worker.window.Record()

	f.expectGuardedCycle(db.AgentStatusActive)
	f.mock.ExpectExec("UPDATE agents SET status").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	keep, _ := f.worker.executeOnce(context.Background(), time.Minute)

	assert.False(t, keep)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExecuteOnceCycleTimeoutIsTransient(t *testing.T) {
	f := newWorkerFixture(t)
	f.eng.block = true

	f.expectGuardedCycle(db.AgentStatusActive)

	keep, delay := f.worker.executeOnce(context.Background(), time.Minute)

	assert.True(t, keep, "a timed-out cycle is retried, not fatal")
	assert.Greater(t, delay, time.Duration(0))
	assert.Equal(t, 1, f.worker.window.Count())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestNewInstanceID(t *testing.T) {
	a := NewInstanceID()
	b := NewInstanceID()

	assert.True(t, strings.HasPrefix(a, fmt.Sprintf("%d:", os.Getpid())))
	assert.NotEqual(t, a, b)
}

func newManagerFixture(t *testing.T) (*Manager, pgxmock.PgxPoolIface, *miniredis.Miniredis, *db.Agent) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := db.NewWithPool(mock)
	agent := testAgent(db.AgentStatusActive)

	cfg := &config.Config{
		Simulator: config.SimulatorConfig{InitialEquity: 1000},
	}
	m := NewManager(
		cfg, store,
		coord.NewLocker(client),
		coord.NewOwnership(client, "test-instance"),
		nil, nil, nil, nil,
	)
	return m, mock, mr, agent
}

func TestManagerSkipsAgentOwnedElsewhere(t *testing.T) {
	m, mock, mr, agent := newManagerFixture(t)
	require.NoError(t, mr.Set("worker_owner:"+agent.ID.String(), "other-instance"))

	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(anyArgs(1)...).
		WillReturnRows(addAgentRow(agentRows(), agent))

	m.claimAndStartAll(context.Background())

	assert.Equal(t, 0, m.WorkerCount())
	owner, err := mr.Get("worker_owner:" + agent.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "other-instance", owner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerStartFailureReleasesClaimAndMarksAgent(t *testing.T) {
	m, mock, mr, agent := newManagerFixture(t)

	mock.ExpectQuery("SELECT (.+) FROM agents").
		WithArgs(anyArgs(1)...).
		WillReturnRows(addAgentRow(agentRows(), agent))
	mock.ExpectQuery("SELECT (.+) FROM strategies").
		WithArgs(anyArgs(1)...).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE agents SET status").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	m.claimAndStartAll(context.Background())

	assert.Equal(t, 0, m.WorkerCount())
	assert.False(t, mr.Exists("worker_owner:"+agent.ID.String()),
		"failed start releases the ownership claim")
	assert.NoError(t, mock.ExpectationsWereMet())
}
