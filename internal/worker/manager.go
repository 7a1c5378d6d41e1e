package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/debate"
	"github.com/quantflow/quantflow/internal/engine"
	"github.com/quantflow/quantflow/internal/market"
	"github.com/quantflow/quantflow/internal/position"
	"github.com/quantflow/quantflow/internal/strategy"
	"github.com/quantflow/quantflow/internal/trader"
)

// SyncInterval is how often the manager reconciles ownership and picks up
// newly active or orphaned agents
const SyncInterval = 60 * time.Second

// TraderFactory builds the venue connection for one agent
type TraderFactory func(agent *db.Agent) (trader.Trader, error)

// statusPublisher is implemented by event publishers that also carry agent
// lifecycle transitions
type statusPublisher interface {
	PublishAgentStatus(ctx context.Context, agentID uuid.UUID, status string, detail any)
}

// Manager claims active agents for this process instance and runs one
// AgentWorker per claimed agent
type Manager struct {
	cfg       *config.Config
	store     *db.DB
	locker    *coord.Locker
	ownership *coord.Ownership
	heartbeat *Heartbeat
	publisher engine.Publisher
	provider  debate.ClientProvider
	cache     *market.KlineCache
	newTrader TraderFactory
	log       zerolog.Logger

	mu      sync.Mutex
	workers map[uuid.UUID]*AgentWorker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstanceID returns a process-unique worker identity
func NewInstanceID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d:%s", os.Getpid(), hex.EncodeToString(buf))
}

// NewManager assembles the worker manager. publisher may be nil; newTrader
// defaults to the mock venue when not provided.
func NewManager(
	cfg *config.Config,
	store *db.DB,
	locker *coord.Locker,
	ownership *coord.Ownership,
	publisher engine.Publisher,
	provider debate.ClientProvider,
	cache *market.KlineCache,
	newTrader TraderFactory,
) *Manager {
	if newTrader == nil {
		newTrader = func(agent *db.Agent) (trader.Trader, error) {
			if agent.ExecutionMode == db.ExecutionModeLive {
				return nil, fmt.Errorf("live trading is not configured for this worker")
			}
			return trader.NewMockTraderWithConfig(cfg.Simulator), nil
		}
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		locker:    locker,
		ownership: ownership,
		heartbeat: NewHeartbeat(store),
		publisher: publisher,
		provider:  provider,
		cache:     cache,
		newTrader: newTrader,
		log:       config.NewLogger("manager"),
		workers:   make(map[uuid.UUID]*AgentWorker),
	}
}

// Start clears stale liveness stamps, claims every active agent it can and
// launches the periodic sync task
func (m *Manager) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	cleared, err := m.store.ClearActiveHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear heartbeats at startup: %w", err)
	}
	m.log.Info().
		Int64("cleared", cleared).
		Str("instance_id", m.ownership.InstanceID()).
		Msg("Worker manager starting")

	m.claimAndStartAll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.syncLoop(ctx)
	}()
	return nil
}

// claimAndStartAll attempts to claim and start every active agent not
// already running on this instance
func (m *Manager) claimAndStartAll(ctx context.Context) {
	agents, err := m.store.ListActiveAgents(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list active agents")
		return
	}

	for _, agent := range agents {
		m.mu.Lock()
		_, running := m.workers[agent.ID]
		m.mu.Unlock()
		if running {
			continue
		}

		claimed, err := m.ownership.Claim(ctx, agent.ID.String())
		if err != nil {
			m.log.Warn().Err(err).Str("agent_id", agent.ID.String()).Msg("Ownership claim failed")
			continue
		}
		if !claimed {
			continue
		}

		if err := m.startWorker(ctx, agent); err != nil {
			m.log.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("Failed to start worker")
			if relErr := m.ownership.Release(ctx, agent.ID.String()); relErr != nil {
				m.log.Warn().Err(relErr).Str("agent_id", agent.ID.String()).Msg("Failed to release claim")
			}
			// A broken template should not be retried every sync
			msg := fmt.Sprintf("failed to start worker: %v", err)
			if statusErr := m.store.UpdateAgentStatus(ctx, agent.ID, db.AgentStatusError, &msg); statusErr != nil {
				m.log.Error().Err(statusErr).Str("agent_id", agent.ID.String()).Msg("Failed to mark agent")
			}
			m.publishStatus(ctx, agent.ID, string(db.AgentStatusError), msg)
		}
	}
}

// startWorker builds the full per-agent stack and launches its worker
func (m *Manager) startWorker(ctx context.Context, agent *db.Agent) error {
	strat, err := m.store.GetStrategy(ctx, agent.StrategyID)
	if err != nil {
		return err
	}
	if err := strategy.ValidateTemplate(strat); err != nil {
		return fmt.Errorf("strategy template invalid: %w", err)
	}

	t, err := m.newTrader(agent)
	if err != nil {
		return err
	}
	if err := t.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize trader: %w", err)
	}

	deps := engine.Deps{
		Agent:     agent,
		Trader:    t,
		Positions: position.NewService(m.store, m.locker),
		Store:     m.store,
		Market:    market.NewBuilder(t, m.cache),
		Trading:   m.cfg.Trading,
		Publisher: m.publisher,
	}
	eng, err := engine.New(deps, strat, m.provider)
	if err != nil {
		return err
	}

	w := NewAgentWorker(agent, eng, m.store, m.locker, m.ownership, m.heartbeat, t, m.cfg.Worker)
	m.mu.Lock()
	m.workers[agent.ID] = w
	m.mu.Unlock()

	w.Start(ctx)
	m.publishStatus(ctx, agent.ID, "running", nil)
	return nil
}

// publishStatus emits a lifecycle event when the publisher supports them
func (m *Manager) publishStatus(ctx context.Context, agentID uuid.UUID, status string, detail any) {
	if sp, ok := m.publisher.(statusPublisher); ok {
		sp.PublishAgentStatus(ctx, agentID, status, detail)
	}
}

// syncLoop reconciles ownership and worker membership every SyncInterval
func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOnce(ctx)
		}
	}
}

func (m *Manager) syncOnce(ctx context.Context) {
	// Drop workers whose agent has left this instance or finished
	m.mu.Lock()
	snapshot := make(map[uuid.UUID]*AgentWorker, len(m.workers))
	for id, w := range m.workers {
		snapshot[id] = w
	}
	m.mu.Unlock()

	for id, w := range snapshot {
		select {
		case <-w.Done():
			m.removeWorker(id)
			continue
		default:
		}

		owned, err := m.ownership.RefreshOrReclaim(ctx, id.String())
		if err != nil {
			m.log.Warn().Err(err).Str("agent_id", id.String()).Msg("Ownership sync failed")
			continue
		}
		if !owned {
			m.log.Warn().Str("agent_id", id.String()).Msg("Agent owned elsewhere, stopping local worker")
			ownershipLost.Inc()
			w.Stop()
			m.removeWorker(id)
			m.publishStatus(ctx, id, "released", nil)
		}
	}

	// Pick up agents whose previous owner crashed and whose key expired
	m.claimAndStartAll(ctx)

	// Flag agents nobody is running anymore
	marked, err := m.heartbeat.MarkStaleAsError(ctx, StaleTimeout)
	if err != nil {
		m.log.Warn().Err(err).Msg("Stale agent sweep failed")
	} else if marked > 0 {
		staleAgentsMarked.Add(float64(marked))
	}
}

func (m *Manager) removeWorker(id uuid.UUID) {
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()
}

// WorkerCount returns how many workers this instance currently runs
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Stop shuts every worker down gracefully, bounded by StopTimeout each
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	workers := make([]*AgentWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[uuid.UUID]*AgentWorker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *AgentWorker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	m.log.Info().Msg("Worker manager stopped")
}
