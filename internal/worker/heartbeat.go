// Package worker runs claimed agents: one AgentWorker per agent with a
// heartbeat task, an ownership refresher and the execution loop, all under
// a WorkerManager that claims agents and keeps ownership in sync across
// horizontally scaled instances.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/db"
)

// Timing budget: a beat every minute, stale after three missed beats, and
// a startup grace so freshly started workers are not flagged before their
// first beat lands.
const (
	HeartbeatInterval = 60 * time.Second
	StaleTimeout      = 180 * time.Second
	StartupGrace      = 60 * time.Second
)

// Heartbeat maintains and inspects worker liveness stamps on the agent
// registry
type Heartbeat struct {
	store *db.DB
	log   zerolog.Logger
}

// NewHeartbeat creates the heartbeat service
func NewHeartbeat(store *db.DB) *Heartbeat {
	return &Heartbeat{store: store, log: config.NewLogger("heartbeat")}
}

// Update writes the liveness stamp for an agent
func (h *Heartbeat) Update(ctx context.Context, agentID uuid.UUID, instanceID string) error {
	return h.store.UpdateAgentHeartbeat(ctx, agentID, instanceID)
}

// Clear nulls the liveness fields for an agent
func (h *Heartbeat) Clear(ctx context.Context, agentID uuid.UUID) error {
	return h.store.ClearAgentHeartbeat(ctx, agentID)
}

// DetectStale returns active agents whose heartbeat (or last run, when no
// heartbeat exists yet) is older than the timeout
func (h *Heartbeat) DetectStale(ctx context.Context, timeout time.Duration) ([]*db.Agent, error) {
	return h.store.ListStaleAgents(ctx, timeout)
}

// MarkStaleAsError transitions every stale agent to error status and clears
// its liveness fields. Returns how many agents were transitioned.
func (h *Heartbeat) MarkStaleAsError(ctx context.Context, timeout time.Duration) (int, error) {
	stale, err := h.DetectStale(ctx, timeout)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, agent := range stale {
		msg := fmt.Sprintf("worker heartbeat lost for more than %s", timeout)
		if err := h.store.UpdateAgentStatus(ctx, agent.ID, db.AgentStatusError, &msg); err != nil {
			h.log.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("Failed to mark stale agent")
			continue
		}
		if err := h.store.ClearAgentHeartbeat(ctx, agent.ID); err != nil {
			h.log.Error().Err(err).Str("agent_id", agent.ID.String()).Msg("Failed to clear stale heartbeat")
		}
		h.log.Warn().
			Str("agent_id", agent.ID.String()).
			Time("last_heartbeat", heartbeatOrZero(agent)).
			Msg("Agent marked as errored after heartbeat loss")
		marked++
	}
	return marked, nil
}

func heartbeatOrZero(agent *db.Agent) time.Time {
	if agent.WorkerHeartbeatAt != nil {
		return *agent.WorkerHeartbeatAt
	}
	return time.Time{}
}

// IsRunning reports whether an agent currently has a live worker: active
// status with either a fresh heartbeat or, before the first beat, a recent
// registry update inside the startup grace.
func IsRunning(agent *db.Agent, timeout, grace time.Duration) bool {
	if agent.Status != db.AgentStatusActive {
		return false
	}
	now := time.Now()
	if agent.WorkerHeartbeatAt != nil {
		return now.Sub(*agent.WorkerHeartbeatAt) < timeout
	}
	return now.Sub(agent.UpdatedAt) < grace
}
