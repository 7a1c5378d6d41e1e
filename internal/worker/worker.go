package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/engine"
	"github.com/quantflow/quantflow/internal/retry"
	"github.com/quantflow/quantflow/internal/trader"
)

// StopTimeout bounds how long a graceful worker stop may take
const StopTimeout = 30 * time.Second

// ExecutionLockTTL caps how long one cycle may hold the per-agent mutex.
// Deliberately independent of the cycle timeout so a hung cycle frees the
// agent for other instances once the TTL lapses.
const ExecutionLockTTL = 300 * time.Second

// AgentWorker drives one claimed agent: heartbeat, ownership refresh and
// the execution loop run as three concurrent tasks
type AgentWorker struct {
	agent     *db.Agent
	eng       engine.Engine
	store     *db.DB
	locker    *coord.Locker
	ownership *coord.Ownership
	heartbeat *Heartbeat
	trader    trader.Trader
	cfg       config.WorkerConfig
	log       zerolog.Logger

	window *retry.ErrorWindow

	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

// NewAgentWorker assembles a worker for an already-claimed agent
func NewAgentWorker(
	agent *db.Agent,
	eng engine.Engine,
	store *db.DB,
	locker *coord.Locker,
	ownership *coord.Ownership,
	heartbeat *Heartbeat,
	t trader.Trader,
	cfg config.WorkerConfig,
) *AgentWorker {
	return &AgentWorker{
		agent:     agent,
		eng:       eng,
		store:     store,
		locker:    locker,
		ownership: ownership,
		heartbeat: heartbeat,
		trader:    t,
		cfg:       cfg,
		log:       config.NewAgentLogger(agent.ID.String(), string(eng.Type())),
		window: retry.NewErrorWindow(
			cfg.MaxConsecutiveErrors,
			time.Duration(cfg.ErrorWindowSeconds)*time.Second,
		),
		done: make(chan struct{}),
	}
}

// Start launches the three worker tasks. Returns immediately; the worker
// runs until Stop is called, ownership is lost, or the agent leaves active
// status.
func (w *AgentWorker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.runHeartbeat(ctx) }()
	go func() { defer wg.Done(); w.runOwnershipRefresh(ctx) }()
	go func() { defer wg.Done(); w.runExecutionLoop(ctx) }()

	go func() {
		wg.Wait()
		close(w.done)
	}()

	activeWorkers.Inc()
	w.log.Info().
		Int("interval_minutes", w.agent.ExecutionIntervalMinutes).
		Msg("Agent worker started")
}

// Stop cancels the worker tasks, waits up to StopTimeout, then clears the
// heartbeat, releases ownership and closes the trader.
func (w *AgentWorker) Stop() {
	w.stopped.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		select {
		case <-w.done:
		case <-time.After(StopTimeout):
			w.log.Warn().Msg("Worker tasks did not stop within timeout")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := w.heartbeat.Clear(ctx, w.agent.ID); err != nil {
			w.log.Error().Err(err).Msg("Failed to clear heartbeat on stop")
		}
		if err := w.ownership.Release(ctx, w.agent.ID.String()); err != nil {
			w.log.Error().Err(err).Msg("Failed to release ownership on stop")
		}
		if err := w.trader.Close(); err != nil {
			w.log.Error().Err(err).Msg("Failed to close trader on stop")
		}

		activeWorkers.Dec()
		w.log.Info().Msg("Agent worker stopped")
	})
}

// stopAsync requests a stop from inside a worker task without deadlocking
// on the task's own completion
func (w *AgentWorker) stopAsync() {
	go w.Stop()
}

// Done is closed once all worker tasks have exited
func (w *AgentWorker) Done() <-chan struct{} {
	return w.done
}

func (w *AgentWorker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	// First beat immediately so the stale detector sees us
	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *AgentWorker) beat(ctx context.Context) {
	if err := w.heartbeat.Update(ctx, w.agent.ID, w.ownership.InstanceID()); err != nil && ctx.Err() == nil {
		w.log.Warn().Err(err).Msg("Heartbeat update failed")
	}
}

func (w *AgentWorker) runOwnershipRefresh(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := w.ownership.RefreshOrReclaim(ctx, w.agent.ID.String())
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn().Err(err).Msg("Ownership refresh failed")
				}
				continue
			}
			if !owned {
				w.log.Warn().Msg("Ownership taken by another instance, stopping worker")
				ownershipLost.Inc()
				w.stopAsync()
				return
			}
		}
	}
}

func (w *AgentWorker) runExecutionLoop(ctx context.Context) {
	interval := time.Duration(w.agent.ExecutionIntervalMinutes) * time.Minute
	if interval < time.Minute {
		interval = time.Minute
	}

	// Run the first cycle immediately rather than waiting a full interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		keepRunning, delay := w.executeOnce(ctx, interval)
		if !keepRunning {
			w.stopAsync()
			return
		}
		timer.Reset(delay)
	}
}

// executeOnce runs a single cycle attempt. It returns whether the loop
// should continue and how long to wait before the next attempt.
func (w *AgentWorker) executeOnce(ctx context.Context, interval time.Duration) (bool, time.Duration) {
	strategyLabel := string(w.eng.Type())

	err := w.runCycle(ctx)
	if err == nil {
		w.window.Reset()
		return true, interval
	}
	if errors.Is(err, errStopWorker) || ctx.Err() != nil {
		return false, 0
	}

	class := retry.Classify(err)
	cycleErrors.WithLabelValues(string(class)).Inc()
	cyclesTotal.WithLabelValues(strategyLabel, "error").Inc()

	if class == retry.ClassPermanent {
		w.log.Error().Err(err).Msg("Permanent cycle error, marking agent as errored")
		w.markError(fmt.Sprintf("permanent error: %v", err))
		return false, 0
	}

	w.window.Record()
	if w.window.ShouldStop() {
		w.log.Error().Err(err).
			Int("errors", w.window.Count()).
			Msg("Error window tripped, marking agent as errored")
		w.markError(fmt.Sprintf("too many consecutive errors, last: %v", err))
		return false, 0
	}

	attempt := w.window.Count() - 1
	delay := retry.Backoff(attempt, w.cfg.RetryBase(), w.cfg.RetryMax(), w.cfg.RetryJitter)
	w.log.Warn().Err(err).
		Str("class", string(class)).
		Dur("backoff", delay).
		Msg("Transient cycle error, backing off")
	return true, delay
}

// errStopWorker signals a clean stop (status change), not a failure
var errStopWorker = errors.New("worker stop requested")

// runCycle is one guarded pass of the execution loop
func (w *AgentWorker) runCycle(ctx context.Context) error {
	strategyLabel := string(w.eng.Type())

	// Per-agent execution mutex. Fail-closed: any Redis error skips the
	// cycle rather than risking a double execution.
	lock, err := w.locker.AcquireExecutionLock(ctx, w.agent.ID.String(), ExecutionLockTTL)
	if err != nil {
		w.log.Warn().Err(err).Msg("Execution lock unavailable, skipping cycle")
		cyclesTotal.WithLabelValues(strategyLabel, "skipped").Inc()
		return nil
	}
	if lock == nil {
		w.log.Warn().Msg("Execution lock held elsewhere, skipping cycle")
		cyclesTotal.WithLabelValues(strategyLabel, "skipped").Inc()
		return nil
	}
	defer lock.Release(ctx) //nolint:errcheck

	w.beat(ctx)

	fresh, err := w.store.GetAgent(ctx, w.agent.ID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	if fresh.Status != db.AgentStatusActive {
		w.log.Info().Str("status", string(fresh.Status)).Msg("Agent no longer active, stopping worker")
		return errStopWorker
	}

	cycleCtx, cancel := context.WithTimeout(ctx, w.cfg.CycleTimeout())
	defer cancel()

	start := time.Now()
	result, err := w.eng.RunCycle(cycleCtx, fresh.RuntimeState)
	cycleDuration.WithLabelValues(strategyLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("cycle timed out after %s", w.cfg.CycleTimeout())
		}
		return err
	}

	if result.UpdatedState != nil {
		if err := w.store.UpdateAgentRuntimeState(ctx, w.agent.ID, result.UpdatedState); err != nil {
			return fmt.Errorf("failed to persist runtime state: %w", err)
		}
	}

	now := time.Now()
	interval := time.Duration(w.agent.ExecutionIntervalMinutes) * time.Minute
	if err := w.store.UpdateAgentRunTimes(ctx, w.agent.ID, now, now.Add(interval)); err != nil {
		w.log.Warn().Err(err).Msg("Failed to update run times")
	}

	cyclesTotal.WithLabelValues(strategyLabel, "success").Inc()
	if result.TradesExecuted > 0 {
		tradesExecuted.WithLabelValues(strategyLabel).Add(float64(result.TradesExecuted))
	}
	w.log.Info().
		Int("trades", result.TradesExecuted).
		Float64("pnl_change", result.PnLChange).
		Str("message", result.Message).
		Msg("Cycle completed")
	return nil
}

func (w *AgentWorker) markError(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.UpdateAgentStatus(ctx, w.agent.ID, db.AgentStatusError, &msg); err != nil {
		w.log.Error().Err(err).Msg("Failed to mark agent as errored")
	}
}
