// Package position enforces symbol exclusivity and capital allocation
// across agents sharing one exchange account. Claims follow a
// claim-then-fill protocol: a pending database record is inserted before
// any order goes to the exchange, and either confirmed with fill data or
// released. A partial unique index on (account_id, symbol) over
// pending|open records backs the Redis locks.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/coord"
	"github.com/quantflow/quantflow/internal/db"
)

var (
	// ErrPositionConflict means another agent holds the symbol
	ErrPositionConflict = errors.New("symbol held by another agent")

	// ErrCapitalExceeded means the claim would break a capital limit
	ErrCapitalExceeded = errors.New("capital allocation exceeded")
)

const (
	// AccountCapRatio caps total open margin at this fraction of equity
	AccountCapRatio = 0.95

	// StalePendingAge is how old a pending claim must be before cleanup
	// treats it as crash residue
	StalePendingAge = 5 * time.Minute
)

// Service coordinates position claims, confirmations and releases
type Service struct {
	db     *db.DB
	locker *coord.Locker
	log    zerolog.Logger
}

// NewService creates the position service
func NewService(database *db.DB, locker *coord.Locker) *Service {
	return &Service{
		db:     database,
		locker: locker,
		log:    config.NewLogger("position"),
	}
}

// CheckSymbolAvailable reports whether no agent holds the symbol
func (s *Service) CheckSymbolAvailable(ctx context.Context, accountID uuid.UUID, symbol string) (bool, error) {
	holder, err := s.db.GetSymbolHolder(ctx, accountID, symbol)
	if err != nil {
		return false, err
	}
	return holder == nil, nil
}

// GetSymbolOwner returns the pending|open record holding the symbol, nil
// when free
func (s *Service) GetSymbolOwner(ctx context.Context, accountID uuid.UUID, symbol string) (*db.AgentPosition, error) {
	return s.db.GetSymbolHolder(ctx, accountID, symbol)
}

// ClaimPosition inserts a pending claim for the symbol and returns it. When
// the claiming agent already holds the symbol the existing pending|open
// record comes back instead, so callers can accumulate into it. A different
// holder is ErrPositionConflict. The Redis symbol lock serializes racing
// claimers; the unique index is the backstop when the lock cannot be
// acquired.
func (s *Service) ClaimPosition(ctx context.Context, pos *db.AgentPosition) (*db.AgentPosition, error) {
	if pos.AccountID != nil {
		lock, err := s.locker.AcquireSymbolLock(ctx, pos.AccountID.String(), pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("symbol lock error: %w", err)
		}
		if lock == nil {
			s.log.Warn().
				Str("symbol", pos.Symbol).
				Str("agent_id", pos.AgentID.String()).
				Msg("Symbol lock wait elapsed, relying on unique index")
		} else {
			defer lock.Release(ctx) //nolint:errcheck
		}

		holder, err := s.db.GetSymbolHolder(ctx, *pos.AccountID, pos.Symbol)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			if holder.AgentID == pos.AgentID {
				return holder, nil
			}
			return nil, fmt.Errorf("%w: %s held by agent %s (%s)",
				ErrPositionConflict, pos.Symbol, holder.AgentID, holder.Status)
		}
	}

	if err := s.db.InsertPendingPosition(ctx, pos); err != nil {
		if errors.Is(err, db.ErrDuplicateSymbol) {
			return nil, fmt.Errorf("%w: %s", ErrPositionConflict, pos.Symbol)
		}
		return nil, err
	}

	s.log.Debug().
		Str("position_id", pos.ID.String()).
		Str("agent_id", pos.AgentID.String()).
		Str("symbol", pos.Symbol).
		Msg("Position claimed")
	return pos, nil
}

// ClaimPositionWithCapitalCheck runs the capital checks and the claim under
// the account capital lock so concurrent agents cannot both pass the check.
// Lock contention fails closed as ErrCapitalExceeded.
func (s *Service) ClaimPositionWithCapitalCheck(ctx context.Context, agent *db.Agent, pos *db.AgentPosition, accountEquity float64) (*db.AgentPosition, error) {
	if pos.AccountID == nil {
		return s.ClaimPosition(ctx, pos)
	}

	lock, err := s.locker.AcquireCapitalLock(ctx, pos.AccountID.String())
	if err != nil {
		return nil, fmt.Errorf("capital lock error: %w", err)
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: capital lock contention on account %s", ErrCapitalExceeded, pos.AccountID)
	}
	defer lock.Release(ctx) //nolint:errcheck

	margin := pos.SizeUSD / float64(maxInt(pos.Leverage, 1))
	if err := s.CheckCapitalAllocation(ctx, agent, accountEquity, margin); err != nil {
		return nil, err
	}
	return s.ClaimPosition(ctx, pos)
}

// CheckCapitalAllocation verifies a new margin requirement fits the agent's
// own allocation, that the account's combined agent allocations stay under
// the cap, and that open margin plus the new requirement does too. Margin is
// notional divided by leverage.
func (s *Service) CheckCapitalAllocation(ctx context.Context, agent *db.Agent, accountEquity, newMarginUSD float64) error {
	if limit, limited := agent.EffectiveCapital(accountEquity); limited {
		used, err := s.db.SumAgentOpenMargin(ctx, agent.ID)
		if err != nil {
			return err
		}
		if used+newMarginUSD > limit {
			return fmt.Errorf("%w: agent margin %.2f + %.2f exceeds allocation %.2f",
				ErrCapitalExceeded, used, newMarginUSD, limit)
		}
	}

	if agent.AccountID != nil && accountEquity > 0 {
		accountCap := accountEquity * AccountCapRatio

		// Sum of effective capitals across every agent that can still trade
		// on the account. Unlimited agents draw from the shared remainder
		// and contribute nothing here.
		peers, err := s.db.ListAccountAgents(ctx, *agent.AccountID, []db.AgentStatus{
			db.AgentStatusActive, db.AgentStatusPaused, db.AgentStatusWarning,
		})
		if err != nil {
			return err
		}
		var allocated float64
		for _, peer := range peers {
			if alloc, limited := peer.EffectiveCapital(accountEquity); limited {
				allocated += alloc
			}
		}
		if allocated > accountCap {
			return fmt.Errorf("%w: agent allocations %.2f exceed %.0f%% of equity %.2f",
				ErrCapitalExceeded, allocated, AccountCapRatio*100, accountEquity)
		}

		// Open margin is checked as well so unlimited agents cannot push the
		// account past the cap between allocation reviews
		positions, err := s.db.ListAccountOpenPositions(ctx, *agent.AccountID)
		if err != nil {
			return err
		}
		var accountUsed float64
		for _, p := range positions {
			accountUsed += p.Margin()
		}
		if accountUsed+newMarginUSD > accountCap {
			return fmt.Errorf("%w: account margin %.2f + %.2f exceeds %.0f%% of equity %.2f",
				ErrCapitalExceeded, accountUsed, newMarginUSD, AccountCapRatio*100, accountEquity)
		}
	}
	return nil
}

// CheckCapitalAllocationLocked runs CheckCapitalAllocation while holding the
// account capital lock, for callers adding margin to a record they already
// hold. Lock contention fails closed as ErrCapitalExceeded.
func (s *Service) CheckCapitalAllocationLocked(ctx context.Context, agent *db.Agent, accountEquity, newMarginUSD float64) error {
	if agent.AccountID == nil {
		return s.CheckCapitalAllocation(ctx, agent, accountEquity, newMarginUSD)
	}

	lock, err := s.locker.AcquireCapitalLock(ctx, agent.AccountID.String())
	if err != nil {
		return fmt.Errorf("capital lock error: %w", err)
	}
	if lock == nil {
		return fmt.Errorf("%w: capital lock contention on account %s", ErrCapitalExceeded, agent.AccountID)
	}
	defer lock.Release(ctx) //nolint:errcheck

	return s.CheckCapitalAllocation(ctx, agent, accountEquity, newMarginUSD)
}

// ConfirmPosition transitions a claim to open with actual fill data
func (s *Service) ConfirmPosition(ctx context.Context, id uuid.UUID, size, sizeUSD, entryPrice float64) error {
	return s.db.ConfirmPosition(ctx, id, size, sizeUSD, entryPrice)
}

// ReleaseClaim removes a pending claim after a failed or abandoned order.
// Releasing an already-confirmed record is a no-op.
func (s *Service) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return s.db.DeletePendingPosition(ctx, id)
}

// AccumulatePosition folds an additional fill into an open record
func (s *Service) AccumulatePosition(ctx context.Context, id uuid.UUID, addSize, addSizeUSD, fillPrice float64) error {
	return s.db.AccumulatePosition(ctx, id, addSize, addSizeUSD, fillPrice)
}

// ClosePosition transitions a record to closed with realized PnL
func (s *Service) ClosePosition(ctx context.Context, id uuid.UUID, closePrice, realizedPnL float64) error {
	return s.db.ClosePositionRecord(ctx, id, closePrice, realizedPnL)
}

// ListAgentPositions returns an agent's records, optionally by status
func (s *Service) ListAgentPositions(ctx context.Context, agentID uuid.UUID, statuses ...db.PositionStatus) ([]*db.AgentPosition, error) {
	return s.db.ListAgentPositions(ctx, agentID, statuses...)
}

// GetAgentPositionForSymbol returns the agent's live record for a symbol
func (s *Service) GetAgentPositionForSymbol(ctx context.Context, agentID uuid.UUID, symbol string) (*db.AgentPosition, error) {
	return s.db.GetAgentPositionForSymbol(ctx, agentID, symbol)
}

// CleanupStalePending removes pending claims older than StalePendingAge.
// Claims that old are residue of crashed workers, not in-flight orders.
func (s *Service) CleanupStalePending(ctx context.Context) (int64, error) {
	count, err := s.db.DeleteStalePending(ctx, StalePendingAge)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.log.Info().Int64("count", count).Msg("Removed stale pending claims")
	}
	return count, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
