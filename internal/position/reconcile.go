package position

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantflow/quantflow/internal/db"
	"github.com/quantflow/quantflow/internal/trader"
)

const (
	// zombieGrace protects records whose exchange fill may not be visible yet
	zombieGrace = 5 * time.Minute

	// driftEpsilon is the size difference below which DB and exchange agree
	driftEpsilon = 1e-8
)

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	ZombiesClosed       int
	OrphansAdopted      int
	DriftsFixed         int
	StalePendingRemoved int64
}

// Reconcile aligns database records with exchange state for one account:
//   - zombie records (open in DB, gone on the exchange, past the grace
//     period) are closed with zero realized PnL
//   - orphan exchange positions (no DB record) are adopted under the
//     unowned agent id so reporting sees them
//   - size drift between DB and exchange is overwritten from the exchange,
//     which is authoritative for sizes
//   - stale pending claims are swept at the end of the pass
func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID, t trader.Trader) (*ReconcileReport, error) {
	exchangePositions, err := t.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]trader.Position, len(exchangePositions))
	for _, p := range exchangePositions {
		bySymbol[p.Symbol] = p
	}

	records, err := s.db.ListAccountOpenPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	now := time.Now()
	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		seen[rec.Symbol] = true
		exch, exists := bySymbol[rec.Symbol]

		if !exists {
			// Pending claims are handled by CleanupStalePending
			if rec.Status != db.PositionStatusOpen {
				continue
			}
			if now.Sub(rec.OpenedAt) < zombieGrace {
				continue
			}
			s.log.Warn().
				Str("position_id", rec.ID.String()).
				Str("symbol", rec.Symbol).
				Str("agent_id", rec.AgentID.String()).
				Msg("Closing zombie position record, no exchange counterpart")
			if err := s.db.ClosePositionRecord(ctx, rec.ID, rec.EntryPrice, 0); err != nil {
				s.log.Error().Err(err).Str("position_id", rec.ID.String()).Msg("Failed to close zombie record")
				continue
			}
			report.ZombiesClosed++
			continue
		}

		if rec.Status == db.PositionStatusOpen && math.Abs(exch.Size-rec.Size) > driftEpsilon {
			s.log.Warn().
				Str("symbol", rec.Symbol).
				Float64("db_size", rec.Size).
				Float64("exchange_size", exch.Size).
				Msg("Fixing position size drift from exchange")
			if err := s.db.UpdatePositionSize(ctx, rec.ID, exch.Size, exch.SizeUSD); err != nil {
				s.log.Error().Err(err).Str("position_id", rec.ID.String()).Msg("Failed to fix size drift")
				continue
			}
			report.DriftsFixed++
		}
	}

	for symbol, exch := range bySymbol {
		if seen[symbol] || exch.Size == 0 {
			continue
		}
		s.log.Warn().
			Str("symbol", symbol).
			Float64("size", exch.Size).
			Msg("Adopting orphan exchange position under unowned agent")
		err := s.db.InsertOpenPosition(ctx, &db.AgentPosition{
			AgentID:    db.UnownedAgentID,
			AgentType:  "unowned",
			AccountID:  &accountID,
			Symbol:     symbol,
			Side:       string(exch.Side),
			Size:       exch.Size,
			SizeUSD:    exch.SizeUSD,
			EntryPrice: exch.EntryPrice,
			Leverage:   exch.Leverage,
		})
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to adopt orphan position")
			continue
		}
		report.OrphansAdopted++
	}

	// Sweep crash residue: pending claims past StalePendingAge never got
	// their fill and never will
	removed, err := s.CleanupStalePending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Stale pending cleanup failed during reconcile")
	} else {
		report.StalePendingRemoved = removed
	}

	return report, nil
}
