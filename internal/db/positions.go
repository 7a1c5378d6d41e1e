package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateSymbol is returned when the partial unique index on
// (account_id, symbol) WHERE status IN (pending, open) rejects an insert.
// It is the database-level backstop behind the Redis symbol lock.
var ErrDuplicateSymbol = errors.New("symbol already held on account")

const positionColumns = `
	id, agent_id, agent_type, account_id, symbol, side,
	size, size_usd, entry_price, leverage, status,
	opened_at, close_price, realized_pnl, closed_at`

func scanPosition(row pgx.Row) (*AgentPosition, error) {
	var p AgentPosition
	err := row.Scan(
		&p.ID, &p.AgentID, &p.AgentType, &p.AccountID, &p.Symbol, &p.Side,
		&p.Size, &p.SizeUSD, &p.EntryPrice, &p.Leverage, &p.Status,
		&p.OpenedAt, &p.ClosePrice, &p.RealizedPnL, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPositionByID retrieves a position record
func (db *DB) GetPositionByID(ctx context.Context, id uuid.UUID) (*AgentPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM agent_positions WHERE id = $1`
	p, err := scanPosition(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("position not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// GetSymbolHolder returns the pending|open record for (account, symbol),
// nil when the symbol is free.
func (db *DB) GetSymbolHolder(ctx context.Context, accountID uuid.UUID, symbol string) (*AgentPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM agent_positions
		WHERE account_id = $1 AND symbol = $2 AND status IN ('pending', 'open')
		LIMIT 1`
	p, err := scanPosition(db.pool.QueryRow(ctx, query, accountID, symbol))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get symbol holder: %w", err)
	}
	return p, nil
}

// InsertPendingPosition inserts a pending claim inside a savepoint so the
// partial unique index violation does not poison any outer work. A conflict
// surfaces as ErrDuplicateSymbol.
func (db *DB) InsertPendingPosition(ctx context.Context, pos *AgentPosition) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	pos.Status = PositionStatusPending

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Nested Begin creates a savepoint on pgx
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create claim savepoint: %w", err)
	}

	query := `
		INSERT INTO agent_positions (
			id, agent_id, agent_type, account_id, symbol, side,
			size, size_usd, entry_price, leverage, status, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = sp.Exec(ctx, query,
		pos.ID, pos.AgentID, pos.AgentType, pos.AccountID, pos.Symbol, pos.Side,
		pos.Size, pos.SizeUSD, pos.EntryPrice, pos.Leverage, pos.Status, pos.OpenedAt,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSymbol
		}
		return fmt.Errorf("failed to insert pending claim: %w", err)
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim savepoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit claim: %w", err)
	}
	return nil
}

// InsertOpenPosition inserts an already-open record. Used by reconciliation
// when adopting exchange-side orphans under the unowned agent id.
func (db *DB) InsertOpenPosition(ctx context.Context, pos *AgentPosition) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}
	pos.Status = PositionStatusOpen

	query := `
		INSERT INTO agent_positions (
			id, agent_id, agent_type, account_id, symbol, side,
			size, size_usd, entry_price, leverage, status, opened_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := db.pool.Exec(ctx, query,
		pos.ID, pos.AgentID, pos.AgentType, pos.AccountID, pos.Symbol, pos.Side,
		pos.Size, pos.SizeUSD, pos.EntryPrice, pos.Leverage, pos.Status, pos.OpenedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSymbol
		}
		return fmt.Errorf("failed to insert open position: %w", err)
	}
	return nil
}

// ConfirmPosition transitions pending -> open with fill data
func (db *DB) ConfirmPosition(ctx context.Context, id uuid.UUID, size, sizeUSD, entryPrice float64) error {
	query := `
		UPDATE agent_positions
		SET size = $2, size_usd = $3, entry_price = $4, status = 'open'
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := db.pool.Exec(ctx, query, id, size, sizeUSD, entryPrice)
	if err != nil {
		return fmt.Errorf("failed to confirm position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no pending claim to confirm: %s", id)
	}
	return nil
}

// DeletePendingPosition removes a pending claim. Open records are never
// deleted here, so a stray release after a fill is a no-op.
func (db *DB) DeletePendingPosition(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM agent_positions WHERE id = $1 AND status = 'pending'`
	if _, err := db.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// AccumulatePosition adds fill data to an open record, recomputing the
// entry price as the size-weighted average. Row-level lock prevents
// concurrent accumulations from losing updates.
func (db *DB) AccumulatePosition(ctx context.Context, id uuid.UUID, addSize, addSizeUSD, fillPrice float64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin accumulate transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var size, sizeUSD, entry float64
	var status PositionStatus
	row := tx.QueryRow(ctx,
		`SELECT size, size_usd, entry_price, status FROM agent_positions WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&size, &sizeUSD, &entry, &status); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("position not found: %s", id)
		}
		return fmt.Errorf("failed to lock position for accumulation: %w", err)
	}
	if status != PositionStatusOpen {
		return fmt.Errorf("cannot accumulate %s position %s", status, id)
	}

	newSize := size + addSize
	newEntry := entry
	if newSize > 0 {
		newEntry = (size*entry + addSize*fillPrice) / newSize
	}

	_, err = tx.Exec(ctx,
		`UPDATE agent_positions SET size = $2, size_usd = $3, entry_price = $4 WHERE id = $1`,
		id, newSize, sizeUSD+addSizeUSD, newEntry,
	)
	if err != nil {
		return fmt.Errorf("failed to accumulate position: %w", err)
	}
	return tx.Commit(ctx)
}

// ClosePositionRecord transitions an open record to closed with fill data.
// Pending claims never close; they are confirmed or deleted.
func (db *DB) ClosePositionRecord(ctx context.Context, id uuid.UUID, closePrice, realizedPnL float64) error {
	query := `
		UPDATE agent_positions
		SET status = 'closed', close_price = $2, realized_pnl = $3, closed_at = $4
		WHERE id = $1 AND status = 'open'
	`
	tag, err := db.pool.Exec(ctx, query, id, closePrice, realizedPnL, time.Now())
	if err != nil {
		return fmt.Errorf("failed to close position record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position not found or not open: %s", id)
	}
	return nil
}

// UpdatePositionSize overwrites size fields (reconciliation drift fix)
func (db *DB) UpdatePositionSize(ctx context.Context, id uuid.UUID, size, sizeUSD float64) error {
	query := `UPDATE agent_positions SET size = $2, size_usd = $3 WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id, size, sizeUSD); err != nil {
		return fmt.Errorf("failed to update position size: %w", err)
	}
	return nil
}

// ListAgentPositions returns an agent's positions, optionally filtered by status
func (db *DB) ListAgentPositions(ctx context.Context, agentID uuid.UUID, statuses ...PositionStatus) ([]*AgentPosition, error) {
	var rows pgx.Rows
	var err error
	if len(statuses) == 0 {
		query := `SELECT ` + positionColumns + ` FROM agent_positions WHERE agent_id = $1 ORDER BY opened_at DESC`
		rows, err = db.pool.Query(ctx, query, agentID)
	} else {
		query := `SELECT ` + positionColumns + ` FROM agent_positions
			WHERE agent_id = $1 AND status = ANY($2) ORDER BY opened_at DESC`
		rows, err = db.pool.Query(ctx, query, agentID, statuses)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent positions: %w", err)
	}
	defer rows.Close()

	var positions []*AgentPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// GetAgentPositionForSymbol returns the agent's pending|open record for a symbol
func (db *DB) GetAgentPositionForSymbol(ctx context.Context, agentID uuid.UUID, symbol string) (*AgentPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM agent_positions
		WHERE agent_id = $1 AND symbol = $2 AND status IN ('pending', 'open')
		LIMIT 1`
	p, err := scanPosition(db.pool.QueryRow(ctx, query, agentID, symbol))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent position for symbol: %w", err)
	}
	return p, nil
}

// ListAccountOpenPositions returns every pending|open record on an account
func (db *DB) ListAccountOpenPositions(ctx context.Context, accountID uuid.UUID) ([]*AgentPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM agent_positions
		WHERE account_id = $1 AND status IN ('pending', 'open') ORDER BY opened_at`
	rows, err := db.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account positions: %w", err)
	}
	defer rows.Close()

	var positions []*AgentPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// HasOpenPositions reports whether an agent holds any pending|open record
func (db *DB) HasOpenPositions(ctx context.Context, agentID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM agent_positions WHERE agent_id = $1 AND status IN ('pending', 'open')
	)`
	if err := db.pool.QueryRow(ctx, query, agentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check open positions: %w", err)
	}
	return exists, nil
}

// SumAgentOpenMargin sums size_usd/leverage over the agent's open records
func (db *DB) SumAgentOpenMargin(ctx context.Context, agentID uuid.UUID) (float64, error) {
	var margin float64
	query := `SELECT COALESCE(SUM(size_usd / GREATEST(leverage, 1)), 0)
		FROM agent_positions WHERE agent_id = $1 AND status = 'open'`
	if err := db.pool.QueryRow(ctx, query, agentID).Scan(&margin); err != nil {
		return 0, fmt.Errorf("failed to sum open margin: %w", err)
	}
	return margin, nil
}

// DeleteStalePending removes pending claims older than maxAge (crash residue)
func (db *DB) DeleteStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	query := `DELETE FROM agent_positions WHERE status = 'pending' AND opened_at < $1`
	tag, err := db.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale pending claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
