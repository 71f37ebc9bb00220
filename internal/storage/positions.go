package storage

import "database/sql"

// InsertPosition creates a position row. A second insert for the same
// (deployment, signal) returns ErrDuplicatePosition; the unique index is
// the arbiter when two workers race.
func (d *DB) InsertPosition(p *Position) error {
	if p.OpenedAt == 0 {
		p.OpenedAt = Now()
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.Leverage == 0 {
		p.Leverage = 1
	}
	_, err := d.db.Exec(`
		INSERT INTO positions
		(id, deployment_id, signal_id, venue, token_symbol, side, entry_price, qty, leverage,
		 entry_tx_ref, opened_at, status, trailing_enabled, trailing_pct,
		 highest_price, lowest_price, entry_confirmed, venue_trade_id, venue_trade_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.DeploymentID, p.SignalID, p.Venue, p.TokenSymbol, p.Side, p.EntryPrice, p.Qty, p.Leverage,
		p.EntryTxRef, p.OpenedAt, p.Status, boolToInt(p.TrailingEnabled), p.TrailingPct,
		p.HighestPrice, p.LowestPrice, boolToInt(p.EntryConfirmed), p.VenueTradeID, p.VenueTradeIndex)
	if isUniqueViolation(err) {
		return ErrDuplicatePosition
	}
	return err
}

// GetPosition retrieves a position by id. Returns (nil, nil) when absent.
func (d *DB) GetPosition(id string) (*Position, error) {
	row := d.db.QueryRow(positionSelect+` WHERE id = ?`, id)
	return scanPosition(row)
}

// GetPositionByKey retrieves the position for (deployment, signal).
func (d *DB) GetPositionByKey(deploymentID, signalID string) (*Position, error) {
	row := d.db.QueryRow(positionSelect+` WHERE deployment_id = ? AND signal_id = ?`,
		deploymentID, signalID)
	return scanPosition(row)
}

// OpenPositionsFor returns non-CLOSED positions for a deployment+venue.
func (d *DB) OpenPositionsFor(deploymentID string, venue Venue) ([]*Position, error) {
	rows, err := d.db.Query(positionSelect+`
		WHERE deployment_id = ? AND venue = ? AND status != ?`,
		deploymentID, venue, StatusClosed)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// AllOpenPositions returns every non-CLOSED position across deployments.
func (d *DB) AllOpenPositions() ([]*Position, error) {
	rows, err := d.db.Query(positionSelect+` WHERE status != ? ORDER BY opened_at DESC`, StatusClosed)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// RecentClosedPositions returns the newest CLOSED positions.
func (d *DB) RecentClosedPositions(limit int) ([]*Position, error) {
	rows, err := d.db.Query(positionSelect+`
		WHERE status = ? ORDER BY closed_at DESC LIMIT ?`, StatusClosed, limit)
	if err != nil {
		return nil, err
	}
	return scanPositions(rows)
}

// MarkClosing attempts the OPEN -> CLOSING transition. It reports whether
// this caller won; a false return with nil error means another worker holds
// the close, or the position is already terminal.
func (d *DB) MarkClosing(id string) (bool, error) {
	res, err := d.db.Exec(`UPDATE positions SET status = ? WHERE id = ? AND status = ?`,
		StatusClosing, id, StatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReopenPosition reverts CLOSING -> OPEN after a failed close submission so
// the next cycle retries.
func (d *DB) ReopenPosition(id string) error {
	_, err := d.db.Exec(`UPDATE positions SET status = ? WHERE id = ? AND status = ?`,
		StatusOpen, id, StatusClosing)
	return err
}

// FinalizeClose transitions a position to CLOSED with its terminal fields.
// Qty is overwritten with the quantity actually closed when the venue
// reported one (stored qty can be stale for spot).
func (d *DB) FinalizeClose(id string, exitPrice, pnl, qty float64, exitTxRef, reason string) error {
	_, err := d.db.Exec(`
		UPDATE positions
		SET status = ?, closed_at = ?, exit_price = ?, pnl = ?, qty = ?, exit_tx_ref = ?, exit_reason = ?
		WHERE id = ?`,
		StatusClosed, Now(), exitPrice, pnl, qty, exitTxRef, reason, id)
	return err
}

// UpdateTrailingAnchors persists moved high/low water marks.
func (d *DB) UpdateTrailingAnchors(id string, highest, lowest float64) error {
	_, err := d.db.Exec(`UPDATE positions SET highest_price = ?, lowest_price = ? WHERE id = ?`,
		highest, lowest, id)
	return err
}

// ConfirmEntryPrice records the venue-confirmed entry price for a pending
// order and resets the trailing anchors to it.
func (d *DB) ConfirmEntryPrice(id string, entryPrice, qty float64) error {
	_, err := d.db.Exec(`
		UPDATE positions
		SET entry_price = ?, qty = ?, entry_confirmed = 1, highest_price = ?, lowest_price = ?
		WHERE id = ?`,
		entryPrice, qty, entryPrice, entryPrice, id)
	return err
}

// PositionStats aggregates closed positions for the dashboard.
func (d *DB) PositionStats() (total int, winRate, totalPnL float64, err error) {
	var wins int
	err = d.db.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END),
		       COALESCE(SUM(pnl), 0)
		FROM positions WHERE status = ?`, StatusClosed).Scan(&total, &wins, &totalPnL)
	if err != nil {
		return
	}
	if total > 0 {
		winRate = float64(wins) / float64(total) * 100
	}
	return
}

const positionSelect = `
	SELECT id, deployment_id, signal_id, venue, token_symbol, side, entry_price, qty, leverage,
	       entry_tx_ref, opened_at, status, closed_at, exit_price, exit_tx_ref, pnl, exit_reason,
	       trailing_enabled, trailing_pct, highest_price, lowest_price, entry_confirmed,
	       venue_trade_id, venue_trade_index
	FROM positions`

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var trailing, confirmed int
	err := row.Scan(&p.ID, &p.DeploymentID, &p.SignalID, &p.Venue, &p.TokenSymbol, &p.Side,
		&p.EntryPrice, &p.Qty, &p.Leverage, &p.EntryTxRef, &p.OpenedAt, &p.Status, &p.ClosedAt,
		&p.ExitPrice, &p.ExitTxRef, &p.PnL, &p.ExitReason,
		&trailing, &p.TrailingPct, &p.HighestPrice, &p.LowestPrice, &confirmed,
		&p.VenueTradeID, &p.VenueTradeIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.TrailingEnabled = trailing != 0
	p.EntryConfirmed = confirmed != 0
	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*Position, error) {
	defer rows.Close()
	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
