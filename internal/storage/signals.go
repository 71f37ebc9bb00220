package storage

import "database/sql"

// InsertSignal stores a signal. The token symbol is stored as received,
// manual tag included.
func (d *DB) InsertSignal(s *Signal) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO signals
		(id, agent_id, venue, token_symbol, side, size_kind, size_value,
		 stop_loss_pct, take_profit_pct, trailing_pct, leverage, source_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, s.Venue, s.TokenSymbol, s.Side, s.SizeKind, s.SizeValue,
		s.StopLossPct, s.TakeProfit, s.TrailingPct, s.Leverage, joinList(s.SourceRefs), s.CreatedAt)
	return err
}

// GetSignal retrieves a signal by id. Returns (nil, nil) when absent.
func (d *DB) GetSignal(id string) (*Signal, error) {
	var s Signal
	var refs string
	err := d.db.QueryRow(`
		SELECT id, agent_id, venue, token_symbol, side, size_kind, size_value,
		       stop_loss_pct, take_profit_pct, trailing_pct, leverage, source_refs, created_at
		FROM signals WHERE id = ?`, id).Scan(
		&s.ID, &s.AgentID, &s.Venue, &s.TokenSymbol, &s.Side, &s.SizeKind, &s.SizeValue,
		&s.StopLossPct, &s.TakeProfit, &s.TrailingPct, &s.Leverage, &refs, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.SourceRefs = splitList(refs)
	return &s, nil
}

// SetSignalVenue rewrites the signal's venue. The router is the only
// caller, and writes exactly once, after venue selection.
func (d *DB) SetSignalVenue(id string, venue Venue) error {
	_, err := d.db.Exec(`UPDATE signals SET venue = ? WHERE id = ?`, venue, id)
	return err
}

// RecentSignals returns the most recent signals, newest first.
func (d *DB) RecentSignals(limit int) ([]*Signal, error) {
	rows, err := d.db.Query(`
		SELECT id, agent_id, venue, token_symbol, side, size_kind, size_value,
		       stop_loss_pct, take_profit_pct, trailing_pct, leverage, source_refs, created_at
		FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		var s Signal
		var refs string
		if err := rows.Scan(&s.ID, &s.AgentID, &s.Venue, &s.TokenSymbol, &s.Side, &s.SizeKind, &s.SizeValue,
			&s.StopLossPct, &s.TakeProfit, &s.TrailingPct, &s.Leverage, &refs, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.SourceRefs = splitList(refs)
		signals = append(signals, &s)
	}
	return signals, rows.Err()
}
