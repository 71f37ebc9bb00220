package storage

import "database/sql"

// UpsertMarket inserts or refreshes a venue market row (market sync).
func (d *DB) UpsertMarket(m *VenueMarket) error {
	if m.SyncedAt == 0 {
		m.SyncedAt = Now()
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO venue_markets
		(venue, token_symbol, market_ref, is_active, min_position, max_leverage, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Venue, m.TokenSymbol, m.MarketRef, boolToInt(m.IsActive), m.MinPosition, m.MaxLeverage, m.SyncedAt)
	return err
}

// GetMarket retrieves a (venue, token) market. Returns (nil, nil) when absent.
func (d *DB) GetMarket(venue Venue, tokenSymbol string) (*VenueMarket, error) {
	var m VenueMarket
	var active int
	err := d.db.QueryRow(`
		SELECT venue, token_symbol, market_ref, is_active, min_position, max_leverage, synced_at
		FROM venue_markets WHERE venue = ? AND token_symbol = ?`,
		venue, tokenSymbol).Scan(&m.Venue, &m.TokenSymbol, &m.MarketRef, &active,
		&m.MinPosition, &m.MaxLeverage, &m.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.IsActive = active != 0
	return &m, nil
}

// MarketActive reports whether (venue, token) is tradeable right now.
func (d *DB) MarketActive(venue Venue, tokenSymbol string) (bool, error) {
	m, err := d.GetMarket(venue, tokenSymbol)
	if err != nil || m == nil {
		return false, err
	}
	return m.IsActive, nil
}

// MarketsForVenue lists all markets synced for a venue.
func (d *DB) MarketsForVenue(venue Venue) ([]*VenueMarket, error) {
	rows, err := d.db.Query(`
		SELECT venue, token_symbol, market_ref, is_active, min_position, max_leverage, synced_at
		FROM venue_markets WHERE venue = ?`, venue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []*VenueMarket
	for rows.Next() {
		var m VenueMarket
		var active int
		if err := rows.Scan(&m.Venue, &m.TokenSymbol, &m.MarketRef, &active,
			&m.MinPosition, &m.MaxLeverage, &m.SyncedAt); err != nil {
			return nil, err
		}
		m.IsActive = active != 0
		markets = append(markets, &m)
	}
	return markets, rows.Err()
}
