package storage

import "database/sql"

// UpsertToken inserts or refreshes a token registry entry.
func (d *DB) UpsertToken(t *TokenInfo) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO token_registry (chain_id, symbol, address, decimals)
		VALUES (?, ?, ?, ?)`,
		t.ChainID, t.Symbol, t.Address, t.Decimals)
	return err
}

// GetToken retrieves a registry entry for (chain, symbol). Returns
// (nil, nil) when the token is unknown.
func (d *DB) GetToken(chainID int64, symbol string) (*TokenInfo, error) {
	var t TokenInfo
	err := d.db.QueryRow(`
		SELECT chain_id, symbol, address, decimals
		FROM token_registry WHERE chain_id = ? AND symbol = ?`,
		chainID, symbol).Scan(&t.ChainID, &t.Symbol, &t.Address, &t.Decimals)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TokensForChain lists all registry entries on a chain.
func (d *DB) TokensForChain(chainID int64) ([]*TokenInfo, error) {
	rows, err := d.db.Query(`
		SELECT chain_id, symbol, address, decimals
		FROM token_registry WHERE chain_id = ? ORDER BY symbol`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*TokenInfo
	for rows.Next() {
		var t TokenInfo
		if err := rows.Scan(&t.ChainID, &t.Symbol, &t.Address, &t.Decimals); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}
