package storage

import (
	"database/sql"
	"strings"
)

// InsertAgentAddress registers a delegated agent address. The schema
// enforces one address per (user, venue) and global address uniqueness;
// both violations surface as ErrDuplicateAgentAddress.
func (d *DB) InsertAgentAddress(a *AgentAddress) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = Now()
	}
	a.UserWallet = strings.ToLower(a.UserWallet)
	_, err := d.db.Exec(`
		INSERT INTO agent_addresses (user_wallet, venue, address, created_at)
		VALUES (?, ?, ?, ?)`,
		a.UserWallet, a.Venue, a.Address, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateAgentAddress
	}
	return err
}

// AgentAddressFor returns the delegated address for (user, venue), or
// (nil, nil) when the user has none on that venue.
func (d *DB) AgentAddressFor(userWallet string, venue Venue) (*AgentAddress, error) {
	var a AgentAddress
	err := d.db.QueryRow(`
		SELECT user_wallet, venue, address, created_at
		FROM agent_addresses WHERE user_wallet = ? AND venue = ?`,
		strings.ToLower(userWallet), venue).Scan(&a.UserWallet, &a.Venue, &a.Address, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AddressOwner returns the user wallet that owns a delegated address, or ""
// when the address is unknown. Orphan reconciliation relies on one owner
// per address.
func (d *DB) AddressOwner(address string) (string, error) {
	var owner string
	err := d.db.QueryRow(`SELECT user_wallet FROM agent_addresses WHERE address = ?`, address).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return owner, err
}
