package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertBillingEvent appends a billing record. The table is append-only;
// there is deliberately no update or delete.
func (d *DB) InsertBillingEvent(e *BillingEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt == 0 {
		e.OccurredAt = Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO billing_events (id, deployment_id, kind, amount, asset, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeploymentID, e.Kind, e.Amount, e.Asset, e.OccurredAt)
	return err
}

// RecentBillingEvents returns the newest billing events.
func (d *DB) RecentBillingEvents(limit int) ([]*BillingEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, deployment_id, kind, amount, asset, occurred_at
		FROM billing_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*BillingEvent
	for rows.Next() {
		var e BillingEvent
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Kind, &e.Amount, &e.Asset, &e.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ConsumeDailyVolume atomically adds amount to the venue's volume for day
// and fails when the running total would exceed limit. Used for the PERP-A
// daily-volume ceiling.
func (d *DB) ConsumeDailyVolume(venue Venue, day string, amount, limit float64) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current float64
	err = tx.QueryRow(`SELECT volume FROM venue_volume WHERE venue = ? AND day = ?`, venue, day).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if current+amount > limit {
		return fmt.Errorf("daily volume limit reached: %.2f + %.2f > %.2f", current, amount, limit)
	}

	if _, err := tx.Exec(`
		INSERT INTO venue_volume (venue, day, volume) VALUES (?, ?, ?)
		ON CONFLICT(venue, day) DO UPDATE SET volume = volume + ?`,
		venue, day, amount, amount); err != nil {
		return err
	}

	return tx.Commit()
}

// RefundDailyVolume returns quota consumed for an order that never made it
// to the venue. The floor at zero keeps a double refund from opening
// headroom that was never consumed.
func (d *DB) RefundDailyVolume(venue Venue, day string, amount float64) error {
	_, err := d.db.Exec(`
		UPDATE venue_volume SET volume = MAX(0, volume - ?) WHERE venue = ? AND day = ?`,
		amount, venue, day)
	return err
}
