package risk

import (
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/venues"
)

// Unrealized computes the open P&L of a position in quote units. The
// math is parameterized on what qty measures: asset units (spot and the
// perp venues) or committed collateral (the CFD venue), where leverage
// multiplies the price move.
func Unrealized(side storage.Side, sem venues.QtySemantics, entry, current, qty, leverage float64) float64 {
	if entry == 0 {
		return 0
	}
	move := current - entry
	if side == storage.SideShort {
		move = -move
	}

	switch sem {
	case venues.QtyQuoteCollateral:
		if leverage <= 0 {
			leverage = 1
		}
		return qty * leverage * move / entry
	default:
		return qty * move
	}
}

// Realized computes the closed P&L given the recorded exit price, using
// the same qty semantics as Unrealized.
func Realized(side storage.Side, sem venues.QtySemantics, entry, exit, qty, leverage float64) float64 {
	return Unrealized(side, sem, entry, exit, qty, leverage)
}
