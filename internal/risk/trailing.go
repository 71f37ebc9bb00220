package risk

import (
	"math"

	"venue-coordinator/internal/storage"
)

// Stop policy constants. Hard stop is a static loss bound from entry;
// trailing arms only after the activation threshold is reached.
const (
	HardStopPct   = 10.0
	ActivationPct = 3.0
)

// Decision is the outcome of one monitor step over a position.
type Decision struct {
	Close  bool
	Reason string

	// Updated anchors. AnchorMoved is true when the new extreme must be
	// persisted; unchanged anchors are not rewritten.
	Highest     float64
	Lowest      float64
	AnchorMoved bool
}

// Evaluate runs the stop state machine for one price observation.
//
// LONG: hard stop at entry·(1−HS%), trailing arms once the high reaches
// entry·(1+activation%) and fires when price falls trailingPct below the
// high. SHORT mirrors both bounds around the low.
func Evaluate(side storage.Side, entry, current, trailingPct, highest, lowest float64) Decision {
	if side == storage.SideShort {
		return evaluateShort(entry, current, trailingPct, lowest)
	}
	return evaluateLong(entry, current, trailingPct, highest)
}

func evaluateLong(entry, current, trailingPct, highest float64) Decision {
	d := Decision{Highest: highest}

	if current <= entry*(1-HardStopPct/100) {
		d.Close = true
		d.Reason = storage.ExitHardStopLoss
		return d
	}

	if current > highest {
		d.Highest = current
		d.AnchorMoved = true
	}

	if trailingPct <= 0 {
		return d
	}

	armed := d.Highest >= entry*(1+ActivationPct/100)
	if armed && current <= d.Highest*(1-trailingPct/100) {
		d.Close = true
		d.Reason = storage.ExitTrailingStop
	}
	return d
}

func evaluateShort(entry, current, trailingPct, lowest float64) Decision {
	d := Decision{Lowest: lowest}

	if current >= entry*(1+HardStopPct/100) {
		d.Close = true
		d.Reason = storage.ExitHardStopLoss
		return d
	}

	if lowest == 0 || current < lowest {
		d.Lowest = current
		d.AnchorMoved = lowest != current
	}

	if trailingPct <= 0 {
		return d
	}

	armed := d.Lowest > 0 && d.Lowest <= entry*(1-ActivationPct/100)
	if armed && current >= d.Lowest*(1+trailingPct/100) {
		d.Close = true
		d.Reason = storage.ExitTrailingStop
	}
	return d
}

// ArmPrice returns the activation threshold for a side.
func ArmPrice(side storage.Side, entry float64) float64 {
	if side == storage.SideShort {
		return entry * (1 - ActivationPct/100)
	}
	return entry * (1 + ActivationPct/100)
}

// StopDistance reports how far the current price sits from the armed
// trailing threshold, as a fraction. Used for dashboard display only.
func StopDistance(side storage.Side, current, anchor, trailingPct float64) float64 {
	if anchor == 0 {
		return math.NaN()
	}
	if side == storage.SideShort {
		threshold := anchor * (1 + trailingPct/100)
		return (threshold - current) / current
	}
	threshold := anchor * (1 - trailingPct/100)
	return (current - threshold) / current
}
