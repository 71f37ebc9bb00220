package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Model selects how the platform fee is computed for a venue.
type Model string

const (
	ModelFlat        Model = "FLAT"
	ModelPercentage  Model = "PERCENTAGE"
	ModelTiered      Model = "TIERED"
	ModelProfitShare Model = "PROFIT_SHARE"
)

// CreatorSharePct is the fixed share of realized gains distributed to
// the deployment's profit receiver, independent of the platform fee model.
var CreatorSharePct = decimal.NewFromInt(20)

// Tier maps a realized-profit threshold to a share percentage. Tiers are
// evaluated highest threshold first; the first one at or below the profit
// applies.
type Tier struct {
	Threshold decimal.Decimal
	SharePct  decimal.Decimal
}

// Policy is a venue's configured fee schedule.
type Policy struct {
	Model          Model
	FlatFee        decimal.Decimal
	FeePercent     decimal.Decimal // percent of notional
	ProfitSharePct decimal.Decimal // percent of realized gain
	Tiers          []Tier
}

// CreatorShare returns the creator's cut of a realized gain. Losses and
// break-even closes yield zero.
func CreatorShare(realizedPnL float64) decimal.Decimal {
	pnl := decimal.NewFromFloat(realizedPnL)
	if pnl.Sign() <= 0 {
		return decimal.Zero
	}
	return pnl.Mul(CreatorSharePct).Div(decimal.NewFromInt(100))
}

// Assess computes the platform fee for one close. Notional is the
// position's quote value at entry; realizedPnL may be negative.
func (p Policy) Assess(notional, realizedPnL float64) (decimal.Decimal, error) {
	pnl := decimal.NewFromFloat(realizedPnL)
	hundred := decimal.NewFromInt(100)

	switch p.Model {
	case ModelFlat:
		return p.FlatFee, nil

	case ModelPercentage:
		return decimal.NewFromFloat(notional).Mul(p.FeePercent).Div(hundred), nil

	case ModelProfitShare:
		if pnl.Sign() <= 0 {
			return decimal.Zero, nil
		}
		return pnl.Mul(p.ProfitSharePct).Div(hundred), nil

	case ModelTiered:
		if pnl.Sign() <= 0 {
			return decimal.Zero, nil
		}
		// highest qualifying bracket wins
		best := decimal.Zero
		matched := false
		bestThreshold := decimal.Zero
		for _, t := range p.Tiers {
			if pnl.GreaterThanOrEqual(t.Threshold) {
				if !matched || t.Threshold.GreaterThan(bestThreshold) {
					best = t.SharePct
					bestThreshold = t.Threshold
					matched = true
				}
			}
		}
		if !matched {
			return decimal.Zero, nil
		}
		return pnl.Mul(best).Div(hundred), nil

	default:
		return decimal.Zero, fmt.Errorf("unknown fee model %q", p.Model)
	}
}
