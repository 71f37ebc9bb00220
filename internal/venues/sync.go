package venues

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/storage"
)

// MarketSyncer refreshes the venue's tradeable market table.
type MarketSyncer interface {
	SyncMarkets(ctx context.Context) (int, error)
}

// SyncAll refreshes markets for every adapter that supports syncing.
// Returns per-venue counts; a failing venue does not block the others.
func SyncAll(ctx context.Context, adapters map[storage.Venue]Adapter) map[storage.Venue]int {
	counts := make(map[storage.Venue]int)
	for venue, a := range adapters {
		syncer, ok := a.(MarketSyncer)
		if !ok {
			continue
		}
		n, err := syncer.SyncMarkets(ctx)
		if err != nil {
			log.Error().Err(err).Str("venue", string(venue)).Msg("market sync failed")
			continue
		}
		counts[venue] = n
		log.Info().Str("venue", string(venue)).Int("markets", n).Msg("markets synced")
	}
	return counts
}

// SyncMarkets marks every registered token tradeable on the spot DEX.
func (a *SpotAdapter) SyncMarkets(ctx context.Context) (int, error) {
	tokens, err := a.repo.TokensForChain(a.cfg.ChainID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tokens {
		err := a.repo.UpsertMarket(&storage.VenueMarket{
			Venue:       storage.VenueSpot,
			TokenSymbol: strings.ToUpper(t.Symbol),
			MarketRef:   t.Address,
			IsActive:    true,
			MinPosition: 0.1,
			MaxLeverage: 1,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SyncMarkets writes the configured whitelisted markets for the on-chain
// perp venue.
func (a *PerpAAdapter) SyncMarkets(ctx context.Context) (int, error) {
	maxLev := a.cfg.MaxMarketLeverage
	if maxLev == 0 || maxLev > perpAMaxLeverage {
		maxLev = perpAMaxLeverage
	}
	n := 0
	for symbol, marketRef := range a.cfg.Markets {
		sym := strings.ToUpper(symbol)
		err := a.repo.UpsertMarket(&storage.VenueMarket{
			Venue:       storage.VenuePerpA,
			TokenSymbol: sym,
			MarketRef:   marketRef,
			IsActive:    a.whitelist[sym],
			MinPosition: 1,
			MaxLeverage: maxLev,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SyncMarkets pulls the order book venue's asset universe.
func (a *PerpBAdapter) SyncMarkets(ctx context.Context) (int, error) {
	var meta struct {
		Universe []struct {
			Name        string  `json:"name"`
			MaxLeverage float64 `json:"maxLeverage"`
			Delisted    bool    `json:"isDelisted"`
		} `json:"universe"`
	}
	if err := a.post(ctx, "/info", map[string]string{"type": "meta"}, &meta); err != nil {
		return 0, fmt.Errorf("meta query: %w", err)
	}

	n := 0
	for _, u := range meta.Universe {
		err := a.repo.UpsertMarket(&storage.VenueMarket{
			Venue:       storage.VenuePerpB,
			TokenSymbol: strings.ToUpper(u.Name),
			MarketRef:   u.Name,
			IsActive:    !u.Delisted,
			MinPosition: perpBMinOrderUSD,
			MaxLeverage: u.MaxLeverage,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SyncMarkets pulls the CFD venue's pair list.
func (a *PerpCAdapter) SyncMarkets(ctx context.Context) (int, error) {
	var pairs []struct {
		Pair          string  `json:"pair"`
		MinCollateral float64 `json:"minCollateral"`
		MaxLeverage   float64 `json:"maxLeverage"`
		Active        bool    `json:"active"`
	}
	if err := a.get(ctx, "/pairs", &pairs); err != nil {
		return 0, fmt.Errorf("pairs query: %w", err)
	}

	n := 0
	for _, p := range pairs {
		minPos := p.MinCollateral
		if minPos == 0 {
			minPos = perpCMinCollateralUSD
		}
		err := a.repo.UpsertMarket(&storage.VenueMarket{
			Venue:       storage.VenuePerpC,
			TokenSymbol: strings.ToUpper(p.Pair),
			MarketRef:   p.Pair,
			IsActive:    p.Active,
			MinPosition: minPos,
			MaxLeverage: p.MaxLeverage,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
