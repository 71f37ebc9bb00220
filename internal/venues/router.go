package venues

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/storage"
)

// venuePreference is the fixed tie-break order for routing.
var venuePreference = []storage.Venue{
	storage.VenueSpot,
	storage.VenuePerpA,
	storage.VenuePerpB,
	storage.VenuePerpC,
}

// Router picks one venue for a signal out of a deployment's enabled set,
// first-available in preference order, and writes the choice back onto
// the signal so downstream records agree.
type Router struct {
	repo     *storage.DB
	adapters map[storage.Venue]Adapter
}

func NewRouter(repo *storage.DB, adapters map[storage.Venue]Adapter) *Router {
	return &Router{repo: repo, adapters: adapters}
}

// Venues lists the registered venues in preference order.
func (r *Router) Venues() []storage.Venue {
	out := make([]storage.Venue, 0, len(r.adapters))
	for _, v := range venuePreference {
		if _, ok := r.adapters[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// AdapterFor returns the registered adapter for a venue.
func (r *Router) AdapterFor(venue storage.Venue) (Adapter, error) {
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for venue %s", venue)
	}
	return a, nil
}

// Route resolves the venue for (signal, deployment). A signal whose venue
// is already concrete keeps it; a multi-venue signal is resolved against
// the deployment's enabled venues by market availability and the result
// is persisted onto the signal exactly once.
func (r *Router) Route(ctx context.Context, sig *storage.Signal, dep *storage.Deployment) (storage.Venue, error) {
	if sig.Venue != storage.VenueMulti && sig.Venue != "" {
		return sig.Venue, nil
	}

	symbol := strings.ToUpper(storage.StripManualTag(sig.TokenSymbol))
	enabled := make(map[storage.Venue]bool, len(dep.EnabledVenues))
	for _, v := range dep.EnabledVenues {
		enabled[v] = true
	}

	for _, venue := range venuePreference {
		if !enabled[venue] {
			continue
		}
		if _, ok := r.adapters[venue]; !ok {
			continue
		}
		active, err := r.repo.MarketActive(venue, symbol)
		if err != nil {
			return "", fmt.Errorf("market lookup %s/%s: %w", venue, symbol, err)
		}
		if !active {
			continue
		}

		if err := r.repo.SetSignalVenue(sig.ID, venue); err != nil {
			return "", fmt.Errorf("persist routed venue: %w", err)
		}
		sig.Venue = venue
		log.Info().
			Str("signal", sig.ID).
			Str("symbol", symbol).
			Str("venue", string(venue)).
			Msg("signal routed")
		return venue, nil
	}

	return "", fmt.Errorf("%s: no enabled venue lists %s", ErrMarketUnavailable, symbol)
}
