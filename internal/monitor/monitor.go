package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/executor"
	"venue-coordinator/internal/risk"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/telemetry"
	"venue-coordinator/internal/venues"
)

// DefaultInterval is the pause between reconciliation cycles.
const DefaultInterval = 30 * time.Second

// Monitor reconciles local positions against venue truth and enforces
// the stop policies. Existence is decided by the venue; policy is decided
// locally; every cycle reconciles both directions.
type Monitor struct {
	repo     *storage.DB
	router   *venues.Router
	exec     *executor.Executor
	interval time.Duration
}

func New(repo *storage.DB, router *venues.Router, exec *executor.Executor, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{repo: repo, router: router, exec: exec, interval: interval}
}

// Run executes cycles until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("position monitor started")
	for {
		m.Cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one reconciliation pass over every active deployment and
// each of its enabled venues.
func (m *Monitor) Cycle(ctx context.Context) {
	deployments, err := m.repo.AllActiveDeployments()
	if err != nil {
		log.Error().Err(err).Msg("deployment scan failed")
		return
	}

	for _, dep := range deployments {
		for _, venue := range m.venuesFor(dep) {
			if ctx.Err() != nil {
				return
			}
			m.reconcile(ctx, dep, venue)
		}
	}
	telemetry.MonitorCycles.Inc()
}

// venuesFor resolves which venues a deployment trades. An empty enabled
// list means single-venue mode with the venue decided by the agent's
// signals, so every registered venue is reconciled.
func (m *Monitor) venuesFor(dep *storage.Deployment) []storage.Venue {
	if len(dep.EnabledVenues) > 0 {
		return dep.EnabledVenues
	}
	return m.router.Venues()
}

func (m *Monitor) reconcile(ctx context.Context, dep *storage.Deployment, venue storage.Venue) {
	adapter, err := m.router.AdapterFor(venue)
	if err != nil {
		return
	}
	scope := venues.Scope{UserWallet: dep.UserWallet, Vault: dep.SafeWallet}

	truth, err := adapter.ListOpenPositions(ctx, scope)
	if err != nil {
		// venue unreadable: touch nothing this cycle
		log.Warn().Err(err).Str("venue", string(venue)).Str("deployment", dep.ID).
			Msg("venue position query failed")
		return
	}

	local, err := m.repo.OpenPositionsFor(dep.ID, venue)
	if err != nil {
		log.Error().Err(err).Msg("local position scan failed")
		return
	}

	m.discover(ctx, adapter, dep, venue, truth, local)

	for _, pos := range local {
		if pos.Status != storage.StatusOpen {
			continue
		}
		m.step(ctx, adapter, pos, matchTruth(pos, truth))
	}

	m.reconcileOrphans(ctx, adapter, scope, local, truth)
}

// matchTruth finds the venue's view of a local position. The CFD venue
// is matched by trade index; everywhere else symbol+side identifies it.
func matchTruth(pos *storage.Position, truth []venues.VenuePosition) *venues.VenuePosition {
	for i := range truth {
		vp := &truth[i]
		if pos.Venue == storage.VenuePerpC {
			if vp.TradeIndex == pos.VenueTradeIndex {
				return vp
			}
			continue
		}
		if strings.EqualFold(vp.Symbol, pos.TokenSymbol) && vp.Side == pos.Side {
			return vp
		}
	}
	return nil
}

// discover materializes positions the venue reports but we do not hold,
// under a synthetic signal. Insert races between monitor instances are
// settled by the (deployment, signal) unique index.
func (m *Monitor) discover(ctx context.Context, adapter venues.Adapter, dep *storage.Deployment,
	venue storage.Venue, truth []venues.VenuePosition, local []*storage.Position) {

	for _, vp := range truth {
		if knownLocally(vp, local, venue) {
			continue
		}

		entry := vp.EntryPrice
		if entry == 0 {
			price, err := adapter.CurrentPrice(ctx, vp.Symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", vp.Symbol).Msg("cannot price discovered position")
				continue
			}
			entry = price
		}

		sig := &storage.Signal{
			ID:          uuid.NewString(),
			AgentID:     dep.AgentID,
			Venue:       venue,
			TokenSymbol: vp.Symbol,
			Side:        vp.Side,
			SizeKind:    storage.SizeFixedUSDC,
			SourceRefs:  []string{storage.SourceAutoDiscovered},
		}
		if err := m.repo.InsertSignal(sig); err != nil {
			log.Error().Err(err).Msg("synthetic signal insert failed")
			continue
		}

		leverage := vp.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		err := m.repo.InsertPosition(&storage.Position{
			ID:              uuid.NewString(),
			DeploymentID:    dep.ID,
			SignalID:        sig.ID,
			Venue:           venue,
			TokenSymbol:     strings.ToUpper(vp.Symbol),
			Side:            vp.Side,
			EntryPrice:      entry,
			Qty:             vp.Qty,
			Leverage:        leverage,
			HighestPrice:    entry,
			LowestPrice:     entry,
			EntryConfirmed:  !vp.Unfilled,
			VenueTradeID:    vp.TradeID,
			VenueTradeIndex: vp.TradeIndex,
		})
		if err == storage.ErrDuplicatePosition {
			// another monitor got there first; next cycle sees it
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("discovered position insert failed")
			continue
		}
		telemetry.MonitorDiscoveries.Inc()
		log.Info().
			Str("deployment", dep.ID).
			Str("venue", string(venue)).
			Str("symbol", vp.Symbol).
			Float64("qty", vp.Qty).
			Msg("position auto-discovered")
	}
}

func knownLocally(vp venues.VenuePosition, local []*storage.Position, venue storage.Venue) bool {
	for _, pos := range local {
		if venue == storage.VenuePerpC {
			if pos.VenueTradeIndex == vp.TradeIndex {
				return true
			}
			continue
		}
		if strings.EqualFold(pos.TokenSymbol, vp.Symbol) && pos.Side == vp.Side {
			return true
		}
	}
	return false
}

// step applies the stop policy to one open position.
func (m *Monitor) step(ctx context.Context, adapter venues.Adapter, pos *storage.Position, vp *venues.VenuePosition) {
	if !pos.EntryConfirmed {
		// pending order: either confirm the fill now or leave it alone.
		// An unfilled position must never be closed by policy.
		if vp != nil && !vp.Unfilled && vp.EntryPrice > 0 {
			qty := vp.Qty
			if qty == 0 {
				qty = pos.Qty
			}
			if err := m.repo.ConfirmEntryPrice(pos.ID, vp.EntryPrice, qty); err != nil {
				log.Error().Err(err).Str("position", pos.ID).Msg("entry confirmation failed")
				return
			}
			log.Info().
				Str("position", pos.ID).
				Float64("entry", vp.EntryPrice).
				Msg("pending order filled, anchors reset")
		}
		return
	}

	price, err := adapter.CurrentPrice(ctx, pos.TokenSymbol)
	if err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("price read failed")
		return
	}

	trailing := 0.0
	if pos.TrailingEnabled {
		trailing = pos.TrailingPct
	}
	d := risk.Evaluate(pos.Side, pos.EntryPrice, price, trailing, pos.HighestPrice, pos.LowestPrice)

	if d.AnchorMoved {
		high, low := pos.HighestPrice, pos.LowestPrice
		if pos.Side == storage.SideShort {
			low = d.Lowest
		} else {
			high = d.Highest
		}
		if err := m.repo.UpdateTrailingAnchors(pos.ID, high, low); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("anchor persist failed")
		}
	}

	if d.Close {
		res := m.exec.CloseForReason(ctx, pos.ID, d.Reason)
		if !res.Success {
			log.Warn().
				Str("position", pos.ID).
				Str("reason", d.Reason).
				Str("error", res.Error).
				Msg("policy close failed, retrying next cycle")
		}
	}
}

// reconcileOrphans closes out local positions the venue no longer
// reports, recovering final P&L from fill history when available. A
// position stuck in CLOSING, left behind by a crash mid-close, takes the
// same path once the venue confirms it is gone.
func (m *Monitor) reconcileOrphans(ctx context.Context, adapter venues.Adapter, scope venues.Scope,
	local []*storage.Position, truth []venues.VenuePosition) {

	for _, pos := range local {
		if pos.Status != storage.StatusOpen && pos.Status != storage.StatusClosing {
			continue
		}
		if matchTruth(pos, truth) != nil {
			continue
		}
		if !pos.EntryConfirmed {
			// pending order the keeper has not placed yet; not an orphan
			continue
		}

		if pos.Status == storage.StatusOpen {
			won, err := m.repo.MarkClosing(pos.ID)
			if err != nil || !won {
				continue
			}
		}

		exitPrice, pnl := pos.EntryPrice, 0.0
		reason := storage.ExitClosedExternally
		if hf, ok := adapter.(venues.HistoricalFiller); ok {
			if px, recovered, found, herr := hf.RecoverClosedFill(ctx, scope, pos.TokenSymbol); herr == nil && found {
				exitPrice, pnl = px, recovered
				reason = storage.ExitClosedExternallyPnL
			}
		}

		if err := m.repo.FinalizeClose(pos.ID, exitPrice, pnl, pos.Qty, "", reason); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("orphan finalize failed")
			continue
		}
		telemetry.MonitorOrphans.Inc()
		telemetry.Closes.WithLabelValues(string(pos.Venue), reason).Inc()
		log.Info().
			Str("position", pos.ID).
			Str("reason", reason).
			Float64("pnl", pnl).
			Msg("orphan reconciled as externally closed")
	}
}
