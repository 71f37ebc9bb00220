package executor

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"venue-coordinator/internal/fees"
	"venue-coordinator/internal/risk"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/telemetry"
	"venue-coordinator/internal/venues"
)

// ClosePosition closes a position at the venue. The call is idempotent:
// closing a CLOSED position succeeds with a message, and losing the
// OPEN -> CLOSING race succeeds the same way.
func (e *Executor) ClosePosition(ctx context.Context, positionID string) *ExecutionResult {
	return e.closeWithReason(ctx, positionID, storage.ExitManual)
}

// CloseForReason is the monitor's entry point; it records why the stop
// policy fired.
func (e *Executor) CloseForReason(ctx context.Context, positionID, reason string) *ExecutionResult {
	return e.closeWithReason(ctx, positionID, reason)
}

func (e *Executor) closeWithReason(ctx context.Context, positionID, reason string) *ExecutionResult {
	pos, err := e.repo.GetPosition(positionID)
	if err != nil {
		return failure(err.Error(), "")
	}
	if pos == nil {
		return failure(fmt.Sprintf("position %s not found", positionID), "")
	}
	if pos.Status == storage.StatusClosed || pos.ClosedAt != 0 {
		return idempotent(pos.ID, fmt.Sprintf("already closed (%s)", pos.ExitReason))
	}

	won, err := e.repo.MarkClosing(pos.ID)
	if err != nil {
		return failure("close transition: "+err.Error(), "")
	}
	if !won {
		return idempotent(pos.ID, "already processed")
	}

	dep, err := e.repo.GetDeployment(pos.DeploymentID)
	if err != nil || dep == nil {
		e.reopen(pos.ID)
		return failure("deployment lookup failed", "")
	}
	adapter, err := e.router.AdapterFor(pos.Venue)
	if err != nil {
		e.reopen(pos.ID)
		return failure(err.Error(), "")
	}
	scope := venues.Scope{UserWallet: dep.UserWallet, Vault: dep.SafeWallet}

	// pre-flight on delegated venues: the venue may have closed this
	// position without us; its truth wins over our row
	if isDelegated(pos.Venue) {
		if res, done := e.preflightExternal(ctx, adapter, pos, scope); done {
			return res
		}
	}

	closeRes, err := adapter.Close(ctx, venues.CloseParams{
		Scope:           scope,
		Symbol:          pos.TokenSymbol,
		Side:            pos.Side,
		Qty:             pos.Qty,
		VenueTradeID:    pos.VenueTradeID,
		VenueTradeIndex: pos.VenueTradeIndex,
	})
	if err != nil {
		e.reopen(pos.ID)
		return failure("venue close failed: "+err.Error(), ReasonVenueRejected)
	}
	if closeRes.VenueError != "" {
		if strings.Contains(closeRes.VenueError, "already closed") {
			if ferr := e.repo.FinalizeClose(pos.ID, pos.EntryPrice, 0, pos.Qty, "", storage.ExitClosedExternally); ferr != nil {
				return failure("finalize close: "+ferr.Error(), "")
			}
			telemetry.Closes.WithLabelValues(string(pos.Venue), storage.ExitClosedExternally).Inc()
			return idempotent(pos.ID, "already closed (closed_externally)")
		}
		e.reopen(pos.ID)
		return venueFailure(closeRes.VenueError)
	}

	exitPrice := closeRes.ExitPrice
	if exitPrice == 0 {
		exitPrice = pos.EntryPrice
	}
	qtyClosed := closeRes.QtyClosed
	if qtyClosed == 0 {
		qtyClosed = pos.Qty
	}
	pnl := closeRes.RealizedPnL
	if pnl == 0 {
		pnl = risk.Realized(pos.Side, adapter.Semantics(), pos.EntryPrice, exitPrice, qtyClosed, pos.Leverage)
	}

	if err := e.repo.FinalizeClose(pos.ID, exitPrice, pnl, qtyClosed, closeRes.TxRef, reason); err != nil {
		return failure("finalize close: "+err.Error(), "")
	}
	telemetry.Closes.WithLabelValues(string(pos.Venue), reason).Inc()

	if pnl > 0 {
		e.distributeProfit(ctx, dep, pos, pnl)
	}

	log.Info().
		Str("position", pos.ID).
		Str("venue", string(pos.Venue)).
		Str("reason", reason).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")

	return &ExecutionResult{
		Success:    true,
		PositionID: pos.ID,
		TxRef:      closeRes.TxRef,
		Summary:    fmt.Sprintf("closed %s %s exit=%.4f pnl=%.4f reason=%s", pos.Venue, pos.TokenSymbol, exitPrice, pnl, reason),
	}
}

// preflightExternal checks whether the position still exists at the
// venue before submitting a close. Returns done=true when the position
// was reconciled as externally closed (or the check decided the close
// cannot proceed).
func (e *Executor) preflightExternal(ctx context.Context, adapter venues.Adapter,
	pos *storage.Position, scope venues.Scope) (*ExecutionResult, bool) {

	venuePositions, err := adapter.ListOpenPositions(ctx, scope)
	if err != nil {
		// venue unreadable: do not guess, retry the close next time
		e.reopen(pos.ID)
		return failure("venue position query failed: "+err.Error(), ReasonVenueRejected), true
	}
	for _, vp := range venuePositions {
		if pos.Venue == storage.VenuePerpC {
			// trade-index addressing: symbol matching would hit the
			// wrong trade when several are open on one pair
			if vp.TradeIndex == pos.VenueTradeIndex {
				return nil, false
			}
			continue
		}
		if strings.EqualFold(vp.Symbol, pos.TokenSymbol) && vp.Side == pos.Side {
			return nil, false
		}
	}

	// gone at the venue: recover the terminal fill if the venue keeps
	// fill history
	exitPrice, pnl := pos.EntryPrice, 0.0
	reason := storage.ExitClosedExternally
	if hf, ok := adapter.(venues.HistoricalFiller); ok {
		if px, recovered, found, herr := hf.RecoverClosedFill(ctx, scope, pos.TokenSymbol); herr == nil && found {
			exitPrice, pnl = px, recovered
			reason = storage.ExitClosedExternallyPnL
		}
	}

	if err := e.repo.FinalizeClose(pos.ID, exitPrice, pnl, pos.Qty, "", reason); err != nil {
		return failure("finalize external close: "+err.Error(), ""), true
	}
	telemetry.Closes.WithLabelValues(string(pos.Venue), reason).Inc()
	log.Info().
		Str("position", pos.ID).
		Str("reason", reason).
		Float64("pnl", pnl).
		Msg("position was closed at the venue")
	return idempotent(pos.ID, "already closed ("+reason+")"), true
}

// distributeProfit pays the creator share and assesses the platform fee
// on a profitable close. Vault venues move the share on-chain; delegated
// venues settle through the billing ledger only, because agent keys are
// authorized to trade, not to transfer the user's funds. Billing failures
// never fail the close itself.
func (e *Executor) distributeProfit(ctx context.Context, dep *storage.Deployment, pos *storage.Position, pnl float64) {
	creator := fees.CreatorShare(pnl)
	if creator.Sign() > 0 && dep.ProfitReceiver != "" {
		if e.vaultSvc != nil && !isDelegated(pos.Venue) {
			units := decimalToUnits(creator, e.cfg.CollateralDecimals)
			if _, err := e.vaultSvc.TransferToken(ctx, e.cfg.Collateral,
				common.HexToAddress(dep.ProfitReceiver), units); err != nil {
				log.Error().Err(err).Str("position", pos.ID).Msg("creator share transfer failed")
			}
		}
		e.billing(dep.ID, storage.BillingProfitShare, creator)
	}

	policy, ok := e.cfg.FeePolicies[pos.Venue]
	if !ok {
		return
	}
	fee, err := policy.Assess(pos.Qty*pos.EntryPrice, pnl)
	if err != nil {
		log.Error().Err(err).Str("venue", string(pos.Venue)).Msg("fee policy misconfigured")
		return
	}
	if fee.Sign() > 0 {
		e.billing(dep.ID, storage.BillingFee, fee)
	}
}

func (e *Executor) billing(deploymentID, kind string, amount decimal.Decimal) {
	err := e.repo.InsertBillingEvent(&storage.BillingEvent{
		DeploymentID: deploymentID,
		Kind:         kind,
		Amount:       amount.String(),
		Asset:        e.cfg.FeeAsset,
	})
	if err != nil {
		log.Error().Err(err).Str("deployment", deploymentID).Msg("billing event write failed")
		return
	}
	f, _ := amount.Float64()
	telemetry.BillingAmount.WithLabelValues(kind).Add(f)
}

func (e *Executor) reopen(id string) {
	if err := e.repo.ReopenPosition(id); err != nil {
		log.Error().Err(err).Str("position", id).Msg("failed to revert CLOSING")
	}
}

func isDelegated(v storage.Venue) bool {
	return v == storage.VenuePerpB || v == storage.VenuePerpC
}

func decimalToUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).BigInt()
}
