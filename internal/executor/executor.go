package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/fees"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/telemetry"
	"venue-coordinator/internal/vault"
	"venue-coordinator/internal/venues"
)

// Config carries the executor's wiring that is not an adapter.
type Config struct {
	ChainID            int64
	Collateral         common.Address
	CollateralDecimals int
	FeeAsset           string
	FeePolicies        map[storage.Venue]fees.Policy
}

// Executor turns signals into positions and positions into closes. One
// instance serves all deployments; per-position serialization happens
// through the store's status CAS, per-address serialization through the
// nonce layer underneath the adapters.
type Executor struct {
	repo     *storage.DB
	router   *venues.Router
	vaultSvc *vault.Service // nil when no vault-mediated venue is wired
	cfg      Config
}

func New(repo *storage.DB, router *venues.Router, vaultSvc *vault.Service, cfg Config) *Executor {
	if cfg.FeeAsset == "" {
		cfg.FeeAsset = "USDC"
	}
	return &Executor{repo: repo, router: router, vaultSvc: vaultSvc, cfg: cfg}
}

// Execute runs a signal across every eligible ACTIVE deployment of its
// agent and returns one result per deployment attempted.
func (e *Executor) Execute(ctx context.Context, signalID string) []*ExecutionResult {
	sig, err := e.repo.GetSignal(signalID)
	if err != nil {
		return []*ExecutionResult{failure(err.Error(), "")}
	}
	if sig == nil {
		return []*ExecutionResult{failure(fmt.Sprintf("signal %s not found", signalID), "")}
	}

	deployments, err := e.repo.ActiveDeploymentsForAgent(sig.AgentID)
	if err != nil {
		return []*ExecutionResult{failure(err.Error(), "")}
	}
	if len(deployments) == 0 {
		return []*ExecutionResult{failure("no active deployments for agent "+sig.AgentID, "")}
	}

	results := make([]*ExecutionResult, 0, len(deployments))
	for _, dep := range deployments {
		results = append(results, e.executeOne(ctx, sig, dep))
	}
	return results
}

// ExecuteForDeployment runs a signal against one explicit deployment,
// the manual-confirmation path.
func (e *Executor) ExecuteForDeployment(ctx context.Context, signalID, deploymentID string) *ExecutionResult {
	sig, err := e.repo.GetSignal(signalID)
	if err != nil {
		return failure(err.Error(), "")
	}
	if sig == nil {
		return failure(fmt.Sprintf("signal %s not found", signalID), "")
	}
	dep, err := e.repo.GetDeployment(deploymentID)
	if err != nil {
		return failure(err.Error(), "")
	}
	if dep == nil {
		return failure(fmt.Sprintf("deployment %s not found", deploymentID), "")
	}
	if dep.Status != storage.DeploymentActive {
		return failure(fmt.Sprintf("deployment %s is %s", deploymentID, dep.Status), "")
	}
	return e.executeOne(ctx, sig, dep)
}

func (e *Executor) executeOne(ctx context.Context, sig *storage.Signal, dep *storage.Deployment) *ExecutionResult {
	started := time.Now()

	// collision pre-check keeps the happy path quiet; the unique index
	// below remains the arbiter under races
	if existing, err := e.repo.GetPositionByKey(dep.ID, sig.ID); err == nil && existing != nil {
		telemetry.Executions.WithLabelValues(string(existing.Venue), telemetry.OutcomeRace).Inc()
		return idempotent(existing.ID, "already processed")
	}

	venue, err := e.router.Route(ctx, sig, dep)
	if err != nil {
		telemetry.Executions.WithLabelValues("", telemetry.OutcomeRejected).Inc()
		return failure(err.Error(), ReasonMarketUnavailable)
	}
	adapter, err := e.router.AdapterFor(venue)
	if err != nil {
		return failure(err.Error(), ReasonMarketUnavailable)
	}
	defer func() {
		telemetry.ExecutionSeconds.WithLabelValues(string(venue)).Observe(time.Since(started).Seconds())
	}()

	symbol := strings.ToUpper(storage.StripManualTag(sig.TokenSymbol))
	scope := venues.Scope{UserWallet: dep.UserWallet, Vault: dep.SafeWallet}

	if res := e.validate(ctx, adapter, venue, symbol, sig, scope); res != nil {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeRejected).Inc()
		return res
	}
	size, res := e.size(ctx, adapter, venue, sig, scope)
	if res != nil {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeRejected).Inc()
		return res
	}

	leverage := sig.Leverage
	if leverage <= 0 || venue == storage.VenueSpot {
		leverage = 1
	}

	open, err := adapter.Open(ctx, venues.OpenParams{
		Scope:    scope,
		Symbol:   symbol,
		Side:     sig.Side,
		SizeUSD:  size,
		Leverage: leverage,
	})
	if err != nil {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeFailed).Inc()
		return failure("venue open failed: "+err.Error(), ReasonVenueRejected)
	}
	if open.VenueError != "" {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeRejected).Inc()
		return venueFailure(open.VenueError)
	}
	if open.AmountOut <= 0 {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeFailed).Inc()
		return failure("venue reported zero quantity", ReasonVenueRejected)
	}

	pos := &storage.Position{
		ID:              uuid.NewString(),
		DeploymentID:    dep.ID,
		SignalID:        sig.ID,
		Venue:           venue,
		TokenSymbol:     symbol,
		Side:            sig.Side,
		EntryPrice:      open.EntryPrice,
		Qty:             open.AmountOut,
		Leverage:        leverage,
		EntryTxRef:      open.TxRef,
		TrailingEnabled: sig.TrailingPct > 0,
		TrailingPct:     sig.TrailingPct,
		HighestPrice:    open.EntryPrice,
		LowestPrice:     open.EntryPrice,
		EntryConfirmed:  !open.Pending,
		VenueTradeID:    open.VenueTradeID,
		VenueTradeIndex: open.VenueTradeIndex,
	}

	err = e.repo.InsertPosition(pos)
	if errors.Is(err, storage.ErrDuplicatePosition) {
		// lost the insert race: the winner's row is the position
		winner, rerr := e.repo.GetPositionByKey(dep.ID, sig.ID)
		if rerr != nil || winner == nil {
			return failure("position collision re-read failed", "")
		}
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeRace).Inc()
		return idempotent(winner.ID, "already processed")
	}
	if err != nil {
		telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeFailed).Inc()
		return failure("persist position: "+err.Error(), "")
	}

	telemetry.Executions.WithLabelValues(string(venue), telemetry.OutcomeOpened).Inc()
	log.Info().
		Str("position", pos.ID).
		Str("deployment", dep.ID).
		Str("signal", sig.ID).
		Str("venue", string(venue)).
		Str("symbol", symbol).
		Float64("qty", pos.Qty).
		Float64("entry", pos.EntryPrice).
		Msg("position opened")

	return &ExecutionResult{
		Success:    true,
		PositionID: pos.ID,
		TxRef:      open.TxRef,
		Summary: fmt.Sprintf("%s %s %s qty=%.6f entry=%.4f",
			venue, sig.Side, symbol, pos.Qty, pos.EntryPrice),
	}
}

// validate performs the pre-trade checks shared by all venues: market
// availability and, for spot, the token registry.
func (e *Executor) validate(ctx context.Context, adapter venues.Adapter, venue storage.Venue,
	symbol string, sig *storage.Signal, scope venues.Scope) *ExecutionResult {

	active, err := e.repo.MarketActive(venue, symbol)
	if err != nil {
		return failure("market lookup: "+err.Error(), "")
	}
	if !active {
		return failure(fmt.Sprintf("%s is not tradeable on %s", symbol, venue), ReasonMarketUnavailable)
	}

	if venue == storage.VenueSpot {
		token, err := e.repo.GetToken(e.cfg.ChainID, symbol)
		if err != nil {
			return failure("token lookup: "+err.Error(), "")
		}
		if token == nil {
			return failure(fmt.Sprintf("token %s has no registry entry on chain %d", symbol, e.cfg.ChainID), ReasonUnknownToken)
		}
	}
	return nil
}

// size resolves the signal's size model against the venue balance and
// enforces per-venue minimums.
func (e *Executor) size(ctx context.Context, adapter venues.Adapter, venue storage.Venue,
	sig *storage.Signal, scope venues.Scope) (float64, *ExecutionResult) {

	balance, err := adapter.UserBalance(ctx, scope)
	if err != nil {
		return 0, failure("balance read: "+err.Error(), "")
	}
	if balance <= 0 {
		return 0, failure("no collateral balance available", ReasonNoBalance)
	}

	var size float64
	switch sig.SizeKind {
	case storage.SizeFixedUSDC:
		size = sig.SizeValue
	case storage.SizeBalancePercentage:
		size = balance * sig.SizeValue / 100
	default:
		return 0, failure(fmt.Sprintf("unknown size model %q", sig.SizeKind), "")
	}

	if size < minSize(venue) {
		return 0, failure(
			fmt.Sprintf("size %.4f below %s minimum %.4f", size, venue, minSize(venue)),
			ReasonBelowMinimum)
	}
	if size > balance {
		return 0, failure(
			fmt.Sprintf("size %.4f exceeds balance %.4f", size, balance),
			ReasonInsufficientBalance)
	}
	return size, nil
}

func minSize(venue storage.Venue) float64 {
	switch venue {
	case storage.VenueSpot:
		return 0.1
	case storage.VenuePerpB, storage.VenuePerpC:
		return 10
	default:
		return 1
	}
}

// venueFailure maps a structured adapter error code onto a result.
func venueFailure(code string) *ExecutionResult {
	switch {
	case strings.HasPrefix(code, venues.ErrBelowMinimum):
		return failure("venue minimum not met", ReasonBelowMinimum)
	case strings.HasPrefix(code, venues.ErrInsufficientFunds):
		return failure("insufficient funds on venue", ReasonInsufficientBalance)
	case strings.HasPrefix(code, venues.ErrMarketUnavailable):
		return failure("market unavailable", ReasonMarketUnavailable)
	case strings.HasPrefix(code, venues.ErrAgentMissing):
		return failure("no delegated agent wallet for user", ReasonAgentMissing)
	case strings.HasPrefix(code, venues.ErrSecurityLimitHit):
		return failure(code, ReasonSecurityLimit)
	default:
		return failure(code, ReasonVenueRejected)
	}
}
