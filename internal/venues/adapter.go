package venues

import (
	"context"

	"venue-coordinator/internal/storage"
)

// Structured adapter error codes. Adapters never panic or leak raw
// transport errors; every failure maps onto one of these so the executor
// can act on it without string matching venue payloads.
const (
	ErrMarketUnavailable = "market-unavailable"
	ErrBelowMinimum      = "below-minimum"
	ErrInsufficientFunds = "insufficient-funds"
	ErrVenueRejected     = "venue-rejected" // "venue-rejected:<detail>"
	ErrTimeout           = "timeout"
	ErrSigningFailed     = "signing-failed"
	ErrSecurityLimitHit  = "security-limit-hit"
	ErrAgentMissing      = "agent-wallet-missing"
)

// QtySemantics says what a position's qty field measures on this venue.
type QtySemantics string

const (
	// QtyAssetUnits: qty is token units (spot, PERP-A, PERP-B).
	QtyAssetUnits QtySemantics = "asset_units"
	// QtyQuoteCollateral: qty is collateral committed (PERP-C).
	QtyQuoteCollateral QtySemantics = "quote_collateral"
)

// Scope identifies whose funds an adapter operates on. Vault-mediated
// venues act on the vault; delegated venues act on the user's own venue
// account, signing with the platform's agent key.
type Scope struct {
	UserWallet string
	Vault      string
}

// OpenParams is everything an adapter needs to submit an entry.
type OpenParams struct {
	Scope    Scope
	Symbol   string // stripped of any manual suffix
	Side     storage.Side
	SizeUSD  float64 // collateral to commit, quote units
	Leverage float64 // 1 for spot
}

// OpenResult reports a submitted entry. VenueError is one of the error
// code constants when the open failed.
type OpenResult struct {
	TxRef           string
	AmountOut       float64 // token units received, when known at submit
	EntryPrice      float64 // estimate until the venue confirms fill
	VenueTradeID    string
	VenueTradeIndex int64
	// Pending marks an order a keeper must still fill; EntryPrice is an
	// estimate until then.
	Pending    bool
	VenueError string
}

// CloseParams addresses an existing position for exit.
type CloseParams struct {
	Scope           Scope
	Symbol          string
	Side            storage.Side
	Qty             float64
	VenueTradeID    string
	VenueTradeIndex int64
}

// CloseResult reports the exit. ExitPrice and RealizedPnL are zero when
// the venue does not report them synchronously.
type CloseResult struct {
	TxRef       string
	ExitPrice   float64
	RealizedPnL float64
	QtyClosed   float64
	VenueError  string
}

// VenuePosition is the venue's own view of an open position, used by the
// monitor to reconcile against local state.
type VenuePosition struct {
	Symbol     string
	Side       storage.Side
	Qty        float64
	EntryPrice float64
	Leverage   float64
	TradeID    string
	TradeIndex int64
	Unfilled   bool // pending order, keeper has not filled yet
}

// Adapter is the per-venue capability set. current_price must come from
// the source the venue settles against.
type Adapter interface {
	Venue() storage.Venue
	Semantics() QtySemantics
	Open(ctx context.Context, p OpenParams) (*OpenResult, error)
	Close(ctx context.Context, p CloseParams) (*CloseResult, error)
	ListOpenPositions(ctx context.Context, scope Scope) ([]VenuePosition, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	UserBalance(ctx context.Context, scope Scope) (float64, error)
}

// Preparer is implemented by adapters needing one-time account setup,
// such as enabling delegated trading for an agent key.
type Preparer interface {
	Setup(ctx context.Context, scope Scope) error
}

// HistoricalFiller is implemented by venues whose API can recover the
// exit price and realized pnl of a position closed outside the
// coordinator.
type HistoricalFiller interface {
	RecoverClosedFill(ctx context.Context, scope Scope, symbol string) (exitPrice, pnl float64, found bool, err error)
}
