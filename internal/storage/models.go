package storage

import "strings"

// Venue identifies an execution venue. MULTI means the router picks one.
type Venue string

const (
	VenueSpot  Venue = "SPOT"
	VenuePerpA Venue = "PERP_A"
	VenuePerpB Venue = "PERP_B"
	VenuePerpC Venue = "PERP_C"
	VenueMulti Venue = "MULTI"
)

// Side is the direction of a trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position status values.
const (
	StatusOpen    = "OPEN"
	StatusClosing = "CLOSING"
	StatusClosed  = "CLOSED"
)

// Deployment status values.
const (
	DeploymentActive     = "ACTIVE"
	DeploymentPaused     = "PAUSED"
	DeploymentTerminated = "TERMINATED"
)

// Size model kinds.
const (
	SizeFixedUSDC         = "fixed-usdc"
	SizeBalancePercentage = "balance-percentage"
)

// Exit reasons recorded on closed positions.
const (
	ExitTrailingStop          = "TRAILING_STOP"
	ExitHardStopLoss          = "HARD_STOP_LOSS"
	ExitManual                = "MANUAL"
	ExitClosedExternally      = "closed_externally"
	ExitClosedExternallyPnL   = "closed_externally_with_pnl"
)

// SourceAutoDiscovered marks synthetic signals created by the monitor for
// venue positions that had no local record.
const SourceAutoDiscovered = "AUTO_DISCOVERED"

// Signal is an upstream trade instruction. TokenSymbol may carry a
// _MANUAL_<epoch-ms> suffix for user-initiated duplicates; the suffix
// survives only here, never on Position rows.
type Signal struct {
	ID          string
	AgentID     string
	Venue       Venue
	TokenSymbol string
	Side        Side
	SizeKind    string
	SizeValue   float64
	StopLossPct float64
	TakeProfit  float64
	TrailingPct float64
	Leverage    float64
	SourceRefs  []string
	CreatedAt   int64
}

// Deployment is a user's subscription to an agent's signals.
type Deployment struct {
	ID             string
	AgentID        string
	UserWallet     string
	SafeWallet     string
	Status         string
	SubActive      bool
	ModuleEnabled  bool
	EnabledVenues  []Venue
	ProfitReceiver string
	CreatedAt      int64
}

// AgentAddress maps a user to the delegated address the platform signs
// with on a given venue. One address per (user, venue); addresses are
// globally unique across users.
type AgentAddress struct {
	UserWallet string
	Venue      Venue
	Address    string
	CreatedAt  int64
}

// Position is the local record of a venue position.
type Position struct {
	ID           string
	DeploymentID string
	SignalID     string
	Venue        Venue
	TokenSymbol  string
	Side         Side
	EntryPrice   float64
	Qty          float64
	Leverage     float64
	EntryTxRef   string
	OpenedAt     int64
	Status       string
	ClosedAt     int64
	ExitPrice    float64
	ExitTxRef    string
	PnL          float64
	ExitReason   string

	TrailingEnabled bool
	TrailingPct     float64
	HighestPrice    float64
	LowestPrice     float64

	// EntryConfirmed is false for pending orders (PERP-C) until the venue
	// reports a fill; the monitor must not apply stops before then.
	EntryConfirmed bool

	VenueTradeID    string
	VenueTradeIndex int64
}

// VenueMarket is a tradeable (venue, token) pair, refreshed by market sync.
type VenueMarket struct {
	Venue       Venue
	TokenSymbol string
	MarketRef   string
	IsActive    bool
	MinPosition float64
	MaxLeverage float64
	SyncedAt    int64
}

// TokenInfo is a registry entry for an on-chain token.
type TokenInfo struct {
	ChainID  int64
	Symbol   string
	Address  string
	Decimals int
}

// Billing event kinds.
const (
	BillingProfitShare = "PROFIT_SHARE"
	BillingFee         = "FEE"
)

// BillingEvent is an append-only fee/profit-share record. Amount is a
// decimal string to avoid float drift in the ledger.
type BillingEvent struct {
	ID           string
	DeploymentID string
	Kind         string
	Amount       string
	Asset        string
	OccurredAt   int64
}

const manualTag = "_MANUAL_"

// StripManualTag removes the _MANUAL_<ts> suffix from a token symbol.
func StripManualTag(symbol string) string {
	if i := strings.Index(symbol, manualTag); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// HasManualTag reports whether the symbol carries the manual-duplicate marker.
func HasManualTag(symbol string) bool {
	return strings.Contains(symbol, manualTag)
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinVenues(vs []Venue) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return joinList(parts)
}

func splitVenues(s string) []Venue {
	parts := splitList(s)
	vs := make([]Venue, len(parts))
	for i, p := range parts {
		vs[i] = Venue(p)
	}
	return vs
}
