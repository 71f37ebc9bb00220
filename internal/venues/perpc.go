package venues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/httpx"
	"venue-coordinator/internal/storage"
)

const perpCMinCollateralUSD = 10.0

// PerpCConfig wires the leveraged CFD venue.
type PerpCConfig struct {
	BaseURL     string
	SlippageBps int64
}

// PerpCAdapter trades CFD pairs through the same delegation model as the
// order book venue. Opens are pending orders a keeper fills later, so the
// entry price stays an estimate until the venue confirms; closes must
// address the venue's trade index or the wrong position gets closed.
type PerpCAdapter struct {
	guard *httpx.Guard
	keys  *chain.KeyStore
	repo  *storage.DB
	cfg   PerpCConfig
}

func NewPerpCAdapter(guard *httpx.Guard, keys *chain.KeyStore, repo *storage.DB, cfg PerpCConfig) *PerpCAdapter {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	return &PerpCAdapter{guard: guard, keys: keys, repo: repo, cfg: cfg}
}

func (a *PerpCAdapter) Venue() storage.Venue    { return storage.VenuePerpC }
func (a *PerpCAdapter) Semantics() QtySemantics { return QtyQuoteCollateral }

func (a *PerpCAdapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.guard.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("venue API status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *PerpCAdapter) signedPost(ctx context.Context, scope Scope, path string, action any, out any) error {
	_, key, err := a.keys.AgentKeyFor(scope.UserWallet, storage.VenuePerpC)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(action)
	if err != nil {
		return err
	}
	nonce := time.Now().UnixMilli()
	sig, err := signAction(key, raw, nonce, scope.UserWallet)
	if err != nil {
		return fmt.Errorf("%s: %w", ErrSigningFailed, err)
	}

	body, err := json.Marshal(signedAction{
		Action:    raw,
		Nonce:     nonce,
		Account:   strings.ToLower(scope.UserWallet),
		Signature: sig,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.guard.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var fail struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&fail)
		if fail.Error == "" {
			fail.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%s:%s", ErrVenueRejected, fail.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Open submits a pending order. The returned entry price is the venue's
// estimate at submission; the monitor corrects it once a keeper fills.
func (a *PerpCAdapter) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	symbol := storage.StripManualTag(p.Symbol)
	if p.SizeUSD < perpCMinCollateralUSD {
		return &OpenResult{VenueError: ErrBelowMinimum}, nil
	}
	if _, _, err := a.keys.AgentKeyFor(p.Scope.UserWallet, storage.VenuePerpC); err != nil {
		if errors.Is(err, chain.ErrKeyMissing) {
			return &OpenResult{VenueError: ErrAgentMissing}, nil
		}
		return nil, err
	}

	balance, err := a.UserBalance(ctx, p.Scope)
	if err != nil {
		return nil, fmt.Errorf("venue balance: %w", err)
	}
	if balance < p.SizeUSD {
		return &OpenResult{VenueError: ErrInsufficientFunds}, nil
	}

	price, err := a.CurrentPrice(ctx, symbol)
	if err != nil {
		return &OpenResult{VenueError: ErrMarketUnavailable}, nil
	}

	var resp struct {
		OrderID    string  `json:"orderId"`
		TradeIndex int64   `json:"tradeIndex"`
		OpenPrice  float64 `json:"openPrice"`
		TxHash     string  `json:"txHash"`
	}
	err = a.signedPost(ctx, p.Scope, "/orders", map[string]any{
		"type":        "openTrade",
		"pair":        symbol,
		"isLong":      p.Side == storage.SideLong,
		"collateral":  p.SizeUSD,
		"leverage":    p.Leverage,
		"slippageBps": a.cfg.SlippageBps,
	}, &resp)
	if err != nil {
		if strings.Contains(err.Error(), ErrVenueRejected) {
			return &OpenResult{VenueError: err.Error()}, nil
		}
		if strings.Contains(err.Error(), ErrSigningFailed) {
			return &OpenResult{VenueError: ErrSigningFailed}, nil
		}
		return &OpenResult{VenueError: ErrTimeout}, nil
	}

	entry := resp.OpenPrice
	if entry == 0 {
		entry = price
	}

	log.Info().
		Str("symbol", symbol).
		Str("side", string(p.Side)).
		Float64("collateral", p.SizeUSD).
		Int64("trade_index", resp.TradeIndex).
		Msg("cfd order pending")

	return &OpenResult{
		TxRef:           resp.TxHash,
		EntryPrice:      entry,
		AmountOut:       p.SizeUSD, // collateral committed, not token units
		VenueTradeID:    resp.OrderID,
		VenueTradeIndex: resp.TradeIndex,
		Pending:         true,
	}, nil
}

// Close exits the trade addressed by its venue trade index.
func (a *PerpCAdapter) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	if _, _, err := a.keys.AgentKeyFor(p.Scope.UserWallet, storage.VenuePerpC); err != nil {
		if errors.Is(err, chain.ErrKeyMissing) {
			return &CloseResult{VenueError: ErrAgentMissing}, nil
		}
		return nil, err
	}

	var resp struct {
		TxHash     string  `json:"txHash"`
		ClosePrice float64 `json:"closePrice"`
		Pnl        float64 `json:"pnl"`
	}
	err := a.signedPost(ctx, p.Scope, "/orders", map[string]any{
		"type":       "closeTrade",
		"pair":       storage.StripManualTag(p.Symbol),
		"tradeIndex": p.VenueTradeIndex,
	}, &resp)
	if err != nil {
		if strings.Contains(err.Error(), ErrVenueRejected) {
			return &CloseResult{VenueError: err.Error()}, nil
		}
		if strings.Contains(err.Error(), ErrSigningFailed) {
			return &CloseResult{VenueError: ErrSigningFailed}, nil
		}
		return &CloseResult{VenueError: ErrTimeout}, nil
	}

	return &CloseResult{
		TxRef:       resp.TxHash,
		ExitPrice:   resp.ClosePrice,
		RealizedPnL: resp.Pnl,
		QtyClosed:   p.Qty,
	}, nil
}

type perpCTrade struct {
	Pair       string  `json:"pair"`
	IsLong     bool    `json:"isLong"`
	Collateral float64 `json:"collateral"`
	Leverage   float64 `json:"leverage"`
	OpenPrice  float64 `json:"openPrice"`
	TradeIndex int64   `json:"tradeIndex"`
	Filled     bool    `json:"filled"`
}

// ListOpenPositions returns the user's trades, including still-pending
// ones so the monitor can hold off on stops until a keeper fills them.
func (a *PerpCAdapter) ListOpenPositions(ctx context.Context, scope Scope) ([]VenuePosition, error) {
	var trades []perpCTrade
	if err := a.get(ctx, "/trades/"+strings.ToLower(scope.UserWallet), &trades); err != nil {
		return nil, err
	}
	var out []VenuePosition
	for _, t := range trades {
		side := storage.SideShort
		if t.IsLong {
			side = storage.SideLong
		}
		out = append(out, VenuePosition{
			Symbol:     strings.ToUpper(t.Pair),
			Side:       side,
			Qty:        t.Collateral,
			EntryPrice: t.OpenPrice,
			Leverage:   t.Leverage,
			TradeIndex: t.TradeIndex,
			Unfilled:   !t.Filled,
		})
	}
	return out, nil
}

// CurrentPrice reads the venue's own price endpoint, which is what its
// keepers settle against.
func (a *PerpCAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Mid float64 `json:"mid"`
	}
	sym := strings.ToUpper(storage.StripManualTag(symbol))
	if err := a.get(ctx, "/prices/"+sym, &resp); err != nil {
		return 0, err
	}
	if resp.Mid <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return resp.Mid, nil
}

// UserBalance reads the user's free collateral on the venue.
func (a *PerpCAdapter) UserBalance(ctx context.Context, scope Scope) (float64, error) {
	var resp struct {
		FreeCollateral float64 `json:"freeCollateral"`
	}
	if err := a.get(ctx, "/balance/"+strings.ToLower(scope.UserWallet), &resp); err != nil {
		return 0, err
	}
	return resp.FreeCollateral, nil
}

// Setup provisions the delegated agent for the venue.
func (a *PerpCAdapter) Setup(ctx context.Context, scope Scope) error {
	addr, err := a.keys.EnsureAgentAddress(scope.UserWallet, storage.VenuePerpC)
	if err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	err = a.signedPost(ctx, scope, "/delegate", map[string]string{
		"type":     "approveDelegate",
		"delegate": strings.ToLower(addr.Hex()),
	}, &resp)
	if err != nil {
		return err
	}
	return nil
}
