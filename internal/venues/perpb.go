package venues

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/httpx"
	"venue-coordinator/internal/pricing"
	"venue-coordinator/internal/storage"
)

const perpBMinOrderUSD = 10.0

// PerpBConfig wires the off-chain order book venue.
type PerpBConfig struct {
	BaseURL     string
	SlippageBps int64 // default 100 = 1%
}

// PerpBAdapter trades the user's venue account through a delegated agent
// key. The key only signs; balances and positions always resolve against
// the user's own address.
type PerpBAdapter struct {
	guard *httpx.Guard
	keys  *chain.KeyStore
	repo  *storage.DB
	mids  *pricing.PerpBMids
	cfg   PerpBConfig
}

func NewPerpBAdapter(guard *httpx.Guard, keys *chain.KeyStore, repo *storage.DB,
	mids *pricing.PerpBMids, cfg PerpBConfig) *PerpBAdapter {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	return &PerpBAdapter{guard: guard, keys: keys, repo: repo, mids: mids, cfg: cfg}
}

func (a *PerpBAdapter) Venue() storage.Venue    { return storage.VenuePerpB }
func (a *PerpBAdapter) Semantics() QtySemantics { return QtyAssetUnits }

func (a *PerpBAdapter) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(body))
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
		return fmt.Errorf("venue API status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// signedAction is the exchange-endpoint envelope. The agent signs the
// canonical action bytes plus nonce; the account field names whose
// positions the order affects.
type signedAction struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Account   string          `json:"account"`
	Signature string          `json:"signature"`
}

func signAction(key *ecdsa.PrivateKey, action []byte, nonce int64, account string) (string, error) {
	payload := append([]byte{}, action...)
	payload = append(payload, []byte(strconv.FormatInt(nonce, 10))...)
	payload = append(payload, []byte(strings.ToLower(account))...)
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []struct {
				Filled *struct {
					AvgPx   string `json:"avgPx"`
					TotalSz string `json:"totalSz"`
					Oid     int64  `json:"oid"`
				} `json:"filled"`
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func (a *PerpBAdapter) submitOrder(ctx context.Context, key *ecdsa.PrivateKey, account string, action any) (*exchangeResponse, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	nonce := time.Now().UnixMilli()
	sig, err := signAction(key, raw, nonce, account)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrSigningFailed, err)
	}

	var resp exchangeResponse
	err = a.post(ctx, "/exchange", signedAction{
		Action:    raw,
		Nonce:     nonce,
		Account:   strings.ToLower(account),
		Signature: sig,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type orderAction struct {
	Type   string      `json:"type"`
	Orders []orderWire `json:"orders"`
}

type orderWire struct {
	Coin       string `json:"coin"`
	IsBuy      bool   `json:"isBuy"`
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	ReduceOnly bool   `json:"reduceOnly"`
	Tif        string `json:"tif"`
}

func formatPx(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Open submits an IOC market-style order priced at mid plus slippage.
func (a *PerpBAdapter) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	symbol := storage.StripManualTag(p.Symbol)
	notional := p.SizeUSD * math.Max(p.Leverage, 1)
	if notional < perpBMinOrderUSD {
		return &OpenResult{VenueError: ErrBelowMinimum}, nil
	}

	_, key, err := a.keys.AgentKeyFor(p.Scope.UserWallet, storage.VenuePerpB)
	if errors.Is(err, chain.ErrKeyMissing) {
		return &OpenResult{VenueError: ErrAgentMissing}, nil
	}
	if err != nil {
		return nil, err
	}

	balance, err := a.UserBalance(ctx, p.Scope)
	if err != nil {
		return nil, fmt.Errorf("venue balance: %w", err)
	}
	if balance < p.SizeUSD {
		return &OpenResult{VenueError: ErrInsufficientFunds}, nil
	}

	mid, err := a.mids.CurrentPrice(ctx, symbol)
	if err != nil {
		return &OpenResult{VenueError: ErrMarketUnavailable}, nil
	}

	slip := float64(a.cfg.SlippageBps) / 10000
	isBuy := p.Side == storage.SideLong
	limitPx := mid * (1 + slip)
	if !isBuy {
		limitPx = mid * (1 - slip)
	}
	sz := notional / mid

	resp, err := a.submitOrder(ctx, key, p.Scope.UserWallet, orderAction{
		Type: "order",
		Orders: []orderWire{{
			Coin:    symbol,
			IsBuy:   isBuy,
			LimitPx: formatPx(limitPx),
			Sz:      formatPx(sz),
			Tif:     "Ioc",
		}},
	})
	if err != nil {
		if strings.Contains(err.Error(), ErrSigningFailed) {
			return &OpenResult{VenueError: ErrSigningFailed}, nil
		}
		return &OpenResult{VenueError: ErrTimeout}, nil
	}
	if resp.Status != "ok" {
		return &OpenResult{VenueError: ErrVenueRejected + ":" + resp.Status}, nil
	}

	var filledPx, filledSz float64
	var oid int64
	for _, st := range resp.Response.Data.Statuses {
		if st.Error != "" {
			return &OpenResult{VenueError: ErrVenueRejected + ":" + st.Error}, nil
		}
		if st.Filled != nil {
			filledPx, _ = strconv.ParseFloat(st.Filled.AvgPx, 64)
			filledSz, _ = strconv.ParseFloat(st.Filled.TotalSz, 64)
			oid = st.Filled.Oid
		}
	}
	if filledSz == 0 {
		return &OpenResult{VenueError: ErrVenueRejected + ":order not filled"}, nil
	}

	log.Info().
		Str("symbol", symbol).
		Str("side", string(p.Side)).
		Float64("size", filledSz).
		Float64("price", filledPx).
		Msg("order book entry filled")

	return &OpenResult{
		TxRef:        fmt.Sprintf("oid:%d", oid),
		AmountOut:    filledSz,
		EntryPrice:   filledPx,
		VenueTradeID: strconv.FormatInt(oid, 10),
	}, nil
}

// Close submits a reduce-only IOC order for the full size on the
// opposite side.
func (a *PerpBAdapter) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	symbol := storage.StripManualTag(p.Symbol)
	_, key, err := a.keys.AgentKeyFor(p.Scope.UserWallet, storage.VenuePerpB)
	if errors.Is(err, chain.ErrKeyMissing) {
		return &CloseResult{VenueError: ErrAgentMissing}, nil
	}
	if err != nil {
		return nil, err
	}

	mid, err := a.mids.CurrentPrice(ctx, symbol)
	if err != nil {
		return &CloseResult{VenueError: ErrMarketUnavailable}, nil
	}

	slip := float64(a.cfg.SlippageBps) / 10000
	isBuy := p.Side == storage.SideShort // closing a short buys back
	limitPx := mid * (1 + slip)
	if !isBuy {
		limitPx = mid * (1 - slip)
	}

	resp, err := a.submitOrder(ctx, key, p.Scope.UserWallet, orderAction{
		Type: "order",
		Orders: []orderWire{{
			Coin:       symbol,
			IsBuy:      isBuy,
			LimitPx:    formatPx(limitPx),
			Sz:         formatPx(p.Qty),
			ReduceOnly: true,
			Tif:        "Ioc",
		}},
	})
	if err != nil {
		if strings.Contains(err.Error(), ErrSigningFailed) {
			return &CloseResult{VenueError: ErrSigningFailed}, nil
		}
		return &CloseResult{VenueError: ErrTimeout}, nil
	}
	if resp.Status != "ok" {
		return &CloseResult{VenueError: ErrVenueRejected + ":" + resp.Status}, nil
	}

	var filledPx, filledSz float64
	var oid int64
	for _, st := range resp.Response.Data.Statuses {
		if st.Error != "" {
			return &CloseResult{VenueError: ErrVenueRejected + ":" + st.Error}, nil
		}
		if st.Filled != nil {
			filledPx, _ = strconv.ParseFloat(st.Filled.AvgPx, 64)
			filledSz, _ = strconv.ParseFloat(st.Filled.TotalSz, 64)
			oid = st.Filled.Oid
		}
	}
	if filledSz == 0 {
		return &CloseResult{VenueError: ErrVenueRejected + ":order not filled"}, nil
	}

	// the fills feed carries the realized pnl for the closing order
	pnl, _, _ := a.lastClosedFill(ctx, p.Scope.UserWallet, symbol)

	return &CloseResult{
		TxRef:       fmt.Sprintf("oid:%d", oid),
		ExitPrice:   filledPx,
		QtyClosed:   filledSz,
		RealizedPnL: pnl,
	}, nil
}

type clearinghouseState struct {
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			EntryPx  string `json:"entryPx"`
			Leverage struct {
				Value float64 `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (a *PerpBAdapter) state(ctx context.Context, user string) (*clearinghouseState, error) {
	var st clearinghouseState
	err := a.post(ctx, "/info", map[string]string{
		"type": "clearinghouseState",
		"user": strings.ToLower(user),
	}, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListOpenPositions reads the user's clearinghouse state. Signed size
// encodes the side.
func (a *PerpBAdapter) ListOpenPositions(ctx context.Context, scope Scope) ([]VenuePosition, error) {
	st, err := a.state(ctx, scope.UserWallet)
	if err != nil {
		return nil, err
	}
	var out []VenuePosition
	for _, ap := range st.AssetPositions {
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		side := storage.SideLong
		if szi < 0 {
			side = storage.SideShort
		}
		out = append(out, VenuePosition{
			Symbol:     strings.ToUpper(ap.Position.Coin),
			Side:       side,
			Qty:        math.Abs(szi),
			EntryPrice: entry,
			Leverage:   ap.Position.Leverage.Value,
		})
	}
	return out, nil
}

func (a *PerpBAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return a.mids.CurrentPrice(ctx, symbol)
}

// UserBalance returns the user's withdrawable quote balance.
func (a *PerpBAdapter) UserBalance(ctx context.Context, scope Scope) (float64, error) {
	st, err := a.state(ctx, scope.UserWallet)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(st.Withdrawable, 64)
	if err != nil {
		return 0, fmt.Errorf("parse withdrawable: %w", err)
	}
	return v, nil
}

// Setup makes sure the user has a delegated agent registered with the
// venue. Generating the key is idempotent through the repo's unique
// constraints.
func (a *PerpBAdapter) Setup(ctx context.Context, scope Scope) error {
	addr, err := a.keys.EnsureAgentAddress(scope.UserWallet, storage.VenuePerpB)
	if err != nil {
		return err
	}
	_, key, err := a.keys.AgentKeyFor(scope.UserWallet, storage.VenuePerpB)
	if err != nil {
		return err
	}
	resp, err := a.submitOrder(ctx, key, scope.UserWallet, map[string]string{
		"type":         "registerAgent",
		"agentAddress": strings.ToLower(addr.Hex()),
	})
	if err != nil {
		return err
	}
	if resp.Status != "ok" && resp.Status != "alreadyRegistered" {
		return fmt.Errorf("agent registration rejected: %s", resp.Status)
	}
	return nil
}

type userFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	ClosedPnl string `json:"closedPnl"`
	Time      int64  `json:"time"`
}

func (a *PerpBAdapter) lastClosedFill(ctx context.Context, user, symbol string) (pnl, px float64, found bool) {
	var fills []userFill
	err := a.post(ctx, "/info", map[string]string{
		"type": "userFills",
		"user": strings.ToLower(user),
	}, &fills)
	if err != nil {
		return 0, 0, false
	}

	var best *userFill
	for i := range fills {
		f := &fills[i]
		if !strings.EqualFold(f.Coin, symbol) {
			continue
		}
		closed, _ := strconv.ParseFloat(f.ClosedPnl, 64)
		if closed == 0 {
			continue
		}
		if best == nil || f.Time > best.Time {
			best = f
		}
	}
	if best == nil {
		return 0, 0, false
	}
	pnl, _ = strconv.ParseFloat(best.ClosedPnl, 64)
	px, _ = strconv.ParseFloat(best.Px, 64)
	return pnl, px, true
}

// RecoverClosedFill finds the most recent closing fill for a token, used
// when a position disappeared from the venue outside the coordinator.
func (a *PerpBAdapter) RecoverClosedFill(ctx context.Context, scope Scope, symbol string) (float64, float64, bool, error) {
	pnl, px, found := a.lastClosedFill(ctx, scope.UserWallet, storage.StripManualTag(symbol))
	return px, pnl, found, nil
}
