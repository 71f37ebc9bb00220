package venues

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/pricing"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/vault"
)

// Security ceilings for the on-chain perp venue. These are hard limits
// enforced before any calldata is built.
const (
	perpAMaxLeverage    = 10.0
	perpAMaxPositionUSD = 5000.0
	perpAMaxDailyUSD    = 20000.0
	perpAProtocolFeeUSD = 0.2
)

const perpAReaderABIJSON = `[
	{"name":"getAccountPositions","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"positions","type":"tuple[]","components":[
		{"name":"market","type":"address"},
		{"name":"isLong","type":"bool"},
		{"name":"sizeInUsd","type":"uint256"},
		{"name":"collateralAmount","type":"uint256"},
		{"name":"entryPrice","type":"uint256"}]}]}
]`

var perpAReaderABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(perpAReaderABIJSON))
	if err != nil {
		panic(err)
	}
	perpAReaderABI = parsed
}

type perpAReaderPosition struct {
	Market           common.Address
	IsLong           bool
	SizeInUsd        *big.Int
	CollateralAmount *big.Int
	EntryPrice       *big.Int
}

// PerpAConfig wires the on-chain perp venue's contracts.
type PerpAConfig struct {
	ChainID            int64
	ExchangeRouter     common.Address
	OrderVault         common.Address
	Reader             common.Address
	Collateral         common.Address
	CollateralDecimals int
	FeeReceiver        common.Address
	ExecutionFeeWei    *big.Int // native wrapped-gas sent with each order
	SlippageBps        int64
	ReferralCode       [32]byte
	Whitelist          []string
	Markets            map[string]string // symbol -> market contract
	MaxMarketLeverage  float64
}

// PerpAAdapter opens and closes perp positions from the user's vault as a
// single composite multicall the module executes atomically.
type PerpAAdapter struct {
	svc       *vault.Service
	client    *chain.Client
	repo      *storage.DB
	prices    pricing.Source
	cfg       PerpAConfig
	whitelist map[string]bool
}

func NewPerpAAdapter(svc *vault.Service, client *chain.Client, repo *storage.DB,
	prices pricing.Source, cfg PerpAConfig) *PerpAAdapter {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 50
	}
	if cfg.ExecutionFeeWei == nil {
		cfg.ExecutionFeeWei = big.NewInt(1_000_000_000_000_000) // 0.001 native
	}
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, s := range cfg.Whitelist {
		wl[strings.ToUpper(s)] = true
	}
	return &PerpAAdapter{svc: svc, client: client, repo: repo, prices: prices, cfg: cfg, whitelist: wl}
}

func (a *PerpAAdapter) Venue() storage.Venue    { return storage.VenuePerpA }
func (a *PerpAAdapter) Semantics() QtySemantics { return QtyAssetUnits }

func exp30(v float64) *big.Int {
	scaled := new(big.Float).Mul(
		new(big.Float).SetFloat64(v),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)),
	)
	out, _ := scaled.Int(nil)
	return out
}

func fromExp30(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(v),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)),
	).Float64()
	return f
}

// checkCeilings enforces the venue's hard security limits, including the
// shared daily volume quota.
func (a *PerpAAdapter) checkCeilings(symbol string, sizeUSD, leverage float64) string {
	if !a.whitelist[strings.ToUpper(symbol)] {
		return ErrSecurityLimitHit + ": token not whitelisted"
	}
	if leverage > perpAMaxLeverage {
		return ErrSecurityLimitHit + ": leverage above 10x"
	}
	if sizeUSD*leverage > perpAMaxPositionUSD {
		return ErrSecurityLimitHit + ": position size above ceiling"
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := a.repo.ConsumeDailyVolume(storage.VenuePerpA, day, sizeUSD*leverage, perpAMaxDailyUSD); err != nil {
		return ErrSecurityLimitHit + ": " + err.Error()
	}
	return ""
}

// refundDailyVolume hands back quota consumed for an order that never
// reached the venue, so a failed open does not burn the day's headroom.
func (a *PerpAAdapter) refundDailyVolume(sizeUSD, leverage float64) {
	day := time.Now().UTC().Format("2006-01-02")
	if err := a.repo.RefundDailyVolume(storage.VenuePerpA, day, sizeUSD*leverage); err != nil {
		log.Error().Err(err).Float64("notional", sizeUSD*leverage).Msg("daily volume refund failed")
	}
}

func (a *PerpAAdapter) market(symbol string) (*storage.VenueMarket, error) {
	m, err := a.repo.GetMarket(storage.VenuePerpA, storage.StripManualTag(symbol))
	if err != nil {
		return nil, err
	}
	if m == nil || !m.IsActive {
		return nil, fmt.Errorf("%s: no active market for %s", ErrMarketUnavailable, symbol)
	}
	return m, nil
}

// Open collects the fixed protocol fee and submits the composite order
// multicall: exec fee to the order vault, collateral to the order vault,
// then the market-increase order itself.
func (a *PerpAAdapter) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	symbol := storage.StripManualTag(p.Symbol)
	if code := a.checkCeilings(symbol, p.SizeUSD, p.Leverage); code != "" {
		return &OpenResult{VenueError: code}, nil
	}
	// quota is held from here on; refund it unless the order reaches the
	// venue (a timeout is ambiguous and counts as submitted)
	submitted := false
	defer func() {
		if !submitted {
			a.refundDailyVolume(p.SizeUSD, p.Leverage)
		}
	}()

	market, err := a.market(symbol)
	if err != nil {
		return &OpenResult{VenueError: ErrMarketUnavailable}, nil
	}
	vaultAddr := common.HexToAddress(p.Scope.Vault)

	collateralUnits := toUnits(p.SizeUSD, a.cfg.CollateralDecimals)
	bal, err := a.svc.TokenBalance(ctx, a.cfg.Collateral, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}
	feeUnits := toUnits(perpAProtocolFeeUSD, a.cfg.CollateralDecimals)
	need := new(big.Int).Add(collateralUnits, feeUnits)
	if bal.Cmp(need) < 0 {
		return &OpenResult{VenueError: ErrInsufficientFunds}, nil
	}

	price, err := a.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("feed price: %w", err)
	}

	// fixed protocol fee precedes the order sequence
	if _, err := a.svc.TransferToken(ctx, a.cfg.Collateral, a.cfg.FeeReceiver, feeUnits); err != nil {
		return nil, fmt.Errorf("protocol fee: %w", err)
	}

	slip := float64(a.cfg.SlippageBps) / 10000
	acceptable := price * (1 + slip)
	if p.Side == storage.SideShort {
		acceptable = price * (1 - slip)
	}

	order := vault.PerpOrder{
		Receiver:        vaultAddr,
		Market:          common.HexToAddress(market.MarketRef),
		CollateralToken: a.cfg.Collateral,
		OrderVault:      a.cfg.OrderVault,
		SizeDeltaUSD:    exp30(p.SizeUSD * p.Leverage),
		CollateralDelta: collateralUnits,
		AcceptablePrice: exp30(acceptable),
		ExecutionFee:    a.cfg.ExecutionFeeWei,
		OrderType:       vault.OrderMarketIncrease,
		IsLong:          p.Side == storage.SideLong,
		ReferralCode:    a.cfg.ReferralCode,
	}
	calldata, err := vault.PackPerpOrderMulticall(order)
	if err != nil {
		return &OpenResult{VenueError: ErrSigningFailed}, nil
	}

	hash, err := a.svc.ExecThroughModule(ctx, a.cfg.ExchangeRouter, a.cfg.ExecutionFeeWei, calldata)
	if err != nil {
		if chain.IsTimeout(err) {
			submitted = true
			return &OpenResult{VenueError: ErrTimeout}, nil
		}
		return &OpenResult{VenueError: ErrVenueRejected + ":" + err.Error()}, nil
	}
	submitted = true

	log.Info().
		Str("symbol", symbol).
		Str("side", string(p.Side)).
		Float64("size_usd", p.SizeUSD).
		Float64("leverage", p.Leverage).
		Str("tx", hash.Hex()).
		Msg("perp order submitted")

	return &OpenResult{
		TxRef:      hash.Hex(),
		EntryPrice: price,
		AmountOut:  p.SizeUSD * p.Leverage / price,
	}, nil
}

// Close submits a market-decrease order for the full position size. No
// collateral accompanies a decrease, so the multicall carries only the
// exec fee and the order.
func (a *PerpAAdapter) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	symbol := storage.StripManualTag(p.Symbol)
	market, err := a.market(symbol)
	if err != nil {
		return &CloseResult{VenueError: ErrMarketUnavailable}, nil
	}
	vaultAddr := common.HexToAddress(p.Scope.Vault)

	price, err := a.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("feed price: %w", err)
	}

	slip := float64(a.cfg.SlippageBps) / 10000
	// decrease direction inverts the acceptable-price bound
	acceptable := price * (1 - slip)
	if p.Side == storage.SideShort {
		acceptable = price * (1 + slip)
	}

	order := vault.PerpOrder{
		Receiver:        vaultAddr,
		Market:          common.HexToAddress(market.MarketRef),
		CollateralToken: a.cfg.Collateral,
		OrderVault:      a.cfg.OrderVault,
		SizeDeltaUSD:    exp30(p.Qty * price),
		CollateralDelta: big.NewInt(0),
		AcceptablePrice: exp30(acceptable),
		ExecutionFee:    a.cfg.ExecutionFeeWei,
		OrderType:       vault.OrderMarketDecrease,
		IsLong:          p.Side == storage.SideLong,
		ReferralCode:    a.cfg.ReferralCode,
	}
	calldata, err := vault.PackPerpOrderMulticall(order)
	if err != nil {
		return &CloseResult{VenueError: ErrSigningFailed}, nil
	}

	hash, err := a.svc.ExecThroughModule(ctx, a.cfg.ExchangeRouter, a.cfg.ExecutionFeeWei, calldata)
	if err != nil {
		if chain.IsTimeout(err) {
			return &CloseResult{VenueError: ErrTimeout}, nil
		}
		return &CloseResult{VenueError: ErrVenueRejected + ":" + err.Error()}, nil
	}

	log.Info().
		Str("symbol", symbol).
		Float64("qty", p.Qty).
		Str("tx", hash.Hex()).
		Msg("perp close submitted")

	return &CloseResult{
		TxRef:     hash.Hex(),
		ExitPrice: price,
		QtyClosed: p.Qty,
	}, nil
}

// ListOpenPositions reads the venue's reader contract for the vault's
// account and maps markets back to symbols via the synced market table.
func (a *PerpAAdapter) ListOpenPositions(ctx context.Context, scope Scope) ([]VenuePosition, error) {
	data, err := perpAReaderABI.Pack("getAccountPositions", common.HexToAddress(scope.Vault))
	if err != nil {
		return nil, err
	}
	out, err := a.client.CallContract(ctx, a.cfg.Reader, data)
	if err != nil {
		return nil, fmt.Errorf("reader call: %w", err)
	}
	values, err := perpAReaderABI.Unpack("getAccountPositions", out)
	if err != nil {
		return nil, fmt.Errorf("decode reader: %w", err)
	}
	raw := *abi.ConvertType(values[0], new([]perpAReaderPosition)).(*[]perpAReaderPosition)

	markets, err := a.repo.MarketsForVenue(storage.VenuePerpA)
	if err != nil {
		return nil, err
	}
	byRef := make(map[common.Address]string, len(markets))
	for _, m := range markets {
		byRef[common.HexToAddress(m.MarketRef)] = m.TokenSymbol
	}

	var positions []VenuePosition
	for _, rp := range raw {
		symbol, ok := byRef[rp.Market]
		if !ok {
			log.Warn().Str("market", rp.Market.Hex()).Msg("reader returned unmapped market")
			continue
		}
		entry := fromExp30(rp.EntryPrice)
		sizeUSD := fromExp30(rp.SizeInUsd)
		side := storage.SideShort
		if rp.IsLong {
			side = storage.SideLong
		}
		qty := 0.0
		if entry > 0 {
			qty = sizeUSD / entry
		}
		collateral := fromUnits(rp.CollateralAmount, a.cfg.CollateralDecimals)
		lev := 1.0
		if collateral > 0 {
			lev = sizeUSD / collateral
		}
		positions = append(positions, VenuePosition{
			Symbol:     symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: entry,
			Leverage:   lev,
		})
	}
	return positions, nil
}

func (a *PerpAAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return a.prices.CurrentPrice(ctx, symbol)
}

// UserBalance reads the vault's collateral balance.
func (a *PerpAAdapter) UserBalance(ctx context.Context, scope Scope) (float64, error) {
	bal, err := a.svc.TokenBalance(ctx, a.cfg.Collateral, common.HexToAddress(scope.Vault))
	if err != nil {
		return 0, err
	}
	return fromUnits(bal, a.cfg.CollateralDecimals), nil
}
