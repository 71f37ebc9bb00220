package venues

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/pricing"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/vault"
)

// SpotConfig carries the per-chain wiring for the vault-mediated DEX.
type SpotConfig struct {
	ChainID            int64
	Router             common.Address
	Collateral         common.Address
	CollateralDecimals int
	FeeTier            uint32 // 3000 = 30 bps default
	SlippageBps        int64
	ReceiptPoll        time.Duration
	ReceiptTimeout     time.Duration
}

// SpotAdapter trades spot tokens from the user's vault through the module.
// Entries swap collateral into the token; exits swap the vault's actual
// token balance back, so stale local qty never over-sells.
type SpotAdapter struct {
	svc    *vault.Service
	client *chain.Client
	repo   *storage.DB
	prices pricing.Source
	cfg    SpotConfig
}

func NewSpotAdapter(svc *vault.Service, client *chain.Client, repo *storage.DB,
	prices pricing.Source, cfg SpotConfig) *SpotAdapter {
	if cfg.FeeTier == 0 {
		cfg.FeeTier = 3000
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	if cfg.ReceiptPoll == 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 90 * time.Second
	}
	return &SpotAdapter{svc: svc, client: client, repo: repo, prices: prices, cfg: cfg}
}

func (a *SpotAdapter) Venue() storage.Venue    { return storage.VenueSpot }
func (a *SpotAdapter) Semantics() QtySemantics { return QtyAssetUnits }

func (a *SpotAdapter) token(symbol string) (*storage.TokenInfo, error) {
	t, err := a.repo.GetToken(a.cfg.ChainID, storage.StripManualTag(symbol))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%s: token %s not registered on chain %d", ErrMarketUnavailable, symbol, a.cfg.ChainID)
	}
	return t, nil
}

// Open swaps collateral into the token. Sequence: ensure capital tracking,
// ensure router allowance, swap, then derive the realized entry price from
// the vault's token balance delta once the swap mines.
func (a *SpotAdapter) Open(ctx context.Context, p OpenParams) (*OpenResult, error) {
	if p.Side != storage.SideLong {
		return &OpenResult{VenueError: ErrVenueRejected + ":spot supports LONG only"}, nil
	}
	token, err := a.token(p.Symbol)
	if err != nil {
		return &OpenResult{VenueError: ErrMarketUnavailable}, nil
	}
	vaultAddr := common.HexToAddress(p.Scope.Vault)
	tokenAddr := common.HexToAddress(token.Address)
	amountIn := toUnits(p.SizeUSD, a.cfg.CollateralDecimals)

	bal, err := a.svc.TokenBalance(ctx, a.cfg.Collateral, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}
	if bal.Cmp(amountIn) < 0 {
		return &OpenResult{VenueError: ErrInsufficientFunds}, nil
	}

	if err := a.svc.EnsureCapitalTracking(ctx, vaultAddr); err != nil {
		return nil, fmt.Errorf("capital tracking: %w", err)
	}
	if err := a.ensureAllowance(ctx, a.cfg.Collateral, vaultAddr, amountIn); err != nil {
		return nil, err
	}

	price, err := a.prices.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("spot quote: %w", err)
	}
	expectedOut := p.SizeUSD / price
	minOut := toUnits(expectedOut*(1-float64(a.cfg.SlippageBps)/10000), token.Decimals)

	before, err := a.svc.TokenBalance(ctx, tokenAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}

	hash, err := a.svc.SwapExactInput(ctx, a.cfg.Router, vault.SwapParams{
		TokenIn:      a.cfg.Collateral,
		TokenOut:     tokenAddr,
		FeeTier:      a.cfg.FeeTier,
		Recipient:    vaultAddr,
		Deadline:     big.NewInt(time.Now().Add(5 * time.Minute).Unix()),
		AmountIn:     amountIn,
		AmountOutMin: minOut,
	})
	if err != nil {
		if chain.IsTimeout(err) {
			return &OpenResult{VenueError: ErrTimeout}, nil
		}
		return &OpenResult{VenueError: ErrVenueRejected + ":" + err.Error()}, nil
	}

	amountOut := expectedOut
	entry := price
	if receipt, werr := a.client.WaitMined(ctx, hash, a.cfg.ReceiptPoll); werr == nil && receipt.Status == 1 {
		after, berr := a.svc.TokenBalance(ctx, tokenAddr, vaultAddr)
		if berr == nil {
			delta := new(big.Int).Sub(after, before)
			if got := fromUnits(delta, token.Decimals); got > 0 {
				amountOut = got
				entry = p.SizeUSD / got
			}
		}
	} else if werr == nil && receipt.Status == 0 {
		return &OpenResult{VenueError: ErrVenueRejected + ":swap reverted", TxRef: hash.Hex()}, nil
	}

	log.Info().
		Str("symbol", p.Symbol).
		Float64("size_usd", p.SizeUSD).
		Float64("entry", entry).
		Str("tx", hash.Hex()).
		Msg("spot entry filled")

	return &OpenResult{
		TxRef:      hash.Hex(),
		AmountOut:  amountOut,
		EntryPrice: entry,
	}, nil
}

// Close sells the vault's actual token balance back to collateral. The
// realized exit price comes from the collateral balance delta.
func (a *SpotAdapter) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	token, err := a.token(p.Symbol)
	if err != nil {
		return &CloseResult{VenueError: ErrMarketUnavailable}, nil
	}
	vaultAddr := common.HexToAddress(p.Scope.Vault)
	tokenAddr := common.HexToAddress(token.Address)

	held, err := a.svc.TokenBalance(ctx, tokenAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	if held.Sign() == 0 {
		return &CloseResult{VenueError: ErrVenueRejected + ":already closed"}, nil
	}
	qty := fromUnits(held, token.Decimals)

	if err := a.ensureAllowance(ctx, tokenAddr, vaultAddr, held); err != nil {
		return nil, err
	}

	price, err := a.prices.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("spot quote: %w", err)
	}
	minOut := toUnits(qty*price*(1-float64(a.cfg.SlippageBps)/10000), a.cfg.CollateralDecimals)

	before, err := a.svc.TokenBalance(ctx, a.cfg.Collateral, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("collateral balance: %w", err)
	}

	hash, err := a.svc.SwapExactInput(ctx, a.cfg.Router, vault.SwapParams{
		TokenIn:      tokenAddr,
		TokenOut:     a.cfg.Collateral,
		FeeTier:      a.cfg.FeeTier,
		Recipient:    vaultAddr,
		Deadline:     big.NewInt(time.Now().Add(5 * time.Minute).Unix()),
		AmountIn:     held,
		AmountOutMin: minOut,
	})
	if err != nil {
		if chain.IsTimeout(err) {
			return &CloseResult{VenueError: ErrTimeout}, nil
		}
		return &CloseResult{VenueError: ErrVenueRejected + ":" + err.Error()}, nil
	}

	exitPrice := price
	if receipt, werr := a.client.WaitMined(ctx, hash, a.cfg.ReceiptPoll); werr == nil && receipt.Status == 1 {
		after, berr := a.svc.TokenBalance(ctx, a.cfg.Collateral, vaultAddr)
		if berr == nil {
			proceeds := fromUnits(new(big.Int).Sub(after, before), a.cfg.CollateralDecimals)
			if proceeds > 0 {
				exitPrice = proceeds / qty
			}
		}
	} else if werr == nil && receipt.Status == 0 {
		return &CloseResult{VenueError: ErrVenueRejected + ":swap reverted", TxRef: hash.Hex()}, nil
	}

	log.Info().
		Str("symbol", p.Symbol).
		Float64("qty", qty).
		Float64("exit", exitPrice).
		Str("tx", hash.Hex()).
		Msg("spot position closed")

	return &CloseResult{
		TxRef:     hash.Hex(),
		ExitPrice: exitPrice,
		QtyClosed: qty,
	}, nil
}

func (a *SpotAdapter) ensureAllowance(ctx context.Context, token, owner common.Address, need *big.Int) error {
	allowance, err := a.svc.Allowance(ctx, token, owner, a.cfg.Router)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(need) >= 0 {
		return nil
	}
	// max approval amortizes across trades; re-running it is harmless
	if _, err := a.svc.ApproveToken(ctx, token, a.cfg.Router, vault.MaxApproval); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

// ListOpenPositions treats any registered token the vault holds as an
// open long. Entry price is unknown on-chain; callers estimate from the
// current price when discovering.
func (a *SpotAdapter) ListOpenPositions(ctx context.Context, scope Scope) ([]VenuePosition, error) {
	tokens, err := a.repo.TokensForChain(a.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	vaultAddr := common.HexToAddress(scope.Vault)

	var out []VenuePosition
	for _, t := range tokens {
		if common.HexToAddress(t.Address) == a.cfg.Collateral {
			continue
		}
		bal, err := a.svc.TokenBalance(ctx, common.HexToAddress(t.Address), vaultAddr)
		if err != nil {
			log.Debug().Err(err).Str("symbol", t.Symbol).Msg("spot balance read failed")
			continue
		}
		qty := fromUnits(bal, t.Decimals)
		if qty <= 0 {
			continue
		}
		price, err := a.prices.CurrentPrice(ctx, t.Symbol)
		if err != nil || qty*price < 0.1 {
			// dust below the venue minimum is not a position
			continue
		}
		out = append(out, VenuePosition{
			Symbol:   t.Symbol,
			Side:     storage.SideLong,
			Qty:      qty,
			Leverage: 1,
		})
	}
	return out, nil
}

func (a *SpotAdapter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return a.prices.CurrentPrice(ctx, symbol)
}

// UserBalance reads the vault's collateral balance.
func (a *SpotAdapter) UserBalance(ctx context.Context, scope Scope) (float64, error) {
	bal, err := a.svc.TokenBalance(ctx, a.cfg.Collateral, common.HexToAddress(scope.Vault))
	if err != nil {
		return 0, err
	}
	return fromUnits(bal, a.cfg.CollateralDecimals), nil
}
