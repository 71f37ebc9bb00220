package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/vault"
)

// QuoterSource prices spot tokens through the DEX quoter contract, the
// same pool the vault swaps settle in.
type QuoterSource struct {
	client        *chain.Client
	repo          *storage.DB
	quoter        common.Address
	collateral    common.Address
	collateralDec int
	chainID       int64
	feeTier       uint32
}

// NewQuoterSource builds a spot price source over the router's quoter.
func NewQuoterSource(client *chain.Client, repo *storage.DB, quoter, collateral common.Address,
	collateralDecimals int, chainID int64, feeTier uint32) *QuoterSource {
	return &QuoterSource{
		client:        client,
		repo:          repo,
		quoter:        quoter,
		collateral:    collateral,
		collateralDec: collateralDecimals,
		chainID:       chainID,
		feeTier:       feeTier,
	}
}

// CurrentPrice quotes one whole token into collateral through the pool's
// fee tier and returns the per-token price.
func (q *QuoterSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	token, err := q.repo.GetToken(q.chainID, storage.StripManualTag(symbol))
	if err != nil {
		return 0, err
	}
	if token == nil {
		return 0, fmt.Errorf("token %s not in registry for chain %d", symbol, q.chainID)
	}

	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals)), nil)
	data, err := vault.QuoterABI().Pack("quoteExactInputSingle",
		common.HexToAddress(token.Address), q.collateral,
		big.NewInt(int64(q.feeTier)), oneToken, big.NewInt(0))
	if err != nil {
		return 0, err
	}

	out, err := q.client.CallContract(ctx, q.quoter, data)
	if err != nil {
		return 0, fmt.Errorf("quoter call: %w", err)
	}

	amountOut := new(big.Int).SetBytes(out)
	price := float64FromUnits(amountOut, q.collateralDec)
	if price <= 0 {
		return 0, fmt.Errorf("quoter returned zero for %s", symbol)
	}
	return price, nil
}

func float64FromUnits(amount *big.Int, decimals int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetFloat64(math.Pow10(decimals)),
	).Float64()
	return f
}
