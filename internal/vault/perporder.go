package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Order types understood by the on-chain perp venue.
const (
	OrderMarketIncrease uint8 = 2
	OrderMarketDecrease uint8 = 4
)

// PerpOrder describes one composite order the module must execute
// atomically against the perp exchange router: execution-fee transfer,
// collateral transfer, then order creation.
type PerpOrder struct {
	OrderVault       common.Address
	Market           common.Address
	CollateralToken  common.Address
	Receiver         common.Address
	SizeDeltaUSD     *big.Int // 30-decimal scale
	CollateralDelta  *big.Int
	AcceptablePrice  *big.Int // 30-decimal scale, slippage applied side-appropriately
	ExecutionFee     *big.Int // wrapped-gas quantity sent to the order vault
	OrderType        uint8
	IsLong           bool
	ReferralCode     [32]byte
}

type perpOrderAddresses struct {
	Receiver               common.Address
	CallbackContract       common.Address
	UiFeeReceiver          common.Address
	Market                 common.Address
	InitialCollateralToken common.Address
	SwapPath               []common.Address
}

type perpOrderNumbers struct {
	SizeDeltaUsd                 *big.Int
	InitialCollateralDeltaAmount *big.Int
	TriggerPrice                 *big.Int
	AcceptablePrice              *big.Int
	ExecutionFee                 *big.Int
	CallbackGasLimit             *big.Int
	MinOutputAmount              *big.Int
}

type perpOrderParams struct {
	Addresses                perpOrderAddresses
	Numbers                  perpOrderNumbers
	OrderType                uint8
	DecreasePositionSwapType uint8
	IsLong                   bool
	ShouldUnwrapNativeToken  bool
	ReferralCode             [32]byte
}

// PackPerpOrderMulticall builds the single multicall payload for a
// composite perp order: sendWnt(executionFee) -> sendTokens(collateral) ->
// createOrder(params). Trigger price is 0 for market orders; tokens are
// never unwrapped.
func PackPerpOrderMulticall(o PerpOrder) ([]byte, error) {
	sendWnt, err := perpRouterABI.Pack("sendWnt", o.OrderVault, o.ExecutionFee)
	if err != nil {
		return nil, fmt.Errorf("pack sendWnt: %w", err)
	}

	calls := [][]byte{sendWnt}

	if o.CollateralDelta != nil && o.CollateralDelta.Sign() > 0 {
		sendTokens, err := perpRouterABI.Pack("sendTokens", o.CollateralToken, o.OrderVault, o.CollateralDelta)
		if err != nil {
			return nil, fmt.Errorf("pack sendTokens: %w", err)
		}
		calls = append(calls, sendTokens)
	}

	collateralDelta := o.CollateralDelta
	if collateralDelta == nil {
		collateralDelta = big.NewInt(0)
	}

	createOrder, err := perpRouterABI.Pack("createOrder", perpOrderParams{
		Addresses: perpOrderAddresses{
			Receiver:               o.Receiver,
			Market:                 o.Market,
			InitialCollateralToken: o.CollateralToken,
			SwapPath:               []common.Address{},
		},
		Numbers: perpOrderNumbers{
			SizeDeltaUsd:                 o.SizeDeltaUSD,
			InitialCollateralDeltaAmount: collateralDelta,
			TriggerPrice:                 big.NewInt(0),
			AcceptablePrice:              o.AcceptablePrice,
			ExecutionFee:                 o.ExecutionFee,
			CallbackGasLimit:             big.NewInt(0),
			MinOutputAmount:              big.NewInt(0),
		},
		OrderType:    o.OrderType,
		IsLong:       o.IsLong,
		ReferralCode: o.ReferralCode,
	})
	if err != nil {
		return nil, fmt.Errorf("pack createOrder: %w", err)
	}
	calls = append(calls, createOrder)

	return perpRouterABI.Pack("multicall", calls)
}
