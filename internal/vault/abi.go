package vault

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the contracts the module service touches.
// Parsed once at package init; a parse failure is a programming error.

const moduleABIJSON = `[
	{"name":"execTransactionFromModule","type":"function","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"name":"initializeCapital","type":"function","inputs":[
		{"name":"vault","type":"address"}],"outputs":[]},
	{"name":"isCapitalInitialized","type":"function","stateMutability":"view","inputs":[
		{"name":"vault","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"transfer","type":"function","inputs":[
		{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

const routerABIJSON = `[
	{"name":"exactInputSingle","type":"function","stateMutability":"payable","inputs":[
		{"name":"params","type":"tuple","components":[
			{"name":"tokenIn","type":"address"},
			{"name":"tokenOut","type":"address"},
			{"name":"fee","type":"uint24"},
			{"name":"recipient","type":"address"},
			{"name":"deadline","type":"uint256"},
			{"name":"amountIn","type":"uint256"},
			{"name":"amountOutMinimum","type":"uint256"},
			{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const quoterABIJSON = `[
	{"name":"quoteExactInputSingle","type":"function","inputs":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"amountIn","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const perpRouterABIJSON = `[
	{"name":"multicall","type":"function","stateMutability":"payable","inputs":[
		{"name":"data","type":"bytes[]"}],"outputs":[{"name":"results","type":"bytes[]"}]},
	{"name":"sendWnt","type":"function","stateMutability":"payable","inputs":[
		{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"sendTokens","type":"function","inputs":[
		{"name":"token","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"name":"createOrder","type":"function","inputs":[
		{"name":"params","type":"tuple","components":[
			{"name":"addresses","type":"tuple","components":[
				{"name":"receiver","type":"address"},
				{"name":"callbackContract","type":"address"},
				{"name":"uiFeeReceiver","type":"address"},
				{"name":"market","type":"address"},
				{"name":"initialCollateralToken","type":"address"},
				{"name":"swapPath","type":"address[]"}]},
			{"name":"numbers","type":"tuple","components":[
				{"name":"sizeDeltaUsd","type":"uint256"},
				{"name":"initialCollateralDeltaAmount","type":"uint256"},
				{"name":"triggerPrice","type":"uint256"},
				{"name":"acceptablePrice","type":"uint256"},
				{"name":"executionFee","type":"uint256"},
				{"name":"callbackGasLimit","type":"uint256"},
				{"name":"minOutputAmount","type":"uint256"}]},
			{"name":"orderType","type":"uint8"},
			{"name":"decreasePositionSwapType","type":"uint8"},
			{"name":"isLong","type":"bool"},
			{"name":"shouldUnwrapNativeToken","type":"bool"},
			{"name":"referralCode","type":"bytes32"}]}],
	 "outputs":[{"name":"key","type":"bytes32"}]}
]`

var (
	moduleABI     abi.ABI
	erc20ABI      abi.ABI
	routerABI     abi.ABI
	quoterABI     abi.ABI
	perpRouterABI abi.ABI
)

func init() {
	moduleABI = mustABI(moduleABIJSON)
	erc20ABI = mustABI(erc20ABIJSON)
	routerABI = mustABI(routerABIJSON)
	quoterABI = mustABI(quoterABIJSON)
	perpRouterABI = mustABI(perpRouterABIJSON)
}

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// QuoterABI exposes the quoter fragment to the pricing package.
func QuoterABI() abi.ABI { return quoterABI }

// ERC20ABI exposes the token fragment to adapters.
func ERC20ABI() abi.ABI { return erc20ABI }
