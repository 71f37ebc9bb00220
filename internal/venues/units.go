package venues

import (
	"math"
	"math/big"
)

// toUnits converts a quote amount to integer token units at the given
// decimal scale, truncating sub-unit dust.
func toUnits(amount float64, decimals int) *big.Int {
	scaled := new(big.Float).Mul(
		new(big.Float).SetFloat64(amount),
		new(big.Float).SetFloat64(math.Pow10(decimals)),
	)
	out, _ := scaled.Int(nil)
	return out
}

func fromUnits(amount *big.Int, decimals int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetFloat64(math.Pow10(decimals)),
	).Float64()
	return f
}
