package pricing

import "context"

// Source resolves a token symbol to the current mid price in the quote
// asset. Each venue adapter must use the same source the venue settles
// against, or slippage math is systematically wrong.
type Source interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}
