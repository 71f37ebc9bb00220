package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/storage"
)

const aggregatorABIJSON = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic(err)
	}
	aggregatorABI = parsed
}

// AggregatorSource reads per-token on-chain price feeds. The on-chain perp
// venue settles against these feeds, so its adapter must price from here.
type AggregatorSource struct {
	client *chain.Client
	feeds  map[string]common.Address // token symbol -> feed address

	mu     sync.RWMutex
	cached map[string]cachedPrice
	ttl    time.Duration
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// NewAggregatorSource builds a feed-backed source with a short read cache.
func NewAggregatorSource(client *chain.Client, feeds map[string]common.Address, ttl time.Duration) *AggregatorSource {
	normalized := make(map[string]common.Address, len(feeds))
	for sym, addr := range feeds {
		normalized[strings.ToUpper(sym)] = addr
	}
	return &AggregatorSource{
		client: client,
		feeds:  normalized,
		cached: make(map[string]cachedPrice),
		ttl:    ttl,
	}
}

// CurrentPrice returns the feed's latest answer, scaled from 8 decimals.
func (a *AggregatorSource) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(storage.StripManualTag(symbol))

	a.mu.RLock()
	if c, ok := a.cached[sym]; ok && time.Since(c.at) < a.ttl {
		a.mu.RUnlock()
		return c.price, nil
	}
	a.mu.RUnlock()

	feed, ok := a.feeds[sym]
	if !ok {
		return 0, fmt.Errorf("no price feed for %s", symbol)
	}

	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return 0, err
	}
	out, err := a.client.CallContract(ctx, feed, data)
	if err != nil {
		return 0, fmt.Errorf("feed read %s: %w", sym, err)
	}

	values, err := aggregatorABI.Unpack("latestRoundData", out)
	if err != nil {
		return 0, err
	}
	answer := values[1].(*big.Int)
	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("feed %s returned non-positive answer", sym)
	}

	price := float64FromUnits(answer, 8)

	a.mu.Lock()
	a.cached[sym] = cachedPrice{price: price, at: time.Now()}
	a.mu.Unlock()

	return price, nil
}
