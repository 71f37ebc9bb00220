package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// Client wraps an EVM JSON-RPC endpoint with per-call deadlines.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	timeout time.Duration
}

// Dial connects to the RPC endpoint and verifies the chain id.
func Dial(ctx context.Context, rawURL string, chainID int64, timeout time.Duration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	got, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if got.Int64() != chainID {
		return nil, fmt.Errorf("chain id mismatch: want %d, got %s", chainID, got)
	}

	log.Info().Str("url", rawURL).Int64("chainID", chainID).Msg("rpc connected")
	return &Client{eth: eth, chainID: got, timeout: timeout}, nil
}

// ChainID returns the connected chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// PingChainID round-trips an eth_chainId call to the RPC endpoint.
func (c *Client) PingChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.ChainID(ctx)
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// LatestNonce reads the confirmed transaction count for an address.
func (c *Client) LatestNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.NonceAt(ctx, addr, nil)
}

// PendingNonce reads the pending transaction count for an address.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, addr)
}

// SuggestGasPrice returns the node's gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.SuggestGasPrice(ctx)
}

// SendTransaction broadcasts a signed transaction. Once broadcast it cannot
// be cancelled from here; callers reconcile the outcome later.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// NativeBalance reads the native-token balance of an address.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, addr, nil)
}

// WaitMined polls for a transaction receipt until the deadline passes.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, pollEvery time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}
