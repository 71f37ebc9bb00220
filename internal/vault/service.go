package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
)

// Service executes trades through the vault's smart-contract module: the
// executor key signs module calls, never the user's own key. One instance
// exists per (chainID, moduleAddress); factories return the existing one.
type Service struct {
	client *chain.Client
	signer *chain.Signer
	nonces *chain.NonceSerializer

	chainID  int64
	module   common.Address
	gasLimit uint64

	// one-shot capital-tracking init per vault; races between workers are
	// tolerated, the on-chain init is idempotent
	initMu      sync.Mutex
	initialized map[common.Address]bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Service{}
)

func registryKey(chainID int64, module common.Address) string {
	return fmt.Sprintf("%d/%s", chainID, module.Hex())
}

// GetService returns the process-wide module service for (chainID, module),
// constructing it on first use.
func GetService(client *chain.Client, signer *chain.Signer, nonces *chain.NonceSerializer,
	chainID int64, module common.Address, gasLimit uint64) *Service {

	registryMu.Lock()
	defer registryMu.Unlock()

	key := registryKey(chainID, module)
	if svc, ok := registry[key]; ok {
		return svc
	}

	svc := &Service{
		client:      client,
		signer:      signer,
		nonces:      nonces,
		chainID:     chainID,
		module:      module,
		gasLimit:    gasLimit,
		initialized: make(map[common.Address]bool),
	}
	registry[key] = svc
	log.Info().Int64("chainID", chainID).Str("module", module.Hex()).Msg("module service created")
	return svc
}

// ResetRegistry clears the singleton registry. Configuration changes and
// tests call this explicitly.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Service{}
}

// Module returns the module contract address.
func (s *Service) Module() common.Address { return s.module }

// ExecutorAddress returns the signing address used for module calls.
func (s *Service) ExecutorAddress() common.Address { return s.signer.Address() }

// ExecThroughModule wraps target calldata in execTransactionFromModule,
// signs with the executor key under the nonce serializer, and broadcasts.
func (s *Service) ExecThroughModule(ctx context.Context, target common.Address, value *big.Int, calldata []byte) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	wrapped, err := moduleABI.Pack("execTransactionFromModule", target, value, calldata, uint8(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack module call: %w", err)
	}
	return s.submit(ctx, s.module, wrapped)
}

func (s *Service) submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	var hash common.Hash
	err = s.nonces.WithNonce(ctx, s.signer.Address(), func(nonce uint64) error {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      s.gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := s.signer.SignTx(tx)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := s.client.SendTransaction(ctx, signed); err != nil {
			return err
		}
		hash = signed.Hash()
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}

	log.Debug().Str("to", to.Hex()).Str("tx", hash.Hex()).Msg("module tx broadcast")
	return hash, nil
}

// EnsureCapitalTracking initializes the vault's capital tracking once.
// Already-initialized vaults are a no-op; concurrent workers may both call
// the on-chain init, which the contract treats as idempotent.
func (s *Service) EnsureCapitalTracking(ctx context.Context, vaultAddr common.Address) error {
	s.initMu.Lock()
	done := s.initialized[vaultAddr]
	s.initMu.Unlock()
	if done {
		return nil
	}

	check, err := moduleABI.Pack("isCapitalInitialized", vaultAddr)
	if err != nil {
		return err
	}
	out, err := s.client.CallContract(ctx, s.module, check)
	if err != nil {
		return fmt.Errorf("capital init check: %w", err)
	}
	if len(out) == 32 && out[31] == 1 {
		s.markInitialized(vaultAddr)
		return nil
	}

	initData, err := moduleABI.Pack("initializeCapital", vaultAddr)
	if err != nil {
		return err
	}
	if _, err := s.submit(ctx, s.module, initData); err != nil {
		return fmt.Errorf("capital init: %w", err)
	}

	s.markInitialized(vaultAddr)
	log.Info().Str("vault", vaultAddr.Hex()).Msg("capital tracking initialized")
	return nil
}

func (s *Service) markInitialized(vaultAddr common.Address) {
	s.initMu.Lock()
	s.initialized[vaultAddr] = true
	s.initMu.Unlock()
}

// ApproveToken approves spender for amount of token, spending from the
// vault through the module. Pass MaxApproval to amortize across trades.
func (s *Service) ApproveToken(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.ExecThroughModule(ctx, token, nil, data)
}

// TransferToken moves token from the vault to a receiver through the module.
// Used for protocol fees and creator profit shares.
func (s *Service) TransferToken(ctx context.Context, token, receiver common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("transfer", receiver, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.ExecThroughModule(ctx, token, nil, data)
}

// SwapParams describes a single-hop exact-input swap routed from the vault.
type SwapParams struct {
	TokenIn      common.Address
	TokenOut     common.Address
	FeeTier      uint32 // e.g. 3000 = 30 bps
	Recipient    common.Address
	Deadline     *big.Int
	AmountIn     *big.Int
	AmountOutMin *big.Int
}

// SwapExactInput swaps through the DEX router via the module using the
// router's exact-input-single schema.
func (s *Service) SwapExactInput(ctx context.Context, router common.Address, p SwapParams) (common.Hash, error) {
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           p.TokenIn,
		TokenOut:          p.TokenOut,
		Fee:               big.NewInt(int64(p.FeeTier)),
		Recipient:         p.Recipient,
		Deadline:          p.Deadline,
		AmountIn:          p.AmountIn,
		AmountOutMinimum:  p.AmountOutMin,
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := routerABI.Pack("exactInputSingle", params)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swap: %w", err)
	}
	return s.ExecThroughModule(ctx, router, nil, data)
}

// TokenBalance reads an ERC-20 balance.
func (s *Service) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := s.client.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// Allowance reads an ERC-20 allowance.
func (s *Service) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := s.client.CallContract(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// MaxApproval is the unlimited ERC-20 allowance value.
var MaxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
