package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// Signer holds the executor key used for all vault-mediated transactions.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSignerFromEnv loads a hex-encoded private key from the named
// environment variable.
func NewSignerFromEnv(envVar string, chainID int64) (*Signer, error) {
	raw := strings.TrimPrefix(os.Getenv(envVar), "0x")
	if raw == "" {
		return nil, fmt.Errorf("executor key env %s is empty", envVar)
	}

	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse executor key: %w", err)
	}

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}
	log.Info().Str("address", s.address.Hex()).Msg("executor signer loaded")
	return s, nil
}

// NewSignerFromKey wraps an existing key (tests).
func NewSignerFromKey(key *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the signer's chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
}

// SignDigest signs a 32-byte digest with the executor key. Used by venue
// adapters whose APIs authenticate via recoverable signatures.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}
