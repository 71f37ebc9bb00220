package chain

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/storage"
)

// ErrKeyMissing is returned when no key is held for a delegated address.
var ErrKeyMissing = errors.New("no key held for address")

// KeyStore manages delegated agent keys: one per (user, venue), cached on
// disk as base58-encoded key material. The repo's unique indexes enforce
// global address uniqueness; generation re-checks before insert.
type KeyStore struct {
	path string
	repo *storage.DB

	mu   sync.RWMutex
	keys map[common.Address]agentKey
}

// agentKey pairs the key material with its owner so the disk cache can be
// re-associated without the DB.
type agentKey struct {
	key        *ecdsa.PrivateKey
	userWallet string
	venue      string
}

type keyStoreEntry struct {
	UserWallet string `json:"user_wallet"`
	Venue      string `json:"venue"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// NewKeyStore opens (or creates) the key cache at dir/agent_keys.json.
func NewKeyStore(dir string, repo *storage.DB) (*KeyStore, error) {
	ks := &KeyStore{
		path: filepath.Join(dir, "agent_keys.json"),
		repo: repo,
		keys: make(map[common.Address]agentKey),
	}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) load() error {
	data, err := os.ReadFile(ks.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var entries []keyStoreEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse key cache: %w", err)
	}

	for _, e := range entries {
		raw, err := base58.Decode(e.PrivateKey)
		if err != nil {
			log.Warn().Str("address", e.Address).Msg("skipping undecodable cached key")
			continue
		}
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			log.Warn().Str("address", e.Address).Msg("skipping invalid cached key")
			continue
		}
		ks.keys[common.HexToAddress(e.Address)] = agentKey{
			key:        key,
			userWallet: e.UserWallet,
			venue:      e.Venue,
		}
	}

	log.Info().Int("keys", len(ks.keys)).Msg("agent key cache loaded")
	return nil
}

func (ks *KeyStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return err
	}

	entries := make([]keyStoreEntry, 0, len(ks.keys))
	for addr, ak := range ks.keys {
		entries = append(entries, keyStoreEntry{
			UserWallet: ak.userWallet,
			Venue:      ak.venue,
			Address:    addr.Hex(),
			PrivateKey: base58.Encode(crypto.FromECDSA(ak.key)),
		})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ks.path, data, 0600)
}

// Resolve returns the private key for a delegated address.
func (ks *KeyStore) Resolve(addr common.Address) (*ecdsa.PrivateKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ak, ok := ks.keys[addr]
	if !ok {
		return nil, ErrKeyMissing
	}
	return ak.key, nil
}

// AgentKeyFor resolves the user's delegated key on a venue through the repo
// mapping. Missing address or missing key are both terminal for the
// deployment on that venue.
func (ks *KeyStore) AgentKeyFor(userWallet string, venue storage.Venue) (common.Address, *ecdsa.PrivateKey, error) {
	rec, err := ks.repo.AgentAddressFor(userWallet, venue)
	if err != nil {
		return common.Address{}, nil, err
	}
	if rec == nil {
		return common.Address{}, nil, ErrKeyMissing
	}
	addr := common.HexToAddress(rec.Address)
	key, err := ks.Resolve(addr)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, key, nil
}

// EnsureAgentAddress returns the user's delegated address for a venue,
// generating and registering one on first use. A racing insert loses to the
// schema's unique constraints and falls back to the winner's row.
func (ks *KeyStore) EnsureAgentAddress(userWallet string, venue storage.Venue) (common.Address, error) {
	if rec, err := ks.repo.AgentAddressFor(userWallet, venue); err != nil {
		return common.Address{}, err
	} else if rec != nil {
		return common.HexToAddress(rec.Address), nil
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	err = ks.repo.InsertAgentAddress(&storage.AgentAddress{
		UserWallet: userWallet,
		Venue:      venue,
		Address:    addr.Hex(),
	})
	if errors.Is(err, storage.ErrDuplicateAgentAddress) {
		rec, rerr := ks.repo.AgentAddressFor(userWallet, venue)
		if rerr != nil || rec == nil {
			return common.Address{}, fmt.Errorf("agent address race lost and re-read failed: %v", rerr)
		}
		return common.HexToAddress(rec.Address), nil
	}
	if err != nil {
		return common.Address{}, err
	}

	ks.mu.Lock()
	ks.keys[addr] = agentKey{
		key:        key,
		userWallet: strings.ToLower(userWallet),
		venue:      string(venue),
	}
	perr := ks.persist()
	ks.mu.Unlock()
	if perr != nil {
		log.Warn().Err(perr).Msg("failed to persist agent key cache")
	}

	log.Info().
		Str("user", userWallet).
		Str("venue", string(venue)).
		Str("address", addr.Hex()).
		Msg("delegated agent address generated")

	return addr, nil
}
