package chain

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// NonceReader is the slice of Client the serializer needs; narrowed for tests.
type NonceReader interface {
	LatestNonce(ctx context.Context, addr common.Address) (uint64, error)
}

type nonceEntry struct {
	mu     sync.Mutex
	nonce  uint64
	cached bool
}

// NonceSerializer hands out nonces per signing address in strict FIFO
// acquire order. Within one address at most one submission is in flight;
// the cached next nonce is dropped and re-read from the chain whenever a
// submission fails with a nonce-family error, then retried exactly once.
type NonceSerializer struct {
	mu      sync.Mutex
	entries map[common.Address]*nonceEntry
	reader  NonceReader

	resyncs atomic.Int64
}

// NewNonceSerializer creates a serializer backed by the given reader.
func NewNonceSerializer(reader NonceReader) *NonceSerializer {
	return &NonceSerializer{
		entries: make(map[common.Address]*nonceEntry),
		reader:  reader,
	}
}

func (s *NonceSerializer) entry(addr common.Address) *nonceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		e = &nonceEntry{}
		s.entries[addr] = e
	}
	return e
}

// WithNonce acquires the address lock, calls fn with the next nonce, and
// releases on either outcome. On success the cached nonce advances. On a
// nonce-family failure the cache is refreshed from the chain and fn retried
// once with the new value.
func (s *NonceSerializer) WithNonce(ctx context.Context, addr common.Address, fn func(nonce uint64) error) error {
	e := s.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cached {
		n, err := s.reader.LatestNonce(ctx, addr)
		if err != nil {
			return err
		}
		e.nonce = n
		e.cached = true
	}

	err := fn(e.nonce)
	if err == nil {
		e.nonce++
		return nil
	}

	if !IsNonceError(err) {
		// The cache may now over-count; an admin force-refresh or the next
		// nonce error will correct it.
		return err
	}

	s.resyncs.Add(1)
	log.Warn().Str("addr", addr.Hex()).Err(err).Msg("stale nonce, resyncing from chain")

	n, rerr := s.reader.LatestNonce(ctx, addr)
	if rerr != nil {
		e.cached = false
		return rerr
	}
	e.nonce = n

	if err = fn(e.nonce); err != nil {
		e.cached = false
		return err
	}
	e.nonce++
	return nil
}

// ForceRefresh drops the cache for an address and re-reads the chain.
func (s *NonceSerializer) ForceRefresh(ctx context.Context, addr common.Address) (uint64, error) {
	e := s.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := s.reader.LatestNonce(ctx, addr)
	if err != nil {
		e.cached = false
		return 0, err
	}
	e.nonce = n
	e.cached = true
	return n, nil
}

// Cached returns the cached next nonce for an address and whether one is held.
func (s *NonceSerializer) Cached(addr common.Address) (uint64, bool) {
	e := s.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonce, e.cached
}

// Resyncs returns how many nonce resyncs have occurred since start.
func (s *NonceSerializer) Resyncs() int64 {
	return s.resyncs.Load()
}
