package httpx

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Pool provides HTTP/2 connection pooling for venue API clients.
type Pool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewPool creates an HTTP/2 optimized client pool.
func NewPool(size int, timeout time.Duration) *Pool {
	pool := &Pool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Debug().Int("poolSize", size).Msg("HTTP/2 client pool initialized")
	return pool
}

// Get returns the next pooled client (round-robin).
func (p *Pool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}
