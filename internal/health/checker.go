package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"venue-coordinator/internal/chain"
)

// Status is the last observed health of one dependency.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latencyNs"`
	Error   string        `json:"error,omitempty"`
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Checker runs probes on a timer and caches their results.
type Checker struct {
	mu       sync.RWMutex
	statuses []Status
	probes   []Probe
	interval time.Duration
}

func NewChecker(interval time.Duration, probes ...Probe) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Checker{probes: probes, interval: interval}
}

// RPCProbe reports whether the chain RPC answers a chain-id call.
func RPCProbe(client *chain.Client) Probe {
	return Probe{
		Name: "rpc",
		Check: func(ctx context.Context) error {
			_, err := client.PingChainID(ctx)
			return err
		},
	}
}

// HTTPProbe reports whether a venue API endpoint answers at all.
func HTTPProbe(name, url string) Probe {
	client := &http.Client{Timeout: 5 * time.Second}
	return Probe{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}

// Start begins periodic checks and runs one immediately.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()

	c.check(ctx)
}

func (c *Checker) check(ctx context.Context) {
	statuses := make([]Status, 0, len(c.probes))
	for _, p := range c.probes {
		start := time.Now()
		err := p.Check(ctx)
		s := Status{
			Name:    p.Name,
			Latency: time.Since(start),
			Healthy: err == nil,
		}
		if err != nil {
			s.Error = err.Error()
		}
		statuses = append(statuses, s)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// GetStatuses returns the most recent probe results.
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// AllHealthy reports whether every probe passed on the last run.
func (c *Checker) AllHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
