package httpx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guard wraps a pooled client with a rate limiter and a circuit breaker so
// a degraded venue API cannot stall the executor or burn its quota.
type Guard struct {
	pool    *Pool
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard builds a guarded client. rps bounds requests per second; the
// breaker opens after 5 consecutive failures and probes again after 30s.
func NewGuard(name string, pool *Pool, rps float64, burst int) *Guard {
	return &Guard{
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Do executes the request under the limiter and breaker. A 5xx response
// counts as a breaker failure; 4xx responses pass through (they are venue
// rejections, not venue outages).
func (g *Guard) Do(req *http.Request) (*http.Response, error) {
	if err := g.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := g.pool.Get().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("venue API %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}
