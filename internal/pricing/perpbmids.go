package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/httpx"
	"venue-coordinator/internal/storage"
)

// PerpBMids serves PERP-B mid prices. Reads prefer the websocket stream
// when connected and fall back to the info API, which is the same source
// the venue uses to settle.
type PerpBMids struct {
	baseURL string
	wsURL   string
	guard   *httpx.Guard

	mu    sync.RWMutex
	mids  map[string]float64
	fresh time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPerpBMids builds the mid-price source. wsURL may be empty to disable
// streaming.
func NewPerpBMids(baseURL, wsURL string, guard *httpx.Guard) *PerpBMids {
	return &PerpBMids{
		baseURL: baseURL,
		wsURL:   wsURL,
		guard:   guard,
		mids:    make(map[string]float64),
		stopCh:  make(chan struct{}),
	}
}

// Start connects the websocket stream and keeps it alive until Stop.
func (p *PerpBMids) Start() {
	if p.wsURL == "" {
		return
	}
	p.wg.Add(1)
	go p.streamLoop()
}

// Stop terminates the stream.
func (p *PerpBMids) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *PerpBMids) streamLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.streamOnce(); err != nil {
			log.Warn().Err(err).Msg("mid stream disconnected, reconnecting")
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *PerpBMids) streamOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(p.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]string{"type": "allMids"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	log.Info().Str("url", p.wsURL).Msg("mid stream connected")

	// the watchdog must die with this connection, not with the process,
	// or every reconnect leaks one goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Mids map[string]string `json:"mids"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Channel != "allMids" {
			continue
		}
		p.storeMids(msg.Data.Mids)
	}
}

func (p *PerpBMids) storeMids(raw map[string]string) {
	p.mu.Lock()
	for sym, s := range raw {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			p.mids[strings.ToUpper(sym)] = v
		}
	}
	p.fresh = time.Now()
	p.mu.Unlock()
}

// CurrentPrice returns the mid for a symbol, streaming first, info API
// fallback.
func (p *PerpBMids) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	sym := strings.ToUpper(storage.StripManualTag(symbol))

	p.mu.RLock()
	mid, ok := p.mids[sym]
	fresh := time.Since(p.fresh) < 10*time.Second
	p.mu.RUnlock()
	if ok && fresh {
		return mid, nil
	}

	mids, err := p.fetchAllMids(ctx)
	if err != nil {
		return 0, err
	}
	p.storeMids(mids)

	p.mu.RLock()
	mid, ok = p.mids[sym]
	p.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("no mid for %s", symbol)
	}
	return mid, nil
}

func (p *PerpBMids) fetchAllMids(ctx context.Context) (map[string]string, error) {
	body, _ := json.Marshal(map[string]string{"type": "allMids"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.guard.Do(req)
	if err != nil {
		return nil, fmt.Errorf("info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info status %d", resp.StatusCode)
	}

	var mids map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&mids); err != nil {
		return nil, fmt.Errorf("decode mids: %w", err)
	}
	return mids, nil
}
