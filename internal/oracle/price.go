package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/httppool"
	"solana-wallet-tracker/internal/storage"
)

// SOL mint address constant
const SOLMint = "So11111111111111111111111111111111111111112"

// Poller keeps a fresh SOL/USD quote by polling a public price endpoint and
// persisting each quote through the store.
type Poller struct {
	baseURL    string
	clientPool *httppool.Pool
	store      storage.Store
	interval   time.Duration

	mu        sync.RWMutex
	lastPrice float64
	lastAt    time.Time
}

// NewPoller creates a SOL/USD price poller
func NewPoller(baseURL string, store storage.Store, interval time.Duration) *Poller {
	return &Poller{
		baseURL:    baseURL,
		clientPool: httppool.New(2, 10*time.Second),
		store:      store,
		interval:   interval,
	}
}

// FetchSolPrice fetches the current SOL/USD price once
func (p *Poller) FetchSolPrice(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s?ids=%s", p.baseURL, SOLMint)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := p.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("price fetch failed (%d): %s", resp.StatusCode, string(body))
	}

	var result map[string]struct {
		UsdPrice float64 `json:"usdPrice"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}

	quote, ok := result[SOLMint]
	if !ok || quote.UsdPrice <= 0 {
		return 0, fmt.Errorf("no usable SOL price in response")
	}

	return quote.UsdPrice, nil
}

// Run polls until the context is canceled. The first poll happens
// immediately. A failed poll logs and leaves the previous quote in place.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	price, err := p.FetchSolPrice(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("SOL price poll failed")
		return
	}

	now := time.Now()
	if err := p.store.SaveSolPrice(ctx, price, now.Unix()); err != nil {
		log.Warn().Err(err).Msg("failed to persist SOL price")
	}

	p.mu.Lock()
	p.lastPrice = price
	p.lastAt = now
	p.mu.Unlock()

	log.Debug().Float64("usd", price).Msg("💰 SOL price updated")
}

// Last returns the most recent successfully fetched quote.
func (p *Poller) Last() (float64, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPrice, p.lastAt, !p.lastAt.IsZero()
}
