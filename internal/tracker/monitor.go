package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/blockchain"
	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/storage"
)

// MarketHandoff carries the market snapshot computed by enrichment to the
// monitor handling the same event. Capacity 1, written exactly once; nil
// means the snapshot could not be computed.
type MarketHandoff chan *storage.MarketData

// storeTimeout bounds persistence writes that must land even after the
// session context is cancelled.
const storeTimeout = 5 * time.Second

// MonitorConfig tunes pool monitoring sessions.
type MonitorConfig struct {
	// MaxDuration is the wall-clock lifetime of a session.
	MaxDuration time.Duration
	// SampleInterval is the pause between pool reserve reads.
	SampleInterval time.Duration
	// ErrorLimit is how many consecutive sampler failures close the session.
	ErrorLimit int
	// HandoffWait bounds the wait for the enrichment market snapshot when
	// seeding a price point.
	HandoffWait time.Duration
}

func (c *MonitorConfig) applyDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 60 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.ErrorLimit <= 0 {
		c.ErrorLimit = 5
	}
	if c.HandoffWait <= 0 {
		c.HandoffWait = 2 * time.Second
	}
}

// PoolMonitor watches the pool price of freshly bought tokens. One session
// per (wallet, token) pair, one sampler goroutine per active session.
type PoolMonitor struct {
	store    storage.Store
	chain    ChainReader
	registry *FirstEventRegistry
	cfg      MonitorConfig

	mu       sync.Mutex
	sessions map[pairKey]*Session

	// supplies caches the human-readable total supply per mint; supply does
	// not move within a session's lifetime.
	supplyMu sync.Mutex
	supplies map[string]float64

	wg sync.WaitGroup
}

// NewPoolMonitor creates a monitor. Zero config fields fall back to the
// defaults.
func NewPoolMonitor(store storage.Store, chain ChainReader, registry *FirstEventRegistry, cfg MonitorConfig) *PoolMonitor {
	cfg.applyDefaults()
	return &PoolMonitor{
		store:    store,
		chain:    chain,
		registry: registry,
		cfg:      cfg,
		sessions: make(map[pairKey]*Session),
		supplies: make(map[string]float64),
	}
}

// HandleBuy starts a monitoring session when the event is the wallet's first
// buy of the token and carries a pool address. Duplicate starts are logged
// no-ops.
func (m *PoolMonitor) HandleBuy(ctx context.Context, ev *dex.Event, market MarketHandoff) {
	token := ev.TokenAddress()
	wallet := ev.FeePayer
	if token == "" || wallet == "" {
		return
	}
	if ev.Pool == "" {
		log.Debug().Str("tx", truncateStr(ev.Signature, 8)).Msg("buy without pool address, not monitoring")
		return
	}

	first, err := m.registry.FirstBuyEvent(ctx, wallet, token, ev.Signature)
	if err != nil {
		log.Error().Err(err).
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("first buy lookup failed")
		return
	}
	if !first {
		return
	}
	m.registry.RecordFirst(dex.KindBuy, wallet, token, ev.BlockTime, ev.Signature, nil)

	now := time.Now()
	s := newSession(wallet, token, ev.Pool, ev.Signature, now, m.cfg.MaxDuration)

	key := pairKey{wallet, token}
	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		log.Debug().
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("monitoring session already active, duplicate start ignored")
		return
	}
	m.sessions[key] = s
	m.mu.Unlock()

	initial := m.pricePoint(ctx, ev, market, now)

	if err := m.store.SaveSession(ctx, s.record()); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			log.Debug().
				Str("wallet", truncateStr(wallet, 8)).
				Str("token", truncateStr(token, 8)).
				Msg("session row already exists, reusing it")
		} else {
			log.Warn().Err(err).Str("token", truncateStr(token, 8)).Msg("failed to persist session row")
		}
	}
	m.persistSample(s, initial)

	sctx, cancel := context.WithCancel(ctx)
	if !s.activate(cancel) {
		// A cancel landed while the session was being seeded.
		cancel()
		if s.close(StateCancelled, s.takeCancelReason()) {
			m.finalize(s, nil, "")
		}
		return
	}

	m.wg.Add(1)
	go m.sample(sctx, cancel, s)

	log.Info().
		Str("wallet", truncateStr(wallet, 8)).
		Str("token", truncateStr(token, 8)).
		Str("pool", truncateStr(ev.Pool, 8)).
		Time("deadline", s.Deadline).
		Msg("🎯 pool monitoring session started")
}

// HandleSell routes a sell into the wallet's active session. A missing or
// already terminal session logs and drops the signal.
func (m *PoolMonitor) HandleSell(ctx context.Context, ev *dex.Event, market MarketHandoff) {
	token := ev.TokenAddress()
	wallet := ev.FeePayer
	if token == "" || wallet == "" {
		return
	}

	m.mu.Lock()
	s := m.sessions[pairKey{wallet, token}]
	m.mu.Unlock()

	if s == nil {
		log.Debug().
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("sell without an active monitoring session, dropped")
		return
	}

	sig := &sellSignal{
		txID:  ev.Signature,
		point: m.pricePoint(ctx, ev, market, time.Now()),
	}

	select {
	case s.sellCh <- sig:
		log.Info().
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Str("tx", truncateStr(ev.Signature, 8)).
			Msg("💰 sell signal delivered to session")
	default:
		log.Debug().
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("duplicate sell signal dropped")
	}
}

// Cancel stops one session. Returns false when no session exists for the
// pair.
func (m *PoolMonitor) Cancel(wallet, token string) bool {
	m.mu.Lock()
	s := m.sessions[pairKey{wallet, token}]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.requestCancel("manual")
	return true
}

// CancelAll stops every session and waits for the samplers to finish their
// terminal writes. Called at shutdown.
func (m *PoolMonitor) CancelAll() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.requestCancel("shutdown")
	}
	m.wg.Wait()

	if len(open) > 0 {
		log.Info().Int("count", len(open)).Msg("cancelled all monitoring sessions")
	}
}

// Sessions returns snapshots of the live sessions.
func (m *PoolMonitor) Sessions() []SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()

	views := make([]SessionView, 0, len(m.sessions))
	for _, s := range m.sessions {
		views = append(views, s.Snapshot())
	}
	return views
}

// ActiveCount returns the number of live sessions.
func (m *PoolMonitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sample is the per-session sampler loop. It is the only writer of the
// session's terminal state besides seed-time cancellation.
func (m *PoolMonitor) sample(ctx context.Context, cancel context.CancelFunc, s *Session) {
	defer m.wg.Done()
	defer cancel()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			if s.close(StateCancelled, s.takeCancelReason()) {
				m.finalize(s, nil, "")
			}
			return

		case sig := <-s.sellCh:
			if s.close(StateCompleted, "sell") {
				m.finalize(s, sig.point, sig.txID)
			}
			return

		case <-ticker.C:
			// Deadline before the reserve read so a slow RPC cannot stretch
			// the session past its window.
			if !time.Now().Before(s.Deadline) {
				if s.close(StateTimedOut, "deadline") {
					m.finalize(s, nil, "")
				}
				return
			}

			point, err := m.takeSample(ctx, s)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				failures++
				cerr := blockchain.ClassifyError(err)
				log.Warn().Err(err).
					Int("consecutive", failures).
					Str("token", truncateStr(s.Token, 8)).
					Msg(cerr.Message)
				if failures >= m.cfg.ErrorLimit {
					if s.close(StateTimedOut, "sampler_error") {
						m.finalize(s, nil, "")
					}
					return
				}
				continue
			}
			failures = 0
			m.persistSample(s, point)
		}
	}
}

// takeSample reads the pool reserves and derives one price point. The SOL
// price comes from reserve balances; USD price and market cap stay nil when
// the oracle quote or the supply is unavailable.
func (m *PoolMonitor) takeSample(ctx context.Context, s *Session) (*storage.PricePoint, error) {
	reserves, err := m.chain.GetPoolReserves(ctx, s.Pool, s.Token, dex.WrappedSOLMint)
	if err != nil {
		return nil, err
	}
	if reserves.BaseAmount <= 0 {
		return nil, fmt.Errorf("pool %s has no reserves for mint %s", truncateStr(s.Pool, 8), truncateStr(s.Token, 8))
	}

	priceSol := reserves.QuoteAmount / reserves.BaseAmount
	p := &storage.PricePoint{
		PriceSol:  &priceSol,
		Slot:      reserves.Slot,
		SampledAt: time.Now().Unix(),
	}

	solUsd, err := m.store.GetLatestSolPrice(ctx)
	if err != nil || solUsd <= 0 {
		return p, nil
	}
	priceUsd := priceSol * solUsd
	p.PriceUsd = &priceUsd

	supply, err := m.supplyFor(ctx, s.Token)
	if err != nil {
		log.Debug().Err(err).Str("token", truncateStr(s.Token, 8)).Msg("token supply unavailable, market cap skipped")
		return p, nil
	}
	marketCap := supply * priceUsd
	p.MarketCap = &marketCap
	return p, nil
}

func (m *PoolMonitor) supplyFor(ctx context.Context, mint string) (float64, error) {
	m.supplyMu.Lock()
	cached, ok := m.supplies[mint]
	m.supplyMu.Unlock()
	if ok {
		return cached, nil
	}

	supply, err := m.chain.GetTokenSupply(ctx, mint)
	if err != nil {
		return 0, err
	}
	if supply.UiAmount <= 0 {
		return 0, fmt.Errorf("mint %s reports zero supply", truncateStr(mint, 8))
	}

	m.supplyMu.Lock()
	m.supplies[mint] = supply.UiAmount
	m.supplyMu.Unlock()
	return supply.UiAmount, nil
}

// pricePoint builds a price point for a trade event, preferring the market
// snapshot enrichment computed for the same event and falling back to the
// event's own price fields. The hand-off wait is bounded.
func (m *PoolMonitor) pricePoint(ctx context.Context, ev *dex.Event, market MarketHandoff, now time.Time) *storage.PricePoint {
	var md *storage.MarketData
	if market != nil {
		select {
		case md = <-market:
		case <-time.After(m.cfg.HandoffWait):
			log.Debug().Str("tx", truncateStr(ev.Signature, 8)).Msg("market data hand-off timed out, using event fields")
		case <-ctx.Done():
		}
	}

	p := &storage.PricePoint{Slot: ev.Slot, SampledAt: now.Unix()}
	if md != nil {
		priceSol, priceUsd, marketCap := md.PriceSol, md.PriceUsd, md.MarketCap
		p.PriceSol = &priceSol
		p.PriceUsd = &priceUsd
		p.MarketCap = &marketCap
		return p
	}

	priceSol, priceUsd := ev.PriceSol, ev.PriceUsd
	if priceSol <= 0 || priceUsd <= 0 {
		if solUsd, err := m.store.GetLatestSolPrice(ctx); err == nil && solUsd > 0 {
			if priceSol <= 0 && priceUsd > 0 {
				priceSol = priceUsd / solUsd
			} else if priceUsd <= 0 && priceSol > 0 {
				priceUsd = priceSol * solUsd
			}
		}
	}
	if priceSol > 0 {
		p.PriceSol = &priceSol
	}
	if priceUsd > 0 {
		p.PriceUsd = &priceUsd
	}
	return p
}

// persistSample appends one point to the session's series. Failures log and
// monitoring continues.
func (m *PoolMonitor) persistSample(s *Session, p *storage.PricePoint) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.SavePriceSample(ctx, s.Wallet, s.Token, p); err != nil {
		log.Warn().Err(err).
			Str("wallet", truncateStr(s.Wallet, 8)).
			Str("token", truncateStr(s.Token, 8)).
			Msg("failed to persist price sample")
		return
	}
	s.addSample()
}

// finalize persists the terminal state once and removes the session from
// the map. Only the goroutine that won the close transition gets here. The
// terminal point, when present, is stored with the close record.
func (m *PoolMonitor) finalize(s *Session, terminal *storage.PricePoint, sellTx string) {
	if sellTx != "" {
		s.setFirstSellTx(sellTx)
	}
	state, reason := s.closeState()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sc := &storage.SessionClose{
		State:    string(state),
		Reason:   reason,
		SellTx:   sellTx,
		Terminal: terminal,
		ClosedAt: time.Now().Unix(),
	}
	if err := m.store.FinalizeSession(ctx, s.Wallet, s.Token, sc); err != nil {
		log.Error().Err(err).
			Str("wallet", truncateStr(s.Wallet, 8)).
			Str("token", truncateStr(s.Token, 8)).
			Msg("failed to finalize session")
	} else if terminal != nil {
		s.addSample()
	}

	m.mu.Lock()
	delete(m.sessions, pairKey{s.Wallet, s.Token})
	m.mu.Unlock()

	log.Info().
		Str("wallet", truncateStr(s.Wallet, 8)).
		Str("token", truncateStr(s.Token, 8)).
		Str("state", string(state)).
		Str("reason", reason).
		Int("samples", s.sampleCount()).
		Dur("lifetime", time.Since(s.StartedAt)).
		Msg("✅ monitoring session closed")
}
