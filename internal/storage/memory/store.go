package memory

import (
	"context"
	"sync"

	"solana-wallet-tracker/internal/storage"
)

type pairKey struct {
	wallet string
	token  string
}

// Store is an in-memory implementation of storage.Store, used by tests and
// available as a throwaway backend.
type Store struct {
	mu           sync.RWMutex
	transactions map[string]*storage.Transaction
	pairs        map[pairKey]*storage.WalletTokenPair
	sessions     map[pairKey]*storage.SessionRecord
	samples      map[pairKey][]*storage.PricePoint
	metadata     map[string]*storage.TokenMetadata
	solPrices    []solQuote
}

type solQuote struct {
	price float64
	at    int64
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		transactions: make(map[string]*storage.Transaction),
		pairs:        make(map[pairKey]*storage.WalletTokenPair),
		sessions:     make(map[pairKey]*storage.SessionRecord),
		samples:      make(map[pairKey][]*storage.PricePoint),
		metadata:     make(map[string]*storage.TokenMetadata),
	}
}

// SaveTransaction upserts by signature, keeping derived fields already set.
func (s *Store) SaveTransaction(ctx context.Context, tx *storage.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyTransaction(tx)
	if existing, ok := s.transactions[tx.Signature]; ok {
		if cp.MarketCap == nil {
			cp.MarketCap = existing.MarketCap
		}
		if cp.TotalSupply == nil {
			cp.TotalSupply = existing.TotalSupply
		}
		if cp.PriceSol == nil {
			cp.PriceSol = existing.PriceSol
		}
		if cp.PriceUsd == nil {
			cp.PriceUsd = existing.PriceUsd
		}
		if cp.DevStillHolding == nil {
			cp.DevStillHolding = existing.DevStillHolding
		}
	}
	s.transactions[tx.Signature] = cp
	return nil
}

// GetTransaction retrieves a transaction by signature.
func (s *Store) GetTransaction(ctx context.Context, signature string) (*storage.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[signature]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTransaction(tx), nil
}

// UpdateDevHolding records the creator-holding flag on a transaction.
func (s *Store) UpdateDevHolding(ctx context.Context, signature string, holding bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.transactions[signature]; ok {
		h := holding
		tx.DevStillHolding = &h
	}
	return nil
}

// UpdateMarketData writes the computed market snapshot onto a transaction.
func (s *Store) UpdateMarketData(ctx context.Context, signature string, md *storage.MarketData) error {
	if md == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.transactions[signature]; ok {
		mc, ts, ps, pu := md.MarketCap, md.TotalSupply, md.PriceSol, md.PriceUsd
		tx.MarketCap = &mc
		tx.TotalSupply = &ts
		tx.PriceSol = &ps
		tx.PriceUsd = &pu
	}
	return nil
}

// MergeWalletToken applies one buy/sell to the (wallet, token) pair row.
func (s *Store) MergeWalletToken(ctx context.Context, ev *storage.WalletTokenEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{ev.Wallet, ev.Token}
	p, ok := s.pairs[key]
	if !ok {
		p = &storage.WalletTokenPair{Wallet: ev.Wallet, Token: ev.Token}
		s.pairs[key] = p
	}

	switch ev.Kind {
	case "BUY":
		if p.FirstBuyTimestamp == nil {
			ts := ev.Timestamp
			sig := ev.Signature
			amount := ev.Amount
			p.FirstBuyTimestamp = &ts
			p.FirstBuyTx = &sig
			p.FirstBuyAmount = &amount
			p.FirstBuyMarketCap = cloneF64(ev.MarketCap)
		}
		p.BuyCount++
	case "SELL":
		if p.FirstSellTimestamp == nil {
			ts := ev.Timestamp
			sig := ev.Signature
			p.FirstSellTimestamp = &ts
			p.FirstSellTx = &sig
			p.FirstSellMarketCap = cloneF64(ev.MarketCap)
		}
		p.SellCount++
	}
	p.UpdatedAt = ev.Timestamp
	return nil
}

// GetWalletTokenPair retrieves the merged pair row.
func (s *Store) GetWalletTokenPair(ctx context.Context, wallet, token string) (*storage.WalletTokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[pairKey{wallet, token}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyPair(p), nil
}

// IsFirstBuy reports whether the wallet has never bought the token.
func (s *Store) IsFirstBuy(ctx context.Context, wallet, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[pairKey{wallet, token}]
	if !ok {
		return true, nil
	}
	return p.BuyCount == 0, nil
}

// GetBuyCount returns the wallet's buy count for the token.
func (s *Store) GetBuyCount(ctx context.Context, wallet, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.pairs[pairKey{wallet, token}]; ok {
		return p.BuyCount, nil
	}
	return 0, nil
}

// GetSellCount returns the wallet's sell count for the token.
func (s *Store) GetSellCount(ctx context.Context, wallet, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.pairs[pairKey{wallet, token}]; ok {
		return p.SellCount, nil
	}
	return 0, nil
}

// CountOpenPositions counts tokens the wallet has bought and not sold at all.
func (s *Store) CountOpenPositions(ctx context.Context, wallet string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key, p := range s.pairs {
		if key.wallet == wallet && p.BuyCount > 0 && p.SellCount == 0 {
			n++
		}
	}
	return n, nil
}

// UpdateOpenPositions records the open-position count at first buy, once.
func (s *Store) UpdateOpenPositions(ctx context.Context, wallet, token string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pairs[pairKey{wallet, token}]; ok && p.OpenPositionsAtFirstBuy == nil {
		c := count
		p.OpenPositionsAtFirstBuy = &c
	}
	return nil
}

// UpdateCreatorTokenCount records how many tokens the creator has minted.
func (s *Store) UpdateCreatorTokenCount(ctx context.Context, token, creator string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.metadata[token]
	if !ok {
		md = &storage.TokenMetadata{Mint: token}
		s.metadata[token] = md
	}
	if creator != "" {
		md.Creator = creator
	}
	c := count
	md.TokenCount = &c
	return nil
}

// SaveTokenMetadata upserts resolved metadata for a mint.
func (s *Store) SaveTokenMetadata(ctx context.Context, md *storage.TokenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *md
	if existing, ok := s.metadata[md.Mint]; ok {
		if cp.Creator == "" {
			cp.Creator = existing.Creator
		}
		if cp.TokenCount == nil {
			cp.TokenCount = existing.TokenCount
		}
	}
	s.metadata[md.Mint] = &cp
	return nil
}

// GetTokenMetadata retrieves metadata by mint.
func (s *Store) GetTokenMetadata(ctx context.Context, mint string) (*storage.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.metadata[mint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *md
	cp.TokenCount = cloneInt(md.TokenCount)
	return &cp, nil
}

// SaveSolPrice stores a SOL/USD quote.
func (s *Store) SaveSolPrice(ctx context.Context, priceUsd float64, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.solPrices = append(s.solPrices, solQuote{price: priceUsd, at: at})
	return nil
}

// GetLatestSolPrice returns the most recent SOL/USD quote.
func (s *Store) GetLatestSolPrice(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.solPrices) == 0 {
		return 0, storage.ErrNotFound
	}
	latest := s.solPrices[0]
	for _, q := range s.solPrices[1:] {
		if q.at >= latest.at {
			latest = q
		}
	}
	return latest.price, nil
}

// SaveSession creates the row for a new monitoring session.
func (s *Store) SaveSession(ctx context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{rec.Wallet, rec.Token}
	if _, ok := s.sessions[key]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *rec
	s.sessions[key] = &cp
	return nil
}

// GetSession retrieves a session row.
func (s *Store) GetSession(ctx context.Context, wallet, token string) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[pairKey{wallet, token}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	cp.ClosedAt = cloneI64(rec.ClosedAt)
	return &cp, nil
}

// SavePriceSample appends one price point to a session's series.
func (s *Store) SavePriceSample(ctx context.Context, wallet, token string, p *storage.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{wallet, token}
	cp := copyPoint(p)
	s.samples[key] = append(s.samples[key], cp)
	if rec, ok := s.sessions[key]; ok {
		rec.SampleCount++
	}
	return nil
}

// Samples returns a copy of a session's sample series. Test helper.
func (s *Store) Samples(wallet, token string) []*storage.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.samples[pairKey{wallet, token}]
	out := make([]*storage.PricePoint, 0, len(src))
	for _, p := range src {
		out = append(out, copyPoint(p))
	}
	return out
}

// FinalizeSession writes the terminal state of a session once.
func (s *Store) FinalizeSession(ctx context.Context, wallet, token string, sc *storage.SessionClose) error {
	s.mu.Lock()

	key := pairKey{wallet, token}
	rec, ok := s.sessions[key]
	if !ok || rec.ClosedAt != nil {
		s.mu.Unlock()
		return nil
	}
	rec.State = sc.State
	rec.CloseReason = sc.Reason
	closedAt := sc.ClosedAt
	rec.ClosedAt = &closedAt
	if sc.SellTx != "" {
		rec.FirstSellTx = sc.SellTx
	}
	s.mu.Unlock()

	if sc.Terminal != nil {
		return s.SavePriceSample(ctx, wallet, token, sc.Terminal)
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func copyTransaction(tx *storage.Transaction) *storage.Transaction {
	cp := *tx
	cp.MarketCap = cloneF64(tx.MarketCap)
	cp.TotalSupply = cloneF64(tx.TotalSupply)
	cp.PriceSol = cloneF64(tx.PriceSol)
	cp.PriceUsd = cloneF64(tx.PriceUsd)
	if tx.DevStillHolding != nil {
		h := *tx.DevStillHolding
		cp.DevStillHolding = &h
	}
	return &cp
}

func copyPair(p *storage.WalletTokenPair) *storage.WalletTokenPair {
	cp := *p
	cp.FirstBuyTimestamp = cloneI64(p.FirstBuyTimestamp)
	cp.FirstBuyTx = cloneStr(p.FirstBuyTx)
	cp.FirstBuyAmount = cloneF64(p.FirstBuyAmount)
	cp.FirstBuyMarketCap = cloneF64(p.FirstBuyMarketCap)
	cp.FirstSellTimestamp = cloneI64(p.FirstSellTimestamp)
	cp.FirstSellTx = cloneStr(p.FirstSellTx)
	cp.FirstSellMarketCap = cloneF64(p.FirstSellMarketCap)
	cp.OpenPositionsAtFirstBuy = cloneInt(p.OpenPositionsAtFirstBuy)
	return &cp
}

func copyPoint(p *storage.PricePoint) *storage.PricePoint {
	cp := *p
	cp.PriceSol = cloneF64(p.PriceSol)
	cp.PriceUsd = cloneF64(p.PriceUsd)
	cp.MarketCap = cloneF64(p.MarketCap)
	return &cp
}

func cloneF64(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneI64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneStr(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
