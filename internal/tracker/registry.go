package tracker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/storage"
)

type pairState struct {
	buySeen  bool
	buyTx    string
	sellSeen bool
}

// FirstEventRegistry answers "is this the wallet's first buy of the token"
// without a store round trip per event. It is a read-through cache: a miss
// consults the store, a hit answers from memory. RecordFirst decides the
// in-process winner under the registry mutex; the store's write-once merge
// stays authoritative across processes.
type FirstEventRegistry struct {
	store storage.Store

	mu   sync.Mutex
	seen map[pairKey]*pairState
}

// NewFirstEventRegistry creates an empty registry over the store.
func NewFirstEventRegistry(store storage.Store) *FirstEventRegistry {
	return &FirstEventRegistry{
		store: store,
		seen:  make(map[pairKey]*pairState),
	}
}

// IsFirstBuy reports whether the wallet has no recorded buy of the token.
// Cached pairs answer immediately; misses read the store and cache the
// answer. The cached flags only ever strengthen, so a RecordFirst racing
// the store read cannot be undone.
func (r *FirstEventRegistry) IsFirstBuy(ctx context.Context, wallet, token string) (bool, error) {
	key := pairKey{wallet, token}

	r.mu.Lock()
	if st, ok := r.seen[key]; ok {
		first := !st.buySeen
		r.mu.Unlock()
		return first, nil
	}
	r.mu.Unlock()

	first, err := r.store.IsFirstBuy(ctx, wallet, token)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.seen[key]
	if !ok {
		st = &pairState{}
		r.seen[key] = st
	}
	if !first {
		st.buySeen = true
	}
	return !st.buySeen, nil
}

// FirstBuyEvent reports whether the buy carried by txID is the pair's
// designated first buy. A pair with no recorded buy answers true. When a buy
// is already recorded the answer is true only if that record names txID,
// which happens when another fork of the same event landed first.
func (r *FirstEventRegistry) FirstBuyEvent(ctx context.Context, wallet, token, txID string) (bool, error) {
	key := pairKey{wallet, token}

	r.mu.Lock()
	if st, ok := r.seen[key]; ok && st.buySeen {
		first := st.buyTx != "" && st.buyTx == txID
		r.mu.Unlock()
		return first, nil
	}
	r.mu.Unlock()

	first, err := r.store.IsFirstBuy(ctx, wallet, token)
	if err != nil {
		return false, err
	}
	if first {
		return true, nil
	}

	// The store already has a buy. It may be this very event, merged by the
	// enrichment fork before this check ran; the pair row names the winner.
	pair, err := r.store.GetWalletTokenPair(ctx, wallet, token)
	if err != nil {
		return false, err
	}
	winner := ""
	if pair.FirstBuyTx != nil {
		winner = *pair.FirstBuyTx
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.seen[key]
	if !ok {
		st = &pairState{}
		r.seen[key] = st
	}
	st.buySeen = true
	if st.buyTx == "" {
		st.buyTx = winner
	}
	return st.buyTx != "" && st.buyTx == txID, nil
}

// RecordFirst marks the pair's first event of the given kind and reports
// whether this caller won the in-process race. Concurrent callers for the
// same event may both have observed "first"; exactly one of them wins here.
func (r *FirstEventRegistry) RecordFirst(kind dex.TradeKind, wallet, token string, ts int64, txID string, marketCap *float64) bool {
	key := pairKey{wallet, token}

	r.mu.Lock()
	st, ok := r.seen[key]
	if !ok {
		st = &pairState{}
		r.seen[key] = st
	}

	var won bool
	switch kind {
	case dex.KindBuy:
		won = !st.buySeen
		st.buySeen = true
		if won {
			st.buyTx = txID
		}
	case dex.KindSell:
		won = !st.sellSeen
		st.sellSeen = true
	default:
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if won {
		evt := log.Debug().
			Str("kind", string(kind)).
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Int64("ts", ts).
			Str("tx", truncateStr(txID, 8))
		if marketCap != nil {
			evt = evt.Float64("marketCap", *marketCap)
		}
		evt.Msg("first event recorded")
	}
	return won
}

// Forget drops the cached state for a pair so the next lookup reads the
// store again. Exposed for tests and the control surface.
func (r *FirstEventRegistry) Forget(wallet, token string) {
	r.mu.Lock()
	delete(r.seen, pairKey{wallet, token})
	r.mu.Unlock()
}
