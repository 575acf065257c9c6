package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/storage"
	"solana-wallet-tracker/internal/stream"
)

// Router consumes decoded stream notifications and fans the work out to the
// enrichment pipeline and the pool monitor. It never blocks the stream loop
// on downstream I/O.
type Router struct {
	decoder dex.Decoder
	store   storage.Store
	enrich  *Enrichment
	monitor *PoolMonitor
	queue   *TokenQueue
}

// NewRouter wires a router.
func NewRouter(decoder dex.Decoder, store storage.Store, enrich *Enrichment, monitor *PoolMonitor, queue *TokenQueue) *Router {
	return &Router{
		decoder: decoder,
		store:   store,
		enrich:  enrich,
		monitor: monitor,
		queue:   queue,
	}
}

// Route handles one stream notification.
func (r *Router) Route(ctx context.Context, n stream.Notification) {
	ev, err := r.decoder.Decode(n.Payload)
	if err != nil {
		log.Warn().Err(err).Str("tx", truncateStr(n.Signature, 8)).Msg("dropping undecodable stream payload")
		return
	}
	if ev == nil {
		return
	}

	ev.Slot = n.Slot
	ev.BlockTime = blockTimestamp(n)
	if ev.Signature == "" {
		ev.Signature = n.Signature
	}

	token := ev.TokenAddress()
	if !ev.IsTrade() || token == "" {
		if ev.Signature != "" {
			go r.persistBare(ctx, ev)
		}
		return
	}

	r.queue.Offer(token)

	// One hand-off per event: enrichment publishes the market snapshot it
	// computed, the monitor seeds its price point from it.
	market := make(MarketHandoff, 1)
	go r.enrich.Process(ctx, ev, market)
	switch ev.Kind {
	case dex.KindBuy:
		go r.monitor.HandleBuy(ctx, ev, market)
	case dex.KindSell:
		go r.monitor.HandleSell(ctx, ev, market)
	}
}

// persistBare stores a non-trade transaction with no derived fields.
func (r *Router) persistBare(ctx context.Context, ev *dex.Event) {
	if err := r.store.SaveTransaction(ctx, txFromEvent(ev)); err != nil {
		log.Warn().Err(err).Str("tx", truncateStr(ev.Signature, 8)).Msg("failed to persist transaction")
	}
}

// blockTimestamp floors the server emission time to unix seconds, falling
// back to the local clock when the stream sent none.
func blockTimestamp(n stream.Notification) int64 {
	if n.CreatedAt != nil {
		return n.CreatedAt.Unix()
	}
	return time.Now().Unix()
}
