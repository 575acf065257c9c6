package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/metadata"
	"solana-wallet-tracker/internal/storage"
)

// Enrichment derives and persists the per-transaction fields the raw stream
// payload does not carry. One Process call runs per trade event, on its own
// goroutine.
type Enrichment struct {
	store    storage.Store
	chain    ChainReader
	registry *FirstEventRegistry
	creators CreatorCounter

	// creatorDelay is how long to wait before counting the creator's tokens,
	// giving the history API time to index the fresh mint.
	creatorDelay time.Duration
}

// NewEnrichment wires the pipeline. A nil creators client disables the
// creator token count step.
func NewEnrichment(store storage.Store, chain ChainReader, registry *FirstEventRegistry, creators CreatorCounter, creatorDelay time.Duration) *Enrichment {
	if creatorDelay <= 0 {
		creatorDelay = 45 * time.Second
	}
	return &Enrichment{
		store:        store,
		chain:        chain,
		registry:     registry,
		creators:     creators,
		creatorDelay: creatorDelay,
	}
}

// Process runs the enrichment steps for one trade event. Failures in one
// step are logged and later steps still run where their inputs allow. The
// hand-off always receives exactly one value, nil when the market snapshot
// could not be computed, so the monitor's bounded wait never dangles.
func (e *Enrichment) Process(ctx context.Context, ev *dex.Event, market MarketHandoff) {
	if err := e.store.SaveTransaction(ctx, txFromEvent(ev)); err != nil {
		log.Error().Err(err).Str("tx", truncateStr(ev.Signature, 8)).Msg("failed to persist transaction")
	}

	if ev.Creator != "" {
		go e.checkDevHolding(ctx, ev)
	}

	md := e.computeMarketData(ctx, ev)
	if market != nil {
		market <- md
	}
	if md != nil {
		if err := e.store.UpdateMarketData(ctx, ev.Signature, md); err != nil {
			log.Warn().Err(err).Str("tx", truncateStr(ev.Signature, 8)).Msg("failed to persist market data")
		}
	}

	e.mergePair(ctx, ev, md)

	if ev.Creator != "" {
		go e.creatorTokenCount(ctx, ev)
	}
}

// computeMarketData derives the market snapshot for the event's token. Any
// missing input yields nil; partial snapshots are never produced.
func (e *Enrichment) computeMarketData(ctx context.Context, ev *dex.Event) *storage.MarketData {
	token := ev.TokenAddress()
	if token == "" {
		return nil
	}

	priceSol := eventPriceSol(ev)
	if priceSol <= 0 {
		return nil
	}

	solUsd, err := e.store.GetLatestSolPrice(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("sol price lookup failed")
		}
		return nil
	}
	if solUsd <= 0 {
		return nil
	}

	supply, err := e.chain.GetTokenSupply(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("token", truncateStr(token, 8)).Msg("token supply lookup failed")
		return nil
	}
	if supply.UiAmount <= 0 {
		return nil
	}

	priceUsd := priceSol * solUsd
	return &storage.MarketData{
		MarketCap:   supply.UiAmount * priceUsd,
		TotalSupply: supply.UiAmount,
		PriceSol:    priceSol,
		PriceUsd:    priceUsd,
	}
}

// mergePair applies the event to the (wallet, token) pair row and, on a
// first buy, records the wallet's open position count.
func (e *Enrichment) mergePair(ctx context.Context, ev *dex.Event, md *storage.MarketData) {
	token := ev.TokenAddress()
	wallet := ev.FeePayer
	if token == "" || wallet == "" {
		return
	}

	var capPtr *float64
	if md != nil {
		capPtr = &md.MarketCap
	}
	amount, _ := ev.TokenLegAmount()

	err := e.store.MergeWalletToken(ctx, &storage.WalletTokenEvent{
		Wallet:    wallet,
		Token:     token,
		Kind:      string(ev.Kind),
		Amount:    amount,
		Timestamp: ev.BlockTime,
		Signature: ev.Signature,
		MarketCap: capPtr,
	})
	if err != nil {
		log.Error().Err(err).
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("failed to merge wallet token pair")
		return
	}
	e.registry.RecordFirst(ev.Kind, wallet, token, ev.BlockTime, ev.Signature, capPtr)

	if ev.Kind != dex.KindBuy {
		return
	}
	count, err := e.store.CountOpenPositions(ctx, wallet)
	if err != nil {
		log.Warn().Err(err).Str("wallet", truncateStr(wallet, 8)).Msg("open position count failed")
		return
	}
	if err := e.store.UpdateOpenPositions(ctx, wallet, token, count); err != nil {
		log.Warn().Err(err).
			Str("wallet", truncateStr(wallet, 8)).
			Str("token", truncateStr(token, 8)).
			Msg("failed to persist open position count")
	}
}

// checkDevHolding verifies whether the token creator still holds any of the
// mint under either token program and persists the answer. Runs on its own
// goroutine.
func (e *Enrichment) checkDevHolding(ctx context.Context, ev *dex.Event) {
	token := ev.TokenAddress()
	if token == "" {
		return
	}

	accounts, err := e.chain.GetAllTokenAccounts(ctx, ev.Creator)
	if err != nil {
		log.Warn().Err(err).
			Str("creator", truncateStr(ev.Creator, 8)).
			Msg("dev holding check failed")
		return
	}

	holding := false
	for _, acc := range accounts {
		if acc.Mint == token && acc.Amount > 0 {
			holding = true
			break
		}
	}

	if err := e.store.UpdateDevHolding(ctx, ev.Signature, holding); err != nil {
		log.Warn().Err(err).Str("tx", truncateStr(ev.Signature, 8)).Msg("failed to persist dev holding")
		return
	}
	log.Debug().
		Str("creator", truncateStr(ev.Creator, 8)).
		Str("token", truncateStr(token, 8)).
		Bool("holding", holding).
		Msg("dev holding checked")
}

// creatorTokenCount waits out the settle delay, then counts how many tokens
// the creator has minted and persists the number. The timer aborts on
// shutdown.
func (e *Enrichment) creatorTokenCount(ctx context.Context, ev *dex.Event) {
	token := ev.TokenAddress()
	if token == "" || e.creators == nil {
		return
	}

	timer := time.NewTimer(e.creatorDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	count, err := e.creators.CreatorTokenCount(ctx, ev.Creator)
	if err != nil {
		if !errors.Is(err, metadata.ErrDisabled) && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).
				Str("creator", truncateStr(ev.Creator, 8)).
				Msg("creator token count failed")
		}
		return
	}

	if err := e.store.UpdateCreatorTokenCount(ctx, token, ev.Creator, count); err != nil {
		log.Warn().Err(err).Str("token", truncateStr(token, 8)).Msg("failed to persist creator token count")
		return
	}
	log.Debug().
		Str("creator", truncateStr(ev.Creator, 8)).
		Str("token", truncateStr(token, 8)).
		Int("tokens", count).
		Msg("creator token count updated")
}

// eventPriceSol extracts the per-token SOL price from the trade legs,
// falling back to the payload's own price field.
func eventPriceSol(ev *dex.Event) float64 {
	solAmt, okSol := ev.SolLegAmount()
	tokAmt, okTok := ev.TokenLegAmount()
	if okSol && okTok && tokAmt > 0 {
		return solAmt / tokAmt
	}
	return ev.PriceSol
}

func txFromEvent(ev *dex.Event) *storage.Transaction {
	return &storage.Transaction{
		Signature:      ev.Signature,
		Platform:       ev.Platform,
		Type:           string(ev.Kind),
		MintIn:         ev.MintIn,
		MintOut:        ev.MintOut,
		AmountIn:       ev.AmountIn,
		AmountOut:      ev.AmountOut,
		FeePayer:       ev.FeePayer,
		BlockNumber:    ev.Slot,
		BlockTimestamp: ev.BlockTime,
	}
}
