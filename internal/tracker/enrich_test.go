package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"solana-wallet-tracker/internal/blockchain"
	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/storage"
	"solana-wallet-tracker/internal/storage/memory"
)

type fakeCreators struct {
	count int
	err   error
	calls atomic.Int32
}

func (f *fakeCreators) CreatorTokenCount(ctx context.Context, creator string) (int, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func testEnrichment(store storage.Store, chain ChainReader, creators CreatorCounter) *Enrichment {
	return NewEnrichment(store, chain, NewFirstEventRegistry(store), creators, 10*time.Millisecond)
}

func TestProcessComputesMarketData(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_ = store.SaveSolPrice(ctx, 200, time.Now().Unix())
	chain := &fakeChain{
		supply: &blockchain.TokenSupply{Amount: 1_000_000_000_000_000, Decimals: 6, UiAmount: 1e9},
	}
	e := testEnrichment(store, chain, nil)

	wallet, token := testAddr(0xa1), testAddr(0xa2)
	// Legs: 0.5 SOL in for 1000 tokens out, so priceSol is 0.0005.
	ev := buyEvent(wallet, token, testAddr(0xa3), "proc-1")

	market := make(MarketHandoff, 1)
	e.Process(ctx, ev, market)

	md := <-market
	if md == nil {
		t.Fatal("expected a market snapshot on the hand-off")
	}
	if !near(md.PriceSol, 0.0005) {
		t.Fatalf("priceSol = %v, want 0.0005", md.PriceSol)
	}
	if !near(md.PriceUsd, 0.1) {
		t.Fatalf("priceUsd = %v, want 0.1", md.PriceUsd)
	}
	if !near(md.MarketCap, 1e8) {
		t.Fatalf("marketCap = %v, want 1e8", md.MarketCap)
	}
	if !near(md.TotalSupply, 1e9) {
		t.Fatalf("totalSupply = %v, want 1e9", md.TotalSupply)
	}

	tx, err := store.GetTransaction(ctx, "proc-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Type != "BUY" {
		t.Fatalf("type = %s, want BUY", tx.Type)
	}
	if tx.MarketCap == nil || !near(*tx.MarketCap, 1e8) {
		t.Fatalf("persisted marketCap = %v, want 1e8", tx.MarketCap)
	}

	pair, err := store.GetWalletTokenPair(ctx, wallet, token)
	if err != nil {
		t.Fatalf("GetWalletTokenPair: %v", err)
	}
	if pair.BuyCount != 1 {
		t.Fatalf("buyCount = %d, want 1", pair.BuyCount)
	}
	if pair.FirstBuyTx == nil || *pair.FirstBuyTx != "proc-1" {
		t.Fatalf("firstBuyTx = %v, want proc-1", pair.FirstBuyTx)
	}
	if pair.FirstBuyMarketCap == nil || !near(*pair.FirstBuyMarketCap, 1e8) {
		t.Fatalf("firstBuyMarketCap = %v, want 1e8", pair.FirstBuyMarketCap)
	}
	if pair.FirstBuyAmount == nil || !near(*pair.FirstBuyAmount, 1000) {
		t.Fatalf("firstBuyAmount = %v, want 1000", pair.FirstBuyAmount)
	}
	// The position opened by this very buy is part of the count.
	if pair.OpenPositionsAtFirstBuy == nil || *pair.OpenPositionsAtFirstBuy != 1 {
		t.Fatalf("openPositions = %v, want 1", pair.OpenPositionsAtFirstBuy)
	}
}

func TestProcessNullPropagation(t *testing.T) {
	ctx := context.Background()

	run := func(name string, setup func(*memory.Store, *fakeChain, *dex.Event)) {
		t.Run(name, func(t *testing.T) {
			store := memory.New()
			chain := &fakeChain{
				supply: &blockchain.TokenSupply{Amount: 1000, Decimals: 0, UiAmount: 1000},
			}
			ev := buyEvent(testAddr(0xa4), testAddr(0xa5), testAddr(0xa6), "null-"+name)
			setup(store, chain, ev)

			e := testEnrichment(store, chain, nil)
			market := make(MarketHandoff, 1)
			e.Process(ctx, ev, market)

			if md := <-market; md != nil {
				t.Fatalf("expected nil market snapshot, got %+v", md)
			}
			tx, err := store.GetTransaction(ctx, ev.Signature)
			if err != nil {
				t.Fatalf("GetTransaction: %v", err)
			}
			if tx.MarketCap != nil || tx.TotalSupply != nil || tx.PriceSol != nil || tx.PriceUsd != nil {
				t.Fatal("derived fields must stay null when any input is missing")
			}
			pair, err := store.GetWalletTokenPair(ctx, ev.FeePayer, ev.TokenAddress())
			if err != nil {
				t.Fatalf("GetWalletTokenPair: %v", err)
			}
			if pair.FirstBuyMarketCap != nil {
				t.Fatal("pair market cap must stay null")
			}
		})
	}

	run("no oracle quote", func(store *memory.Store, chain *fakeChain, ev *dex.Event) {})
	run("supply lookup fails", func(store *memory.Store, chain *fakeChain, ev *dex.Event) {
		_ = store.SaveSolPrice(ctx, 200, time.Now().Unix())
		chain.supplyErr = errors.New("rpc down")
	})
	run("no price inputs", func(store *memory.Store, chain *fakeChain, ev *dex.Event) {
		_ = store.SaveSolPrice(ctx, 200, time.Now().Unix())
		// Token-for-token swap, no SOL leg and no event price.
		ev.MintIn = testAddr(0xaa)
		ev.AmountIn = 42
	})
}

func TestProcessSellAfterBuy(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := testEnrichment(store, &fakeChain{}, nil)

	wallet, token, pool := testAddr(0xa7), testAddr(0xa8), testAddr(0xa9)
	e.Process(ctx, buyEvent(wallet, token, pool, "b-1"), nil)
	e.Process(ctx, buyEvent(wallet, token, pool, "b-2"), nil)
	e.Process(ctx, sellEvent(wallet, token, pool, "s-1"), nil)

	pair, err := store.GetWalletTokenPair(ctx, wallet, token)
	if err != nil {
		t.Fatalf("GetWalletTokenPair: %v", err)
	}
	if pair.BuyCount != 2 || pair.SellCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", pair.BuyCount, pair.SellCount)
	}
	if pair.FirstBuyTx == nil || *pair.FirstBuyTx != "b-1" {
		t.Fatalf("firstBuyTx = %v, want b-1 (write-once)", pair.FirstBuyTx)
	}
	if pair.FirstSellTx == nil || *pair.FirstSellTx != "s-1" {
		t.Fatalf("firstSellTx = %v, want s-1", pair.FirstSellTx)
	}
	if pair.OpenPositionsAtFirstBuy == nil || *pair.OpenPositionsAtFirstBuy != 1 {
		t.Fatalf("openPositions = %v, want 1", pair.OpenPositionsAtFirstBuy)
	}
}

func TestDevHoldingCheck(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	token := testAddr(0xb1)
	creator := testAddr(0xb2)

	chain := &fakeChain{
		accounts: []blockchain.TokenAccountInfo{
			{Address: testAddr(0xb3), Mint: token, Amount: 500, Decimals: 6, UiAmount: 0.0005},
		},
	}
	e := testEnrichment(store, chain, nil)
	ev := buyEvent(testAddr(0xb4), token, testAddr(0xb5), "dev-1")
	ev.Creator = creator
	e.Process(ctx, ev, nil)

	waitFor(t, func() bool {
		tx, err := store.GetTransaction(ctx, "dev-1")
		return err == nil && tx.DevStillHolding != nil && *tx.DevStillHolding
	})

	// Creator whose only account in the mint is empty.
	chain2 := &fakeChain{
		accounts: []blockchain.TokenAccountInfo{
			{Address: testAddr(0xb6), Mint: testAddr(0xb7), Amount: 9, Decimals: 0, UiAmount: 9},
			{Address: testAddr(0xb8), Mint: token, Amount: 0, Decimals: 6, UiAmount: 0},
		},
	}
	e2 := testEnrichment(store, chain2, nil)
	ev2 := buyEvent(testAddr(0xb9), token, testAddr(0xba), "dev-2")
	ev2.Creator = creator
	e2.Process(ctx, ev2, nil)

	waitFor(t, func() bool {
		tx, err := store.GetTransaction(ctx, "dev-2")
		return err == nil && tx.DevStillHolding != nil && !*tx.DevStillHolding
	})
}

func TestCreatorTokenCountDelayed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	token := testAddr(0xbb)
	creators := &fakeCreators{count: 7}
	e := testEnrichment(store, &fakeChain{}, creators)

	ev := buyEvent(testAddr(0xbc), token, testAddr(0xbd), "cc-1")
	ev.Creator = testAddr(0xbe)
	e.Process(ctx, ev, nil)

	waitFor(t, func() bool {
		md, err := store.GetTokenMetadata(ctx, token)
		return err == nil && md.TokenCount != nil && *md.TokenCount == 7
	})
}

func TestCreatorTokenCountRespectsShutdown(t *testing.T) {
	store := memory.New()
	creators := &fakeCreators{count: 3}
	e := NewEnrichment(store, &fakeChain{}, NewFirstEventRegistry(store), creators, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	token := testAddr(0xbf)
	ev := buyEvent(testAddr(0xc1), token, testAddr(0xc2), "cc-2")
	ev.Creator = testAddr(0xc3)
	e.Process(ctx, ev, nil)

	// Cancel before the delay elapses; the lookup must never run.
	cancel()
	time.Sleep(60 * time.Millisecond)
	if creators.calls.Load() != 0 {
		t.Fatal("creator count ran after shutdown")
	}
	if _, err := store.GetTokenMetadata(context.Background(), token); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no metadata, got err %v", err)
	}
}
