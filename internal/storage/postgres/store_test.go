package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-wallet-tracker/internal/storage"
)

// newTestStore connects to the database named by POSTGRES_TEST_DSN. The suite
// skips when the variable is unset so it can run without a database around.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping postgres store tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

// uniqueSuffix keeps rows from different test runs apart; the shared test
// database is not wiped between runs.
func uniqueSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func TestTransactionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := "sig-" + uniqueSuffix()
	tx := &storage.Transaction{
		Signature: sig, Platform: "pumpfun", Type: "BUY",
		MintIn: "So11111111111111111111111111111111111111112", MintOut: "mint-x",
		AmountIn: 0.5, AmountOut: 1000, FeePayer: "wallet-x",
		BlockNumber: 42, BlockTimestamp: 1700000000,
	}
	require.NoError(t, s.SaveTransaction(ctx, tx))
	require.NoError(t, s.UpdateMarketData(ctx, sig, &storage.MarketData{
		MarketCap: 9000, TotalSupply: 1e9, PriceSol: 1e-7, PriceUsd: 9e-6,
	}))
	require.NoError(t, s.SaveTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, sig)
	require.NoError(t, err)
	require.NotNil(t, got.MarketCap)
	assert.Equal(t, 9000.0, *got.MarketCap)
	assert.Equal(t, uint64(42), got.BlockNumber)
}

func TestWalletTokenMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wallet := "w-" + uniqueSuffix()
	token := "t-" + uniqueSuffix()

	require.NoError(t, s.MergeWalletToken(ctx, &storage.WalletTokenEvent{
		Wallet: wallet, Token: token, Kind: "BUY",
		Amount: 10, Timestamp: 1000, Signature: "buy-1", MarketCap: f64(5000),
	}))
	require.NoError(t, s.MergeWalletToken(ctx, &storage.WalletTokenEvent{
		Wallet: wallet, Token: token, Kind: "BUY",
		Amount: 20, Timestamp: 2000, Signature: "buy-2",
	}))

	pair, err := s.GetWalletTokenPair(ctx, wallet, token)
	require.NoError(t, err)
	assert.Equal(t, 2, pair.BuyCount)
	require.NotNil(t, pair.FirstBuyTx)
	assert.Equal(t, "buy-1", *pair.FirstBuyTx)
	require.NotNil(t, pair.FirstBuyMarketCap)
	assert.Equal(t, 5000.0, *pair.FirstBuyMarketCap)

	first, err := s.IsFirstBuy(ctx, wallet, token)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestSessionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wallet := "w-" + uniqueSuffix()
	token := "t-" + uniqueSuffix()

	rec := &storage.SessionRecord{
		Wallet: wallet, Token: token, Pool: "pool-x",
		State: "Active", StartedAt: 1000, Deadline: 1060, FirstBuyTx: "buy-1",
	}
	require.NoError(t, s.SaveSession(ctx, rec))
	assert.ErrorIs(t, s.SaveSession(ctx, rec), storage.ErrDuplicateKey)

	require.NoError(t, s.SavePriceSample(ctx, wallet, token, &storage.PricePoint{
		PriceSol: f64(0.001), Slot: 10, SampledAt: 1001,
	}))

	require.NoError(t, s.FinalizeSession(ctx, wallet, token, &storage.SessionClose{
		State: "TimedOut", Reason: "deadline", ClosedAt: 1060,
	}))
	require.NoError(t, s.FinalizeSession(ctx, wallet, token, &storage.SessionClose{
		State: "Completed", Reason: "sell", ClosedAt: 1070,
	}))

	got, err := s.GetSession(ctx, wallet, token)
	require.NoError(t, err)
	assert.Equal(t, "TimedOut", got.State)
	assert.Equal(t, "deadline", got.CloseReason)
	assert.Equal(t, 1, got.SampleCount)
}
