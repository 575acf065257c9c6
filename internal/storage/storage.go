package storage

import "context"

// Store is the persistence surface of the tracker. SQLite backs the default
// deployment, Postgres the shared one; the memory driver serves tests.
type Store interface {
	// SaveTransaction upserts a transaction by signature. Re-delivery of the
	// same signature must not duplicate the row and must not null out
	// derived fields that enrichment already wrote.
	SaveTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction retrieves a transaction. Returns ErrNotFound if absent.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// UpdateDevHolding records whether the token creator still holds.
	UpdateDevHolding(ctx context.Context, signature string, holding bool) error

	// UpdateMarketData writes the computed market snapshot onto a transaction.
	UpdateMarketData(ctx context.Context, signature string, md *MarketData) error

	// MergeWalletToken upserts the (wallet, token) pair row: first* fields
	// are write-once (existing values win), the matching counter increments.
	MergeWalletToken(ctx context.Context, ev *WalletTokenEvent) error

	// GetWalletTokenPair retrieves a pair row. Returns ErrNotFound if absent.
	GetWalletTokenPair(ctx context.Context, wallet, token string) (*WalletTokenPair, error)

	// IsFirstBuy reports whether the wallet has never bought the token.
	IsFirstBuy(ctx context.Context, wallet, token string) (bool, error)

	// GetBuyCount returns how many buys of the token the wallet has made.
	GetBuyCount(ctx context.Context, wallet, token string) (int, error)

	// GetSellCount returns how many sells of the token the wallet has made.
	GetSellCount(ctx context.Context, wallet, token string) (int, error)

	// CountOpenPositions counts tokens the wallet has bought and not sold.
	CountOpenPositions(ctx context.Context, wallet string) (int, error)

	// UpdateOpenPositions records the open-position count observed at the
	// wallet's first buy of the token. Write-once.
	UpdateOpenPositions(ctx context.Context, wallet, token string, count int) error

	// UpdateCreatorTokenCount records how many tokens the creator has minted.
	UpdateCreatorTokenCount(ctx context.Context, token, creator string, count int) error

	// SaveTokenMetadata upserts resolved token metadata by mint.
	SaveTokenMetadata(ctx context.Context, md *TokenMetadata) error

	// GetTokenMetadata retrieves metadata by mint. Returns ErrNotFound if absent.
	GetTokenMetadata(ctx context.Context, mint string) (*TokenMetadata, error)

	// SaveSolPrice stores a SOL/USD quote.
	SaveSolPrice(ctx context.Context, priceUsd float64, at int64) error

	// GetLatestSolPrice returns the most recent SOL/USD quote. Returns
	// ErrNotFound when no quote has been stored yet.
	GetLatestSolPrice(ctx context.Context) (float64, error)

	// SaveSession creates the row for a newly started monitoring session.
	SaveSession(ctx context.Context, s *SessionRecord) error

	// GetSession retrieves a session row. Returns ErrNotFound if absent.
	GetSession(ctx context.Context, wallet, token string) (*SessionRecord, error)

	// SavePriceSample appends one price point to a session's series.
	SavePriceSample(ctx context.Context, wallet, token string, p *PricePoint) error

	// FinalizeSession writes the terminal state of a session. The first
	// finalize wins; later calls are no-ops.
	FinalizeSession(ctx context.Context, wallet, token string, sc *SessionClose) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
