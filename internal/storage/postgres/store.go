package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/storage"
)

// Store is the PostgreSQL-backed persistence driver.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// PostgreSQL error codes
const pgErrUniqueViolation = "23505" // unique_violation

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		signature TEXT PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'OTHER',
		mint_in TEXT NOT NULL DEFAULT '',
		mint_out TEXT NOT NULL DEFAULT '',
		amount_in DOUBLE PRECISION NOT NULL DEFAULT 0,
		amount_out DOUBLE PRECISION NOT NULL DEFAULT 0,
		fee_payer TEXT NOT NULL DEFAULT '',
		block_number BIGINT NOT NULL DEFAULT 0,
		block_timestamp BIGINT NOT NULL DEFAULT 0,
		market_cap DOUBLE PRECISION,
		total_supply DOUBLE PRECISION,
		price_sol DOUBLE PRECISION,
		price_usd DOUBLE PRECISION,
		dev_still_holding BOOLEAN
	);

	CREATE TABLE IF NOT EXISTS wallet_tokens (
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		first_buy_timestamp BIGINT,
		first_buy_tx TEXT,
		first_buy_amount DOUBLE PRECISION,
		first_buy_market_cap DOUBLE PRECISION,
		first_sell_timestamp BIGINT,
		first_sell_tx TEXT,
		first_sell_market_cap DOUBLE PRECISION,
		open_positions_at_first_buy INTEGER,
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet, token)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		pool TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		deadline BIGINT NOT NULL,
		first_buy_tx TEXT NOT NULL DEFAULT '',
		first_sell_tx TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		closed_at BIGINT,
		sample_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet, token)
	);

	CREATE TABLE IF NOT EXISTS price_samples (
		id BIGSERIAL PRIMARY KEY,
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		price_sol DOUBLE PRECISION,
		price_usd DOUBLE PRECISION,
		market_cap DOUBLE PRECISION,
		slot BIGINT NOT NULL DEFAULT 0,
		sampled_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_metadata (
		mint TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		decimals INTEGER NOT NULL DEFAULT 0,
		creator TEXT NOT NULL DEFAULT '',
		token_count INTEGER,
		updated_at BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sol_price (
		id BIGSERIAL PRIMARY KEY,
		price_usd DOUBLE PRECISION NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_fee_payer ON transactions(fee_payer);
	CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(block_timestamp);
	CREATE INDEX IF NOT EXISTS idx_price_samples_session ON price_samples(wallet, token, sampled_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// SaveTransaction upserts by signature, keeping derived fields already set.
func (s *Store) SaveTransaction(ctx context.Context, tx *storage.Transaction) error {
	query := `
		INSERT INTO transactions
		(signature, platform, type, mint_in, mint_out, amount_in, amount_out, fee_payer, block_number, block_timestamp, market_cap, total_supply, price_sol, price_usd, dev_still_holding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (signature) DO UPDATE SET
			platform = EXCLUDED.platform,
			type = EXCLUDED.type,
			mint_in = EXCLUDED.mint_in,
			mint_out = EXCLUDED.mint_out,
			amount_in = EXCLUDED.amount_in,
			amount_out = EXCLUDED.amount_out,
			fee_payer = EXCLUDED.fee_payer,
			block_number = EXCLUDED.block_number,
			block_timestamp = EXCLUDED.block_timestamp,
			market_cap = COALESCE(transactions.market_cap, EXCLUDED.market_cap),
			total_supply = COALESCE(transactions.total_supply, EXCLUDED.total_supply),
			price_sol = COALESCE(transactions.price_sol, EXCLUDED.price_sol),
			price_usd = COALESCE(transactions.price_usd, EXCLUDED.price_usd),
			dev_still_holding = COALESCE(transactions.dev_still_holding, EXCLUDED.dev_still_holding)
	`

	_, err := s.pool.Exec(ctx, query,
		tx.Signature, tx.Platform, tx.Type, tx.MintIn, tx.MintOut, tx.AmountIn, tx.AmountOut,
		tx.FeePayer, int64(tx.BlockNumber), tx.BlockTimestamp,
		tx.MarketCap, tx.TotalSupply, tx.PriceSol, tx.PriceUsd, tx.DevStillHolding)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by signature.
func (s *Store) GetTransaction(ctx context.Context, signature string) (*storage.Transaction, error) {
	query := `
		SELECT signature, platform, type, mint_in, mint_out, amount_in, amount_out, fee_payer, block_number, block_timestamp, market_cap, total_supply, price_sol, price_usd, dev_still_holding
		FROM transactions WHERE signature = $1
	`

	var tx storage.Transaction
	var blockNumber int64
	err := s.pool.QueryRow(ctx, query, signature).Scan(
		&tx.Signature, &tx.Platform, &tx.Type, &tx.MintIn, &tx.MintOut, &tx.AmountIn, &tx.AmountOut,
		&tx.FeePayer, &blockNumber, &tx.BlockTimestamp,
		&tx.MarketCap, &tx.TotalSupply, &tx.PriceSol, &tx.PriceUsd, &tx.DevStillHolding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	tx.BlockNumber = uint64(blockNumber)
	return &tx, nil
}

// UpdateDevHolding records the creator-holding flag on a transaction.
func (s *Store) UpdateDevHolding(ctx context.Context, signature string, holding bool) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE transactions SET dev_still_holding = $1 WHERE signature = $2", holding, signature)
	if err != nil {
		return fmt.Errorf("update dev holding: %w", err)
	}
	return nil
}

// UpdateMarketData writes the computed market snapshot onto a transaction.
func (s *Store) UpdateMarketData(ctx context.Context, signature string, md *storage.MarketData) error {
	if md == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE transactions SET market_cap = $1, total_supply = $2, price_sol = $3, price_usd = $4
		WHERE signature = $5`,
		md.MarketCap, md.TotalSupply, md.PriceSol, md.PriceUsd, signature)
	if err != nil {
		return fmt.Errorf("update market data: %w", err)
	}
	return nil
}

// MergeWalletToken applies one buy/sell to the (wallet, token) pair row.
func (s *Store) MergeWalletToken(ctx context.Context, ev *storage.WalletTokenEvent) error {
	var firstBuyTs, firstSellTs *int64
	var firstBuyTx, firstSellTx *string
	var firstBuyAmount *float64
	var firstBuyCap, firstSellCap *float64
	var buyInc, sellInc int

	switch ev.Kind {
	case "BUY":
		firstBuyTs = &ev.Timestamp
		firstBuyTx = &ev.Signature
		firstBuyAmount = &ev.Amount
		firstBuyCap = ev.MarketCap
		buyInc = 1
	case "SELL":
		firstSellTs = &ev.Timestamp
		firstSellTx = &ev.Signature
		firstSellCap = ev.MarketCap
		sellInc = 1
	}

	query := `
		INSERT INTO wallet_tokens
		(wallet, token, first_buy_timestamp, first_buy_tx, first_buy_amount, first_buy_market_cap, first_sell_timestamp, first_sell_tx, first_sell_market_cap, buy_count, sell_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (wallet, token) DO UPDATE SET
			first_buy_timestamp = COALESCE(wallet_tokens.first_buy_timestamp, EXCLUDED.first_buy_timestamp),
			first_buy_tx = COALESCE(wallet_tokens.first_buy_tx, EXCLUDED.first_buy_tx),
			first_buy_amount = COALESCE(wallet_tokens.first_buy_amount, EXCLUDED.first_buy_amount),
			first_buy_market_cap = COALESCE(wallet_tokens.first_buy_market_cap, EXCLUDED.first_buy_market_cap),
			first_sell_timestamp = COALESCE(wallet_tokens.first_sell_timestamp, EXCLUDED.first_sell_timestamp),
			first_sell_tx = COALESCE(wallet_tokens.first_sell_tx, EXCLUDED.first_sell_tx),
			first_sell_market_cap = COALESCE(wallet_tokens.first_sell_market_cap, EXCLUDED.first_sell_market_cap),
			buy_count = wallet_tokens.buy_count + EXCLUDED.buy_count,
			sell_count = wallet_tokens.sell_count + EXCLUDED.sell_count,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		ev.Wallet, ev.Token, firstBuyTs, firstBuyTx, firstBuyAmount, firstBuyCap,
		firstSellTs, firstSellTx, firstSellCap, buyInc, sellInc, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("merge wallet token: %w", err)
	}
	return nil
}

// GetWalletTokenPair retrieves the merged pair row.
func (s *Store) GetWalletTokenPair(ctx context.Context, wallet, token string) (*storage.WalletTokenPair, error) {
	query := `
		SELECT wallet, token, first_buy_timestamp, first_buy_tx, first_buy_amount, first_buy_market_cap, first_sell_timestamp, first_sell_tx, first_sell_market_cap, open_positions_at_first_buy, buy_count, sell_count, updated_at
		FROM wallet_tokens WHERE wallet = $1 AND token = $2
	`

	var p storage.WalletTokenPair
	err := s.pool.QueryRow(ctx, query, wallet, token).Scan(
		&p.Wallet, &p.Token, &p.FirstBuyTimestamp, &p.FirstBuyTx, &p.FirstBuyAmount, &p.FirstBuyMarketCap,
		&p.FirstSellTimestamp, &p.FirstSellTx, &p.FirstSellMarketCap,
		&p.OpenPositionsAtFirstBuy, &p.BuyCount, &p.SellCount, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet token pair: %w", err)
	}
	return &p, nil
}

// IsFirstBuy reports whether the wallet has never bought the token.
func (s *Store) IsFirstBuy(ctx context.Context, wallet, token string) (bool, error) {
	var buyCount int
	err := s.pool.QueryRow(ctx,
		"SELECT buy_count FROM wallet_tokens WHERE wallet = $1 AND token = $2", wallet, token).Scan(&buyCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("is first buy: %w", err)
	}
	return buyCount == 0, nil
}

// GetBuyCount returns the wallet's buy count for the token.
func (s *Store) GetBuyCount(ctx context.Context, wallet, token string) (int, error) {
	return s.getCount(ctx, "buy_count", wallet, token)
}

// GetSellCount returns the wallet's sell count for the token.
func (s *Store) GetSellCount(ctx context.Context, wallet, token string) (int, error) {
	return s.getCount(ctx, "sell_count", wallet, token)
}

func (s *Store) getCount(ctx context.Context, column, wallet, token string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT "+column+" FROM wallet_tokens WHERE wallet = $1 AND token = $2", wallet, token).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", column, err)
	}
	return n, nil
}

// CountOpenPositions counts tokens the wallet has bought and not sold at all.
func (s *Store) CountOpenPositions(ctx context.Context, wallet string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM wallet_tokens WHERE wallet = $1 AND buy_count > 0 AND sell_count = 0", wallet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// UpdateOpenPositions records the open-position count at first buy, once.
func (s *Store) UpdateOpenPositions(ctx context.Context, wallet, token string, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wallet_tokens SET open_positions_at_first_buy = COALESCE(open_positions_at_first_buy, $1)
		WHERE wallet = $2 AND token = $3`, count, wallet, token)
	if err != nil {
		return fmt.Errorf("update open positions: %w", err)
	}
	return nil
}

// UpdateCreatorTokenCount records how many tokens the creator has minted.
func (s *Store) UpdateCreatorTokenCount(ctx context.Context, token, creator string, count int) error {
	query := `
		INSERT INTO token_metadata (mint, creator, token_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mint) DO UPDATE SET
			creator = CASE WHEN EXCLUDED.creator != '' THEN EXCLUDED.creator ELSE token_metadata.creator END,
			token_count = EXCLUDED.token_count,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query, token, creator, count, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update creator token count: %w", err)
	}
	return nil
}

// SaveTokenMetadata upserts resolved metadata for a mint.
func (s *Store) SaveTokenMetadata(ctx context.Context, md *storage.TokenMetadata) error {
	query := `
		INSERT INTO token_metadata (mint, name, symbol, decimals, creator, token_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mint) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			creator = CASE WHEN EXCLUDED.creator != '' THEN EXCLUDED.creator ELSE token_metadata.creator END,
			token_count = COALESCE(EXCLUDED.token_count, token_metadata.token_count),
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		md.Mint, md.Name, md.Symbol, md.Decimals, md.Creator, md.TokenCount, md.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save token metadata: %w", err)
	}
	return nil
}

// GetTokenMetadata retrieves metadata by mint.
func (s *Store) GetTokenMetadata(ctx context.Context, mint string) (*storage.TokenMetadata, error) {
	query := `
		SELECT mint, name, symbol, decimals, creator, token_count, updated_at
		FROM token_metadata WHERE mint = $1
	`

	var md storage.TokenMetadata
	err := s.pool.QueryRow(ctx, query, mint).Scan(
		&md.Mint, &md.Name, &md.Symbol, &md.Decimals, &md.Creator, &md.TokenCount, &md.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token metadata: %w", err)
	}
	return &md, nil
}

// SaveSolPrice stores a SOL/USD quote.
func (s *Store) SaveSolPrice(ctx context.Context, priceUsd float64, at int64) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO sol_price (price_usd, updated_at) VALUES ($1, $2)", priceUsd, at)
	if err != nil {
		return fmt.Errorf("save sol price: %w", err)
	}
	return nil
}

// GetLatestSolPrice returns the most recent SOL/USD quote.
func (s *Store) GetLatestSolPrice(ctx context.Context) (float64, error) {
	var price float64
	err := s.pool.QueryRow(ctx,
		"SELECT price_usd FROM sol_price ORDER BY updated_at DESC, id DESC LIMIT 1").Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get latest sol price: %w", err)
	}
	return price, nil
}

// SaveSession creates the row for a new monitoring session.
func (s *Store) SaveSession(ctx context.Context, rec *storage.SessionRecord) error {
	query := `
		INSERT INTO sessions (wallet, token, pool, state, started_at, deadline, first_buy_tx, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
	`

	_, err := s.pool.Exec(ctx, query,
		rec.Wallet, rec.Token, rec.Pool, rec.State, rec.StartedAt, rec.Deadline, rec.FirstBuyTx)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session row.
func (s *Store) GetSession(ctx context.Context, wallet, token string) (*storage.SessionRecord, error) {
	query := `
		SELECT wallet, token, pool, state, started_at, deadline, first_buy_tx, first_sell_tx, close_reason, closed_at, sample_count
		FROM sessions WHERE wallet = $1 AND token = $2
	`

	var rec storage.SessionRecord
	err := s.pool.QueryRow(ctx, query, wallet, token).Scan(
		&rec.Wallet, &rec.Token, &rec.Pool, &rec.State, &rec.StartedAt, &rec.Deadline,
		&rec.FirstBuyTx, &rec.FirstSellTx, &rec.CloseReason, &rec.ClosedAt, &rec.SampleCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// SavePriceSample appends one price point to a session's series.
func (s *Store) SavePriceSample(ctx context.Context, wallet, token string, p *storage.PricePoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_samples (wallet, token, price_sol, price_usd, market_cap, slot, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wallet, token, p.PriceSol, p.PriceUsd, p.MarketCap, int64(p.Slot), p.SampledAt)
	if err != nil {
		return fmt.Errorf("save price sample: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		"UPDATE sessions SET sample_count = sample_count + 1 WHERE wallet = $1 AND token = $2", wallet, token)
	if err != nil {
		return fmt.Errorf("bump sample count: %w", err)
	}
	return nil
}

// FinalizeSession writes the terminal state of a session once.
func (s *Store) FinalizeSession(ctx context.Context, wallet, token string, sc *storage.SessionClose) error {
	query := `
		UPDATE sessions SET state = $1, close_reason = $2, closed_at = $3,
			first_sell_tx = CASE WHEN $4 != '' THEN $4 ELSE first_sell_tx END
		WHERE wallet = $5 AND token = $6 AND closed_at IS NULL
	`

	tag, err := s.pool.Exec(ctx, query, sc.State, sc.Reason, sc.ClosedAt, sc.SellTx, wallet, token)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already finalized; terminal transitions are first-wins.
		return nil
	}

	if sc.Terminal != nil {
		return s.SavePriceSample(ctx, wallet, token, sc.Terminal)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
