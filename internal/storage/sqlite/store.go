package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"solana-wallet-tracker/internal/storage"
)

// Store is the SQLite-backed persistence driver.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if needed) the database at path.
func New(path string) (*Store, error) {
	// Add connection options to path if not present
	// _pragma=journal_mode(WAL) & _pragma=synchronous(NORMAL)
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		signature TEXT PRIMARY KEY,
		platform TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'OTHER',
		mint_in TEXT NOT NULL DEFAULT '',
		mint_out TEXT NOT NULL DEFAULT '',
		amount_in REAL NOT NULL DEFAULT 0,
		amount_out REAL NOT NULL DEFAULT 0,
		fee_payer TEXT NOT NULL DEFAULT '',
		block_number INTEGER NOT NULL DEFAULT 0,
		block_timestamp INTEGER NOT NULL DEFAULT 0,
		market_cap REAL,
		total_supply REAL,
		price_sol REAL,
		price_usd REAL,
		dev_still_holding INTEGER
	);

	CREATE TABLE IF NOT EXISTS wallet_tokens (
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		first_buy_timestamp INTEGER,
		first_buy_tx TEXT,
		first_buy_amount REAL,
		first_buy_market_cap REAL,
		first_sell_timestamp INTEGER,
		first_sell_tx TEXT,
		first_sell_market_cap REAL,
		open_positions_at_first_buy INTEGER,
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet, token)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		pool TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		first_buy_tx TEXT NOT NULL DEFAULT '',
		first_sell_tx TEXT NOT NULL DEFAULT '',
		close_reason TEXT NOT NULL DEFAULT '',
		closed_at INTEGER,
		sample_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet, token)
	);

	CREATE TABLE IF NOT EXISTS price_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet TEXT NOT NULL,
		token TEXT NOT NULL,
		price_sol REAL,
		price_usd REAL,
		market_cap REAL,
		slot INTEGER NOT NULL DEFAULT 0,
		sampled_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_metadata (
		mint TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL DEFAULT '',
		decimals INTEGER NOT NULL DEFAULT 0,
		creator TEXT NOT NULL DEFAULT '',
		token_count INTEGER,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sol_price (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		price_usd REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_fee_payer ON transactions(fee_payer);
	CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(block_timestamp);
	CREATE INDEX IF NOT EXISTS idx_price_samples_session ON price_samples(wallet, token, sampled_at);
	`

	_, err := db.Exec(schema)
	return err
}

// SaveTransaction upserts by signature; derived fields already written by
// enrichment survive a re-delivery of the same transaction.
func (s *Store) SaveTransaction(ctx context.Context, tx *storage.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(signature, platform, type, mint_in, mint_out, amount_in, amount_out, fee_payer, block_number, block_timestamp, market_cap, total_supply, price_sol, price_usd, dev_still_holding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			platform = excluded.platform,
			type = excluded.type,
			mint_in = excluded.mint_in,
			mint_out = excluded.mint_out,
			amount_in = excluded.amount_in,
			amount_out = excluded.amount_out,
			fee_payer = excluded.fee_payer,
			block_number = excluded.block_number,
			block_timestamp = excluded.block_timestamp,
			market_cap = COALESCE(transactions.market_cap, excluded.market_cap),
			total_supply = COALESCE(transactions.total_supply, excluded.total_supply),
			price_sol = COALESCE(transactions.price_sol, excluded.price_sol),
			price_usd = COALESCE(transactions.price_usd, excluded.price_usd),
			dev_still_holding = COALESCE(transactions.dev_still_holding, excluded.dev_still_holding)`,
		tx.Signature, tx.Platform, tx.Type, tx.MintIn, tx.MintOut, tx.AmountIn, tx.AmountOut,
		tx.FeePayer, tx.BlockNumber, tx.BlockTimestamp,
		tx.MarketCap, tx.TotalSupply, tx.PriceSol, tx.PriceUsd, tx.DevStillHolding)
	return err
}

// GetTransaction retrieves a transaction by signature.
func (s *Store) GetTransaction(ctx context.Context, signature string) (*storage.Transaction, error) {
	var tx storage.Transaction
	var marketCap, totalSupply, priceSol, priceUsd sql.NullFloat64
	var devHolding sql.NullBool

	err := s.db.QueryRowContext(ctx, `
		SELECT signature, platform, type, mint_in, mint_out, amount_in, amount_out, fee_payer, block_number, block_timestamp, market_cap, total_supply, price_sol, price_usd, dev_still_holding
		FROM transactions WHERE signature = ?`, signature).Scan(
		&tx.Signature, &tx.Platform, &tx.Type, &tx.MintIn, &tx.MintOut, &tx.AmountIn, &tx.AmountOut,
		&tx.FeePayer, &tx.BlockNumber, &tx.BlockTimestamp,
		&marketCap, &totalSupply, &priceSol, &priceUsd, &devHolding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if marketCap.Valid {
		tx.MarketCap = &marketCap.Float64
	}
	if totalSupply.Valid {
		tx.TotalSupply = &totalSupply.Float64
	}
	if priceSol.Valid {
		tx.PriceSol = &priceSol.Float64
	}
	if priceUsd.Valid {
		tx.PriceUsd = &priceUsd.Float64
	}
	if devHolding.Valid {
		tx.DevStillHolding = &devHolding.Bool
	}
	return &tx, nil
}

// UpdateDevHolding records the creator-holding flag on a transaction.
func (s *Store) UpdateDevHolding(ctx context.Context, signature string, holding bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET dev_still_holding = ? WHERE signature = ?", holding, signature)
	return err
}

// UpdateMarketData writes the computed market snapshot onto a transaction.
func (s *Store) UpdateMarketData(ctx context.Context, signature string, md *storage.MarketData) error {
	if md == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET market_cap = ?, total_supply = ?, price_sol = ?, price_usd = ?
		WHERE signature = ?`,
		md.MarketCap, md.TotalSupply, md.PriceSol, md.PriceUsd, signature)
	return err
}

// MergeWalletToken applies one buy/sell to the (wallet, token) pair row.
// Existing first* values win; the matching counter increments.
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_tokens
		(wallet, token, first_buy_timestamp, first_buy_tx, first_buy_amount, first_buy_market_cap, first_sell_timestamp, first_sell_tx, first_sell_market_cap, buy_count, sell_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet, token) DO UPDATE SET
			first_buy_timestamp = COALESCE(wallet_tokens.first_buy_timestamp, excluded.first_buy_timestamp),
			first_buy_tx = COALESCE(wallet_tokens.first_buy_tx, excluded.first_buy_tx),
			first_buy_amount = COALESCE(wallet_tokens.first_buy_amount, excluded.first_buy_amount),
			first_buy_market_cap = COALESCE(wallet_tokens.first_buy_market_cap, excluded.first_buy_market_cap),
			first_sell_timestamp = COALESCE(wallet_tokens.first_sell_timestamp, excluded.first_sell_timestamp),
			first_sell_tx = COALESCE(wallet_tokens.first_sell_tx, excluded.first_sell_tx),
			first_sell_market_cap = COALESCE(wallet_tokens.first_sell_market_cap, excluded.first_sell_market_cap),
			buy_count = wallet_tokens.buy_count + excluded.buy_count,
			sell_count = wallet_tokens.sell_count + excluded.sell_count,
			updated_at = excluded.updated_at`,
		ev.Wallet, ev.Token, firstBuyTs, firstBuyTx, firstBuyAmount, firstBuyCap,
		firstSellTs, firstSellTx, firstSellCap, buyInc, sellInc, ev.Timestamp)
	return err
}

// GetWalletTokenPair retrieves the merged pair row.
func (s *Store) GetWalletTokenPair(ctx context.Context, wallet, token string) (*storage.WalletTokenPair, error) {
	var p storage.WalletTokenPair
	var buyTs, sellTs sql.NullInt64
	var buyTx, sellTx sql.NullString
	var buyAmount, buyCap, sellCap sql.NullFloat64
	var openPos sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT wallet, token, first_buy_timestamp, first_buy_tx, first_buy_amount, first_buy_market_cap, first_sell_timestamp, first_sell_tx, first_sell_market_cap, open_positions_at_first_buy, buy_count, sell_count, updated_at
		FROM wallet_tokens WHERE wallet = ? AND token = ?`, wallet, token).Scan(
		&p.Wallet, &p.Token, &buyTs, &buyTx, &buyAmount, &buyCap,
		&sellTs, &sellTx, &sellCap, &openPos, &p.BuyCount, &p.SellCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if buyTs.Valid {
		p.FirstBuyTimestamp = &buyTs.Int64
	}
	if buyTx.Valid {
		p.FirstBuyTx = &buyTx.String
	}
	if buyAmount.Valid {
		p.FirstBuyAmount = &buyAmount.Float64
	}
	if buyCap.Valid {
		p.FirstBuyMarketCap = &buyCap.Float64
	}
	if sellTs.Valid {
		p.FirstSellTimestamp = &sellTs.Int64
	}
	if sellTx.Valid {
		p.FirstSellTx = &sellTx.String
	}
	if sellCap.Valid {
		p.FirstSellMarketCap = &sellCap.Float64
	}
	if openPos.Valid {
		n := int(openPos.Int64)
		p.OpenPositionsAtFirstBuy = &n
	}
	return &p, nil
}

// IsFirstBuy reports whether the wallet has never bought the token.
func (s *Store) IsFirstBuy(ctx context.Context, wallet, token string) (bool, error) {
	var buyCount int
	err := s.db.QueryRowContext(ctx,
		"SELECT buy_count FROM wallet_tokens WHERE wallet = ? AND token = ?", wallet, token).Scan(&buyCount)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
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
	err := s.db.QueryRowContext(ctx,
		"SELECT "+column+" FROM wallet_tokens WHERE wallet = ? AND token = ?", wallet, token).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CountOpenPositions counts tokens the wallet has bought and not sold at all.
func (s *Store) CountOpenPositions(ctx context.Context, wallet string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wallet_tokens WHERE wallet = ? AND buy_count > 0 AND sell_count = 0", wallet).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateOpenPositions records the open-position count at first buy, once.
func (s *Store) UpdateOpenPositions(ctx context.Context, wallet, token string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_tokens SET open_positions_at_first_buy = COALESCE(open_positions_at_first_buy, ?)
		WHERE wallet = ? AND token = ?`, count, wallet, token)
	return err
}

// UpdateCreatorTokenCount records how many tokens the creator has minted.
// Last writer wins.
func (s *Store) UpdateCreatorTokenCount(ctx context.Context, token, creator string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_metadata (mint, creator, token_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mint) DO UPDATE SET
			creator = CASE WHEN excluded.creator != '' THEN excluded.creator ELSE token_metadata.creator END,
			token_count = excluded.token_count,
			updated_at = excluded.updated_at`,
		token, creator, count, time.Now().Unix())
	return err
}

// SaveTokenMetadata upserts resolved metadata for a mint; a creator token
// count written earlier survives.
func (s *Store) SaveTokenMetadata(ctx context.Context, md *storage.TokenMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_metadata (mint, name, symbol, decimals, creator, token_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint) DO UPDATE SET
			name = excluded.name,
			symbol = excluded.symbol,
			decimals = excluded.decimals,
			creator = CASE WHEN excluded.creator != '' THEN excluded.creator ELSE token_metadata.creator END,
			token_count = COALESCE(excluded.token_count, token_metadata.token_count),
			updated_at = excluded.updated_at`,
		md.Mint, md.Name, md.Symbol, md.Decimals, md.Creator, md.TokenCount, md.UpdatedAt)
	return err
}

// GetTokenMetadata retrieves metadata by mint.
func (s *Store) GetTokenMetadata(ctx context.Context, mint string) (*storage.TokenMetadata, error) {
	var md storage.TokenMetadata
	var tokenCount sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT mint, name, symbol, decimals, creator, token_count, updated_at
		FROM token_metadata WHERE mint = ?`, mint).Scan(
		&md.Mint, &md.Name, &md.Symbol, &md.Decimals, &md.Creator, &tokenCount, &md.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		md.TokenCount = &n
	}
	return &md, nil
}

// SaveSolPrice stores a SOL/USD quote.
func (s *Store) SaveSolPrice(ctx context.Context, priceUsd float64, at int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sol_price (price_usd, updated_at) VALUES (?, ?)", priceUsd, at)
	return err
}

// GetLatestSolPrice returns the most recent SOL/USD quote.
func (s *Store) GetLatestSolPrice(ctx context.Context) (float64, error) {
	var price float64
	err := s.db.QueryRowContext(ctx,
		"SELECT price_usd FROM sol_price ORDER BY updated_at DESC, id DESC LIMIT 1").Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}

// SaveSession creates the row for a new monitoring session.
func (s *Store) SaveSession(ctx context.Context, rec *storage.SessionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (wallet, token, pool, state, started_at, deadline, first_buy_tx, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(wallet, token) DO NOTHING`,
		rec.Wallet, rec.Token, rec.Pool, rec.State, rec.StartedAt, rec.Deadline, rec.FirstBuyTx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// GetSession retrieves a session row.
func (s *Store) GetSession(ctx context.Context, wallet, token string) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	var closedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT wallet, token, pool, state, started_at, deadline, first_buy_tx, first_sell_tx, close_reason, closed_at, sample_count
		FROM sessions WHERE wallet = ? AND token = ?`, wallet, token).Scan(
		&rec.Wallet, &rec.Token, &rec.Pool, &rec.State, &rec.StartedAt, &rec.Deadline,
		&rec.FirstBuyTx, &rec.FirstSellTx, &rec.CloseReason, &closedAt, &rec.SampleCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if closedAt.Valid {
		rec.ClosedAt = &closedAt.Int64
	}
	return &rec, nil
}

// SavePriceSample appends one price point to a session's series.
func (s *Store) SavePriceSample(ctx context.Context, wallet, token string, p *storage.PricePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_samples (wallet, token, price_sol, price_usd, market_cap, slot, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wallet, token, p.PriceSol, p.PriceUsd, p.MarketCap, p.Slot, p.SampledAt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE sessions SET sample_count = sample_count + 1 WHERE wallet = ? AND token = ?", wallet, token)
	return err
}

// FinalizeSession writes the terminal state of a session once.
func (s *Store) FinalizeSession(ctx context.Context, wallet, token string, sc *storage.SessionClose) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, close_reason = ?, closed_at = ?,
			first_sell_tx = CASE WHEN ? != '' THEN ? ELSE first_sell_tx END
		WHERE wallet = ? AND token = ? AND closed_at IS NULL`,
		sc.State, sc.Reason, sc.ClosedAt, sc.SellTx, sc.SellTx, wallet, token)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
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
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
