package storage

// Transaction is one persisted stream transaction. The derived fields are
// filled in asynchronously by enrichment and stay nil until then.
type Transaction struct {
	Signature      string
	Platform       string
	Type           string // BUY | SELL | OTHER
	MintIn         string
	MintOut        string
	AmountIn       float64
	AmountOut      float64
	FeePayer       string
	BlockNumber    uint64
	BlockTimestamp int64

	MarketCap       *float64
	TotalSupply     *float64
	PriceSol        *float64
	PriceUsd        *float64
	DevStillHolding *bool
}

// MarketData is a fully computed market snapshot. Partial snapshots are not
// represented; a missing input leaves the whole value nil.
type MarketData struct {
	MarketCap   float64
	TotalSupply float64
	PriceSol    float64
	PriceUsd    float64
}

// WalletTokenEvent is one buy or sell applied to a (wallet, token) pair row.
type WalletTokenEvent struct {
	Wallet    string
	Token     string
	Kind      string // BUY | SELL
	Amount    float64
	Timestamp int64
	Signature string
	MarketCap *float64
}

// WalletTokenPair is the merged history of one wallet trading one token.
// The first* fields are write-once; counters only grow.
type WalletTokenPair struct {
	Wallet string
	Token  string

	FirstBuyTimestamp  *int64
	FirstBuyTx         *string
	FirstBuyAmount     *float64
	FirstBuyMarketCap  *float64
	FirstSellTimestamp *int64
	FirstSellTx        *string
	FirstSellMarketCap *float64

	OpenPositionsAtFirstBuy *int
	BuyCount                int
	SellCount               int
	UpdatedAt               int64
}

// PricePoint is one pool price sample. Fields are nil when the underlying
// input (oracle quote, supply) was unavailable at sampling time.
type PricePoint struct {
	PriceSol  *float64
	PriceUsd  *float64
	MarketCap *float64
	Slot      uint64
	SampledAt int64
}

// SessionRecord is the persisted state of one pool monitoring session.
type SessionRecord struct {
	Wallet      string
	Token       string
	Pool        string
	State       string // Active | Completed | TimedOut | Cancelled
	StartedAt   int64
	Deadline    int64
	FirstBuyTx  string
	FirstSellTx string
	CloseReason string
	ClosedAt    *int64
	SampleCount int
}

// SessionClose carries the terminal outcome of a monitoring session.
type SessionClose struct {
	State    string // Completed | TimedOut | Cancelled
	Reason   string // sell | deadline | sampler_error | shutdown | manual
	SellTx   string
	Terminal *PricePoint
	ClosedAt int64
}

// TokenMetadata is resolved mint metadata from the metadata API.
type TokenMetadata struct {
	Mint       string
	Name       string
	Symbol     string
	Decimals   int
	Creator    string
	TokenCount *int // tokens created by the creator, filled by delayed enrichment
	UpdatedAt  int64
}
