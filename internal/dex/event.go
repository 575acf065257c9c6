package dex

import "strings"

// TradeKind classifies a decoded stream event.
type TradeKind string

const (
	KindBuy   TradeKind = "BUY"
	KindSell  TradeKind = "SELL"
	KindOther TradeKind = "OTHER"
)

// WrappedSOLMint is the mint address of wrapped SOL.
const WrappedSOLMint = "So11111111111111111111111111111111111111112"

// Event is one decoded trade notification. Signature, Slot and BlockTime are
// filled from the stream envelope; the rest comes from the provider-parsed
// payload.
type Event struct {
	Signature string
	Kind      TradeKind
	Platform  string
	MintIn    string
	MintOut   string
	AmountIn  float64
	AmountOut float64
	FeePayer  string
	Pool      string
	Creator   string
	PriceSol  float64 // 0 when the payload carries no price
	PriceUsd  float64
	Slot      uint64
	BlockTime int64
}

// NormalizeKind maps a raw payload type onto a TradeKind. Anything that is
// not a buy or a sell is OTHER.
func NormalizeKind(raw string) TradeKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return KindBuy
	case "SELL":
		return KindSell
	default:
		return KindOther
	}
}

// IsTrade reports whether the event is a buy or a sell.
func (e *Event) IsTrade() bool {
	return e.Kind == KindBuy || e.Kind == KindSell
}

// TokenAddress returns the tracked (non-SOL) mint of the trade.
// For a BUY that is the received mint, for a SELL the sent mint; when that
// leg is wrapped SOL or unset the other leg is used. OTHER events and
// SOL-to-SOL trades yield an empty string.
func (e *Event) TokenAddress() string {
	switch e.Kind {
	case KindBuy:
		return pickNonSOL(e.MintOut, e.MintIn)
	case KindSell:
		return pickNonSOL(e.MintIn, e.MintOut)
	default:
		return ""
	}
}

func pickNonSOL(primary, secondary string) string {
	if primary != "" && primary != WrappedSOLMint {
		return primary
	}
	if secondary != "" && secondary != WrappedSOLMint {
		return secondary
	}
	return ""
}

// SolLegAmount returns the amount on the wrapped-SOL side of the trade and
// whether such a side exists.
func (e *Event) SolLegAmount() (float64, bool) {
	if e.MintIn == WrappedSOLMint {
		return e.AmountIn, true
	}
	if e.MintOut == WrappedSOLMint {
		return e.AmountOut, true
	}
	return 0, false
}

// TokenLegAmount returns the amount on the tracked-token side of the trade
// and whether such a side exists.
func (e *Event) TokenLegAmount() (float64, bool) {
	token := e.TokenAddress()
	if token == "" {
		return 0, false
	}
	if e.MintIn == token {
		return e.AmountIn, true
	}
	if e.MintOut == token {
		return e.AmountOut, true
	}
	return 0, false
}
