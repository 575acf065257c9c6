package dex

import (
	"encoding/json"
	"fmt"
)

// Decoder turns a raw stream payload into a trade event. A nil event with a
// nil error means the payload is not trade-shaped and should be dropped.
type Decoder interface {
	Decode(raw json.RawMessage) (*Event, error)
}

// PayloadDecoder maps provider-parsed transaction payloads onto events. The
// stream delivers transactions already classified server-side; no instruction
// parsing happens here.
type PayloadDecoder struct{}

// NewPayloadDecoder creates the default decoder.
func NewPayloadDecoder() *PayloadDecoder {
	return &PayloadDecoder{}
}

type parsedLeg struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

type parsedPayload struct {
	Type       string    `json:"type"`
	Platform   string    `json:"platform"`
	FeePayer   string    `json:"fee_payer"`
	Signatures []string  `json:"signatures"`
	TokenIn    parsedLeg `json:"token_in"`
	TokenOut   parsedLeg `json:"token_out"`
	Pool       string    `json:"pool_address"`
	Creator    string    `json:"creator_address"`
	PriceSol   float64   `json:"price_sol"`
	PriceUsd   float64   `json:"price_usd"`
}

// Decode implements Decoder.
func (d *PayloadDecoder) Decode(raw json.RawMessage) (*Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var p parsedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode stream payload: %w", err)
	}

	// Payloads without a type and without trade legs are not trades.
	if p.Type == "" && p.TokenIn.Address == "" && p.TokenOut.Address == "" {
		return nil, nil
	}

	ev := &Event{
		Kind:      NormalizeKind(p.Type),
		Platform:  p.Platform,
		FeePayer:  p.FeePayer,
		MintIn:    p.TokenIn.Address,
		MintOut:   p.TokenOut.Address,
		AmountIn:  p.TokenIn.Amount,
		AmountOut: p.TokenOut.Amount,
		Pool:      p.Pool,
		Creator:   p.Creator,
		PriceSol:  p.PriceSol,
		PriceUsd:  p.PriceUsd,
	}
	if len(p.Signatures) > 0 {
		ev.Signature = p.Signatures[0]
	}
	return ev, nil
}
