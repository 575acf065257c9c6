package dex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		raw  string
		want TradeKind
	}{
		{"BUY", KindBuy},
		{"buy", KindBuy},
		{" Sell ", KindSell},
		{"SELL", KindSell},
		{"SWAP", KindOther},
		{"transfer", KindOther},
		{"", KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKind(tt.raw), "raw=%q", tt.raw)
	}
}

func TestTokenAddress(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "buy returns received mint",
			ev:   Event{Kind: KindBuy, MintIn: WrappedSOLMint, MintOut: testMint},
			want: testMint,
		},
		{
			name: "buy with SOL received falls back to sent mint",
			ev:   Event{Kind: KindBuy, MintIn: testMint, MintOut: WrappedSOLMint},
			want: testMint,
		},
		{
			name: "sell returns sent mint",
			ev:   Event{Kind: KindSell, MintIn: testMint, MintOut: WrappedSOLMint},
			want: testMint,
		},
		{
			name: "sell with SOL sent falls back to received mint",
			ev:   Event{Kind: KindSell, MintIn: WrappedSOLMint, MintOut: testMint},
			want: testMint,
		},
		{
			name: "both legs SOL yields empty",
			ev:   Event{Kind: KindBuy, MintIn: WrappedSOLMint, MintOut: WrappedSOLMint},
			want: "",
		},
		{
			name: "unset legs yield empty",
			ev:   Event{Kind: KindSell},
			want: "",
		},
		{
			name: "other kind yields empty",
			ev:   Event{Kind: KindOther, MintIn: testMint, MintOut: WrappedSOLMint},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.TokenAddress())
		})
	}
}

func TestLegAmounts(t *testing.T) {
	ev := Event{
		Kind:      KindBuy,
		MintIn:    WrappedSOLMint,
		MintOut:   testMint,
		AmountIn:  1.5,
		AmountOut: 30000,
	}

	sol, ok := ev.SolLegAmount()
	require.True(t, ok)
	assert.Equal(t, 1.5, sol)

	tok, ok := ev.TokenLegAmount()
	require.True(t, ok)
	assert.Equal(t, 30000.0, tok)

	// No SOL leg at all
	noSol := Event{Kind: KindBuy, MintIn: testMint, MintOut: "other-mint", AmountIn: 5}
	_, ok = noSol.SolLegAmount()
	assert.False(t, ok)
}

func TestPayloadDecoder(t *testing.T) {
	d := NewPayloadDecoder()

	payload := `{
		"type": "buy",
		"platform": "pumpfun",
		"fee_payer": "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		"signatures": ["5sig111", "5sig222"],
		"token_in": {"address": "So11111111111111111111111111111111111111112", "amount": 0.5},
		"token_out": {"address": "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", "amount": 12000},
		"pool_address": "poolAddr111",
		"creator_address": "creatorAddr111",
		"price_sol": 0.0000417
	}`

	ev, err := d.Decode(json.RawMessage(payload))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, KindBuy, ev.Kind)
	assert.Equal(t, "pumpfun", ev.Platform)
	assert.Equal(t, "5sig111", ev.Signature)
	assert.Equal(t, "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", ev.FeePayer)
	assert.Equal(t, testMint, ev.TokenAddress())
	assert.Equal(t, "poolAddr111", ev.Pool)
	assert.Equal(t, "creatorAddr111", ev.Creator)
	assert.InDelta(t, 0.0000417, ev.PriceSol, 1e-12)
}

func TestPayloadDecoder_NotTradeShaped(t *testing.T) {
	d := NewPayloadDecoder()

	ev, err := d.Decode(json.RawMessage(`{"context": {"slot": 5}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = d.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestPayloadDecoder_Malformed(t *testing.T) {
	d := NewPayloadDecoder()

	_, err := d.Decode(json.RawMessage(`{"type": "buy"`))
	require.Error(t, err)
}

func TestPayloadDecoder_UnknownType(t *testing.T) {
	d := NewPayloadDecoder()

	ev, err := d.Decode(json.RawMessage(`{"type": "ADD_LIQUIDITY", "signatures": ["s1"]}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, KindOther, ev.Kind)
	assert.Equal(t, "", ev.TokenAddress())
}
