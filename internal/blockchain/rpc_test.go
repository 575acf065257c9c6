package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// MockRoundTripper for capturing requests and returning mock responses
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func accountJSON(pubkey, mint, amount string, decimals uint8) string {
	return fmt.Sprintf(`{
		"pubkey": %q,
		"account": {
			"data": {
				"parsed": {
					"info": {
						"mint": %q,
						"tokenAmount": {
							"amount": %q,
							"decimals": %d
						}
					}
				}
			}
		}
	}`, pubkey, mint, amount, decimals)
}

func programIDOf(req *http.Request) string {
	bodyBytes, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var rpcReq RPCRequest
	json.Unmarshal(bodyBytes, &rpcReq)

	if len(rpcReq.Params) > 1 {
		config, ok := rpcReq.Params[1].(map[string]interface{})
		if ok {
			if programID, ok := config["programId"].(string); ok {
				return programID
			}
		}
	}
	return ""
}

func TestGetAllTokenAccounts(t *testing.T) {
	mockResponseLegacy := `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":100},"value":[` +
		accountJSON("LegacyAccount1", "LegacyMint1", "1000", 9) + `]}}`
	mockResponseToken2022 := `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":101},"value":[` +
		accountJSON("Token2022Account1", "Token2022Mint1", "2000", 9) + `]}}`

	client := NewRPCClient("http://mock-primary", "http://mock-fallback", "apikey")
	client.httpClient.Transport = &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			switch programIDOf(req) {
			case TokenProgramID:
				return jsonResponse(200, mockResponseLegacy), nil
			case Token2022ProgramID:
				return jsonResponse(200, mockResponseToken2022), nil
			}
			return jsonResponse(500, `{"error": "unknown request"}`), nil
		},
	}

	accounts, err := client.GetAllTokenAccounts(context.Background(), "WalletOwner")
	if err != nil {
		t.Fatalf("GetAllTokenAccounts failed: %v", err)
	}

	// Should have 2 accounts (1 from Legacy, 1 from Token2022)
	if len(accounts) != 2 {
		t.Errorf("Expected 2 accounts, got %d", len(accounts))
	}

	legacyFound := false
	token2022Found := false

	for _, acc := range accounts {
		if acc.Mint == "LegacyMint1" && acc.Amount == 1000 {
			legacyFound = true
			// No uiAmount in the mock, so it is derived from amount and decimals
			if acc.UiAmount != 1e-6 {
				t.Errorf("Expected derived uiAmount 1e-6, got %v", acc.UiAmount)
			}
		}
		if acc.Mint == "Token2022Mint1" && acc.Amount == 2000 {
			token2022Found = true
		}
	}

	if !legacyFound {
		t.Error("Legacy account not found or incorrect")
	}
	if !token2022Found {
		t.Error("Token-2022 account not found or incorrect")
	}
}

func TestGetAllTokenAccounts_PartialFailure(t *testing.T) {
	// Token-2022 fetch fails, so the whole call must fail
	client := NewRPCClient("http://mock-primary", "http://mock-fallback", "apikey")
	client.httpClient.Transport = &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			switch programIDOf(req) {
			case TokenProgramID:
				return jsonResponse(200, `{"jsonrpc":"2.0","result":{"value":[]}}`), nil
			case Token2022ProgramID:
				return jsonResponse(500, "fail"), nil
			}
			return nil, nil
		},
	}

	_, err := client.GetAllTokenAccounts(context.Background(), "WalletOwner")
	if err == nil {
		t.Error("Expected error on partial failure, got nil")
	}
}

func TestGetTokenSupply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}

		if req.Method != "getTokenSupply" {
			t.Errorf("expected method getTokenSupply, got %s", req.Method)
		}
		if req.Params[0] != "Mint1" {
			t.Errorf("expected mint 'Mint1', got %v", req.Params[0])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":5},"value":{"amount":"1000000000000000","decimals":6,"uiAmount":1000000000.0,"uiAmountString":"1000000000"}}}`)
	}))
	defer ts.Close()

	client := NewRPCClient(ts.URL, ts.URL, "")

	supply, err := client.GetTokenSupply(context.Background(), "Mint1")
	if err != nil {
		t.Fatalf("GetTokenSupply failed: %v", err)
	}

	if supply.Amount != 1000000000000000 {
		t.Errorf("expected raw amount 1000000000000000, got %d", supply.Amount)
	}
	if supply.Decimals != 6 {
		t.Errorf("expected decimals 6, got %d", supply.Decimals)
	}
	if supply.UiAmount != 1e9 {
		t.Errorf("expected uiAmount 1e9, got %v", supply.UiAmount)
	}
}

func TestGetTokenSupply_DerivedUiAmount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"value":{"amount":"5000000","decimals":6,"uiAmount":null}}}`)
	}))
	defer ts.Close()

	client := NewRPCClient(ts.URL, ts.URL, "")

	supply, err := client.GetTokenSupply(context.Background(), "Mint1")
	if err != nil {
		t.Fatalf("GetTokenSupply failed: %v", err)
	}
	if supply.UiAmount != 5.0 {
		t.Errorf("expected derived uiAmount 5.0, got %v", supply.UiAmount)
	}
}

func TestGetPoolReserves(t *testing.T) {
	const (
		baseMint  = "BaseMint111"
		quoteMint = "QuoteMint111"
	)

	// Base vault plus two quote vaults under the legacy program, one stray
	// account under Token-2022
	mockResponseLegacy := `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":200},"value":[` +
		accountJSON("Vault1", baseMint, "500000000", 6) + `,` +
		accountJSON("Vault2", quoteMint, "2000000000", 9) + `,` +
		accountJSON("Vault3", quoteMint, "1000000000", 9) + `]}}`
	mockResponseToken2022 := `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":201},"value":[` +
		accountJSON("Stray1", "OtherMint111", "42", 0) + `]}}`

	client := NewRPCClient("http://mock-primary", "http://mock-fallback", "")
	client.httpClient.Transport = &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			switch programIDOf(req) {
			case TokenProgramID:
				return jsonResponse(200, mockResponseLegacy), nil
			case Token2022ProgramID:
				return jsonResponse(200, mockResponseToken2022), nil
			}
			return jsonResponse(500, "unknown request"), nil
		},
	}

	reserves, err := client.GetPoolReserves(context.Background(), "PoolAddr", baseMint, quoteMint)
	if err != nil {
		t.Fatalf("GetPoolReserves failed: %v", err)
	}

	if reserves.BaseAmount != 500.0 {
		t.Errorf("expected base amount 500.0, got %v", reserves.BaseAmount)
	}
	// Quote vaults are summed: 2.0 + 1.0
	if reserves.QuoteAmount != 3.0 {
		t.Errorf("expected quote amount 3.0, got %v", reserves.QuoteAmount)
	}
	if reserves.Slot != 201 {
		t.Errorf("expected slot 201, got %d", reserves.Slot)
	}
}

func TestGetPoolReserves_MissingQuote(t *testing.T) {
	mockResponse := `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":200},"value":[` +
		accountJSON("Vault1", "BaseMint111", "500000000", 6) + `]}}`

	client := NewRPCClient("http://mock-primary", "http://mock-fallback", "")
	client.httpClient.Transport = &MockRoundTripper{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, mockResponse), nil
		},
	}

	_, err := client.GetPoolReserves(context.Background(), "PoolAddr", "BaseMint111", "QuoteMint111")
	if err == nil {
		t.Fatal("expected error for missing quote account, got nil")
	}
	if !strings.Contains(err.Error(), "quote mint") {
		t.Errorf("expected quote mint error, got: %v", err)
	}
}

func TestFallbackUsedWhenPrimaryFails(t *testing.T) {
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":12345}}`)
	}))
	defer fallback.Close()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()

	client := NewRPCClient(primary.URL, fallback.URL, "")

	balance, err := client.GetBalance(context.Background(), "SomePubkey")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 12345 {
		t.Errorf("expected balance 12345, got %d", balance)
	}
}

func TestHealth(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "getHealth" {
			t.Errorf("expected method getHealth, got %s", req.Method)
		}
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"ok"}`)
	}))
	defer ts.Close()

	client := NewRPCClient(ts.URL, ts.URL, "")
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestHealth_NodeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"Node is behind by 42 slots"}}`)
	}))
	defer ts.Close()

	client := NewRPCClient(ts.URL, ts.URL, "")
	err := client.Health(context.Background())
	if err == nil {
		t.Fatal("expected error from unhealthy node, got nil")
	}
}

func BenchmarkParseUint_Sscanf(b *testing.B) {
	s := "1234567890123456789"
	var v uint64
	for i := 0; i < b.N; i++ {
		fmt.Sscanf(s, "%d", &v)
	}
}

func BenchmarkParseUint_Strconv(b *testing.B) {
	s := "1234567890123456789"
	for i := 0; i < b.N; i++ {
		strconv.ParseUint(s, 10, 64)
	}
}
