package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RPCClient handles Solana RPC calls
type RPCClient struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	// Circuit breaker state
	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

// RPCRequest is the JSON-RPC 2.0 request format
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// RPCResponse is the JSON-RPC 2.0 response format
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error format
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BalanceResult is the result of getBalance
type BalanceResult struct {
	Value uint64 `json:"value"`
}

// NewRPCClient creates a new RPC client
func NewRPCClient(primaryURL, fallbackURL, apiKey string) *RPCClient {
	// Configure HTTP transport for keep-alives and connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &RPCClient{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// GetBalance fetches the SOL balance for a public key
func (c *RPCClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBalance",
		Params:  []interface{}{pubkey, map[string]string{"commitment": "confirmed"}},
	}

	var result BalanceResult
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}

	return result.Value, nil
}

// Health checks node health via getHealth
func (c *RPCClient) Health(ctx context.Context) error {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getHealth",
	}

	var result string
	if err := c.call(ctx, req, &result); err != nil {
		return err
	}

	if result != "ok" {
		return fmt.Errorf("node unhealthy: %s", result)
	}
	return nil
}

func (c *RPCClient) call(ctx context.Context, req RPCRequest, result interface{}) error {
	// Check circuit breaker
	if c.isCircuitOpen() {
		// Try fallback
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	err := c.callURL(ctx, c.primaryURL, req, result)
	if err != nil {
		c.recordFailure()
		// Try fallback
		log.Warn().Err(err).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	c.recordSuccess()
	return nil
}

func (c *RPCClient) callURL(ctx context.Context, url string, rpcReq RPCRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

// Circuit breaker methods
func (c *RPCClient) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.circuitOpen {
		return false
	}

	// Check if circuit should reset (30 seconds)
	if time.Since(c.lastFailure) > 30*time.Second {
		return false
	}

	return true
}

func (c *RPCClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()

	// Open circuit after 5 consecutive failures
	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *RPCClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.circuitOpen = false
}

// LatencyMs returns estimated latency to RPC (for display)
func (c *RPCClient) LatencyMs() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Health(ctx); err != nil {
		return -1
	}
	return time.Since(start).Milliseconds()
}

// TokenAccountInfo holds token account data
type TokenAccountInfo struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
	UiAmount float64
}

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// GetTokenAccountsByOwner fetches the token accounts an owner holds under
// a single token program.
func (c *RPCClient) GetTokenAccountsByOwner(ctx context.Context, owner, programID string) ([]TokenAccountInfo, error) {
	accounts, _, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": programID})
	return accounts, err
}

// GetAllTokenAccounts fetches all token accounts for an owner across both
// the Token Program and the Token-2022 Program.
func (c *RPCClient) GetAllTokenAccounts(ctx context.Context, owner string) ([]TokenAccountInfo, error) {
	accounts, _, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": TokenProgramID})
	if err != nil {
		return nil, err
	}

	// Partial data would make a Token-2022 holding look like a zero balance,
	// so a failure on either program fails the whole fetch.
	accounts2022, _, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": Token2022ProgramID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Token-2022 accounts: %w", err)
	}
	accounts = append(accounts, accounts2022...)

	return accounts, nil
}

func (c *RPCClient) fetchTokenAccounts(ctx context.Context, owner string, filter map[string]string) ([]TokenAccountInfo, uint64, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			owner,
			filter,
			map[string]string{
				"encoding": "jsonParsed",
			},
		},
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string   `json:"amount"`
								Decimals uint8    `json:"decimals"`
								UiAmount *float64 `json:"uiAmount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}

	if err := c.call(ctx, req, &result); err != nil {
		return nil, 0, err
	}

	accounts := make([]TokenAccountInfo, 0, len(result.Value))
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		info := TokenAccountInfo{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		}
		if ui := v.Account.Data.Parsed.Info.TokenAmount.UiAmount; ui != nil {
			info.UiAmount = *ui
		} else {
			info.UiAmount = float64(amount) / math.Pow10(int(info.Decimals))
		}
		accounts = append(accounts, info)
	}

	return accounts, result.Context.Slot, nil
}

// TokenSupply is the result of getTokenSupply in both raw and human units
type TokenSupply struct {
	Amount   uint64
	Decimals uint8
	UiAmount float64
}

// GetTokenSupply fetches the total supply of a token mint
func (c *RPCClient) GetTokenSupply(ctx context.Context, mint string) (*TokenSupply, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenSupply",
		Params:  []interface{}{mint, map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value struct {
			Amount   string   `json:"amount"`
			Decimals uint8    `json:"decimals"`
			UiAmount *float64 `json:"uiAmount"`
		} `json:"value"`
	}

	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse supply amount %q: %w", result.Value.Amount, err)
	}

	supply := &TokenSupply{
		Amount:   amount,
		Decimals: result.Value.Decimals,
	}
	if result.Value.UiAmount != nil {
		supply.UiAmount = *result.Value.UiAmount
	} else {
		supply.UiAmount = float64(amount) / math.Pow10(int(supply.Decimals))
	}

	return supply, nil
}

// PoolReserves holds the two sides of a liquidity pool in human units
type PoolReserves struct {
	BaseMint    string
	BaseAmount  float64
	QuoteMint   string
	QuoteAmount float64
	Slot        uint64
}

// GetPoolReserves derives pool reserves from the token accounts owned by the
// pool address: the base side is the account holding baseMint, the quote side
// the account holding quoteMint. Multiple accounts for a mint are summed.
func (c *RPCClient) GetPoolReserves(ctx context.Context, pool, baseMint, quoteMint string) (*PoolReserves, error) {
	accounts, slot, err := c.fetchTokenAccounts(ctx, pool, map[string]string{"programId": TokenProgramID})
	if err != nil {
		return nil, err
	}

	accounts2022, slot2022, err := c.fetchTokenAccounts(ctx, pool, map[string]string{"programId": Token2022ProgramID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Token-2022 accounts: %w", err)
	}
	accounts = append(accounts, accounts2022...)
	if slot2022 > slot {
		slot = slot2022
	}

	reserves := &PoolReserves{
		BaseMint:  baseMint,
		QuoteMint: quoteMint,
		Slot:      slot,
	}

	foundBase, foundQuote := false, false
	for _, acc := range accounts {
		switch acc.Mint {
		case baseMint:
			reserves.BaseAmount += acc.UiAmount
			foundBase = true
		case quoteMint:
			reserves.QuoteAmount += acc.UiAmount
			foundQuote = true
		}
	}

	if !foundBase {
		return nil, fmt.Errorf("pool %s has no account for base mint %s", pool, baseMint)
	}
	if !foundQuote {
		return nil, fmt.Errorf("pool %s has no account for quote mint %s", pool, quoteMint)
	}

	return reserves, nil
}
