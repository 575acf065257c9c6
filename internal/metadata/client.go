package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/httppool"
)

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("metadata api disabled: no api key")

const defaultPageSize = 40

// maxPages bounds creator pagination against a misbehaving API.
const maxPages = 100

// TokenInfo is the metadata the history API knows about a mint.
type TokenInfo struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Creator  string `json:"creator"`
}

// Client calls the token history API with HTTP/2 pooling. A client without
// an API key is disabled and returns ErrDisabled from every call.
type Client struct {
	baseURL    string
	network    string
	apiKey     string
	pageSize   int
	clientPool *httppool.Pool
}

// NewClient creates a history API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		network:    "mainnet-beta",
		apiKey:     apiKey,
		pageSize:   defaultPageSize,
		clientPool: httppool.New(2, 15*time.Second),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// TokenMetadata fetches name, symbol, and decimals for a mint
func (c *Client) TokenMetadata(ctx context.Context, mint string) (*TokenInfo, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	url := fmt.Sprintf("%s/token/get_info?network=%s&token_address=%s", c.baseURL, c.network, mint)

	var result struct {
		Success bool      `json:"success"`
		Message string    `json:"message"`
		Result  TokenInfo `json:"result"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("token info: %s", result.Message)
	}

	info := result.Result
	if info.Address == "" {
		info.Address = mint
	}
	return &info, nil
}

// CreatorTokenCount counts the distinct mints a creator has created,
// paginating until the API returns a short page.
func (c *Client) CreatorTokenCount(ctx context.Context, creator string) (int, error) {
	if !c.Enabled() {
		return 0, ErrDisabled
	}

	start := time.Now()
	seen := make(map[string]struct{})

	for page := 1; page <= maxPages; page++ {
		url := fmt.Sprintf("%s/token/created?network=%s&creator_address=%s&page=%d&size=%d",
			c.baseURL, c.network, creator, page, c.pageSize)

		var result struct {
			Success bool        `json:"success"`
			Message string      `json:"message"`
			Result  []TokenInfo `json:"result"`
		}
		if err := c.getJSON(ctx, url, &result); err != nil {
			return 0, err
		}
		if !result.Success {
			return 0, fmt.Errorf("creator tokens page %d: %s", page, result.Message)
		}

		for _, tok := range result.Result {
			if tok.Address != "" {
				seen[tok.Address] = struct{}{}
			}
		}

		// A short page means the listing is exhausted
		if len(result.Result) < c.pageSize {
			break
		}
	}

	log.Debug().
		Str("creator", creator).
		Int("tokens", len(seen)).
		Dur("latency", time.Since(start)).
		Msg("creator token count")

	return len(seen), nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("metadata api (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
