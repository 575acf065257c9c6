package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config configures stream client behavior.
type Config struct {
	// ReconnectDelay is the pause before a reconnect attempt.
	ReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages, extended on pong.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// CheckpointRetries is how many consecutive no-progress reconnects may
	// resume from the slot checkpoint before falling back to the tip.
	CheckpointRetries int
	// ClearFilterWait is how long to let the server apply a cleared filter
	// before the socket closes.
	ClearFilterWait time.Duration
}

// DefaultConfig returns default stream configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		CheckpointRetries: 5,
		ClearFilterWait:   200 * time.Millisecond,
	}
}

// Filter selects which transactions the subscription delivers.
type Filter struct {
	Addresses        []string
	ExcludeAddresses []string
	Commitment       string
	Vote             bool
	Failed           bool
	// FromSlot resumes delivery from a slot checkpoint; zero means the tip.
	FromSlot uint64
}

// Notification is one transaction event from the stream.
type Notification struct {
	Slot      uint64
	Signature string
	// CreatedAt is the server emission timestamp when the provider sends one.
	CreatedAt *time.Time
	// Payload is the provider-parsed transaction, decoded downstream.
	Payload json.RawMessage
}

// Client maintains one transaction subscription over a websocket with
// checkpoint resume across reconnects.
type Client struct {
	url string
	cfg Config

	conn   *websocket.Conn
	connMu sync.Mutex

	addrs   []string
	addrsMu sync.RWMutex

	closed    atomic.Bool
	requestID atomic.Uint64
	lastSlot  atomic.Uint64
	subID     atomic.Int64

	// pendingSubs maps request ID to channel waiting for subscription ID
	pendingSubs   map[uint64]chan int64
	pendingSubsMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a stream client for the given websocket URL. Auth, when
// required, is already part of the URL query.
func NewClient(url string, cfg Config) *Client {
	return &Client{
		url:         url,
		cfg:         cfg,
		pendingSubs: make(map[uint64]chan int64),
		done:        make(chan struct{}),
	}
}

// LastSlot returns the slot checkpoint from the most recent notification.
func (c *Client) LastSlot() uint64 {
	return c.lastSlot.Load()
}

// SubscriptionID returns the current server-side subscription ID.
func (c *Client) SubscriptionID() int64 {
	return c.subID.Load()
}

// Addresses returns the current include-filter addresses.
func (c *Client) Addresses() []string {
	c.addrsMu.RLock()
	defer c.addrsMu.RUnlock()
	out := make([]string, len(c.addrs))
	copy(out, c.addrs)
	return out
}

// Run connects, subscribes to the given addresses, and invokes onEvent for
// every notification until Close or context cancellation. Stream errors
// reconnect after ReconnectDelay, resuming from the lastSlot checkpoint for
// up to CheckpointRetries consecutive no-progress attempts, then from the
// tip. The retry counter resets whenever a stream delivered at least one
// message.
func (c *Client) Run(ctx context.Context, addresses []string, onEvent func(Notification)) error {
	c.setAddresses(addresses)

	c.wg.Add(1)
	go c.pingLoop()

	retries := 0
	fromSlot := uint64(0)

	for {
		if c.closed.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		progressed, err := c.runOnce(ctx, fromSlot, onEvent)
		if c.closed.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Err(err).Msg("stream error")

		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}

		if progressed {
			retries = 0
		}
		if last := c.lastSlot.Load(); last > 0 && retries < c.cfg.CheckpointRetries {
			fromSlot = last
			retries++
		} else {
			fromSlot = 0
			retries = 0
		}

		log.Info().
			Uint64("fromSlot", fromSlot).
			Int("retries", retries).
			Msg("reconnecting stream")
	}
}

// Subscribe runs the stream in a goroutine and delivers notifications on a
// buffered channel. The channel closes when the stream stops.
func (c *Client) Subscribe(ctx context.Context, addresses []string) <-chan Notification {
	ch := make(chan Notification, 1024)
	go func() {
		defer close(ch)
		c.Run(ctx, addresses, func(n Notification) {
			select {
			case ch <- n:
			case <-ctx.Done():
			case <-c.done:
			}
		})
	}()
	return ch
}

// SetAddresses replaces the subscription filter on the live connection. With
// no connection up, the new list applies on the next (re)subscribe.
func (c *Client) SetAddresses(addresses []string) error {
	c.setAddresses(addresses)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}

	subID, err := c.sendSubscribe(addresses, 0, true)
	if err != nil {
		return err
	}
	c.subID.Store(subID)

	log.Info().
		Int("addresses", len(addresses)).
		Int64("subID", subID).
		Msg("stream filter updated")
	return nil
}

// Close clears the subscription filter, gives the server a moment to apply
// it, then closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	// Cooperative stop: clear the filter so the server releases resources
	// before the socket goes away.
	c.connMu.Lock()
	connected := c.conn != nil
	c.connMu.Unlock()
	if connected {
		if _, err := c.sendSubscribe([]string{}, 0, false); err != nil {
			log.Debug().Err(err).Msg("clear filter write failed")
		}
		time.Sleep(c.cfg.ClearFilterWait)
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failPending()
	c.wg.Wait()
	return nil
}

func (c *Client) setAddresses(addresses []string) {
	c.addrsMu.Lock()
	c.addrs = make([]string, len(addresses))
	copy(c.addrs, addresses)
	c.addrsMu.Unlock()
}

// runOnce dials, subscribes, and reads until the connection fails. Reports
// whether at least one notification arrived on this connection.
func (c *Client) runOnce(ctx context.Context, fromSlot uint64, onEvent func(Notification)) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	if _, err := c.sendSubscribe(c.Addresses(), fromSlot, false); err != nil {
		return false, err
	}

	progressed := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return progressed, err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if n, ok := c.handleMessage(message); ok {
			c.lastSlot.Store(n.Slot)
			progressed = true
			onEvent(n)
		}
	}
}

// sendSubscribe writes a transactionSubscribe request. With await set it
// blocks for the confirmation and returns the subscription ID.
func (c *Client) sendSubscribe(addresses []string, fromSlot uint64, await bool) (int64, error) {
	if addresses == nil {
		addresses = []string{}
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "transactionSubscribe",
		Params: []interface{}{
			txFilter{
				AccountInclude: addresses,
				Vote:           false,
				Failed:         false,
				FromSlot:       fromSlot,
			},
			txOptions{Commitment: "confirmed"},
		},
	}

	var confirmCh chan int64
	if await {
		confirmCh = make(chan int64, 1)
		c.pendingSubsMu.Lock()
		c.pendingSubs[reqID] = confirmCh
		c.pendingSubsMu.Unlock()
	}

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		c.dropPending(reqID)
		return 0, fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := conn.WriteJSON(req)
	c.connMu.Unlock()

	if err != nil {
		c.dropPending(reqID)
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	if !await {
		return 0, nil
	}

	select {
	case subID, ok := <-confirmCh:
		if !ok {
			return 0, fmt.Errorf("client closed")
		}
		return subID, nil
	case <-time.After(10 * time.Second):
		c.dropPending(reqID)
		return 0, fmt.Errorf("subscription confirm timeout")
	case <-c.done:
		return 0, fmt.Errorf("client closed")
	}
}

// handleMessage parses one inbound frame; the second return reports whether
// it produced a notification.
func (c *Client) handleMessage(message []byte) (Notification, bool) {
	// Subscription confirmations carry an integer result
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.Result > 0 {
		c.handleSubscribeResponse(&resp)
		return Notification{}, false
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "transactionNotification" {
		if notif.Params == nil {
			return Notification{}, false
		}

		n := Notification{
			Signature: notif.Params.Result.Value.Signature,
			Payload:   notif.Params.Result.Value.Transaction,
		}
		if notif.Params.Result.Context != nil {
			n.Slot = notif.Params.Result.Context.Slot
		}
		if ts := notif.Params.Result.Value.CreatedAt; ts != nil {
			sec := int64(*ts)
			nsec := int64((*ts - float64(sec)) * 1e9)
			t := time.Unix(sec, nsec)
			n.CreatedAt = &t
		}
		return n, true
	}

	var errResp struct {
		ID    uint64 `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(message, &errResp); err == nil && errResp.Error != nil {
		log.Warn().
			Int("code", errResp.Error.Code).
			Str("message", errResp.Error.Message).
			Msg("stream error response")
		c.dropPending(errResp.ID)
	}

	return Notification{}, false
}

func (c *Client) handleSubscribeResponse(resp *wsSubscribeResponse) {
	c.pendingSubsMu.Lock()
	ch, ok := c.pendingSubs[resp.ID]
	if ok {
		delete(c.pendingSubs, resp.ID)
	}
	c.pendingSubsMu.Unlock()

	if ok {
		select {
		case ch <- resp.Result:
		default:
		}
		return
	}

	// Confirmation for the connection's own subscribe
	c.subID.Store(resp.Result)
	log.Info().
		Int64("subID", resp.Result).
		Int("addresses", len(c.Addresses())).
		Msg("🛰 stream subscribed")
}

func (c *Client) dropPending(reqID uint64) {
	c.pendingSubsMu.Lock()
	delete(c.pendingSubs, reqID)
	c.pendingSubsMu.Unlock()
}

func (c *Client) failPending() {
	c.pendingSubsMu.Lock()
	for id, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, the reader handles reconnect
				}
			}
			c.connMu.Unlock()
		}
	}
}

// Websocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type txFilter struct {
	AccountInclude []string `json:"accountInclude"`
	AccountExclude []string `json:"accountExclude,omitempty"`
	Vote           bool     `json:"vote"`
	Failed         bool     `json:"failed"`
	FromSlot       uint64   `json:"fromSlot,omitempty"`
}

type txOptions struct {
	Commitment string `json:"commitment"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"` // subscription ID
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext `json:"context"`
	Value   wsTxValue  `json:"value"`
}

type wsContext struct {
	Slot uint64 `json:"slot"`
}

type wsTxValue struct {
	Signature string `json:"signature"`
	// CreatedAt is epoch seconds with fractional precision
	CreatedAt   *float64        `json:"createdAt"`
	Transaction json.RawMessage `json:"transaction"`
}
