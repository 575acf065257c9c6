package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"solana-wallet-tracker/internal/config"
	"solana-wallet-tracker/internal/storage/memory"
)

var trackerUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// wsCapture records every accountInclude filter the server sees.
type wsCapture struct {
	mu      sync.Mutex
	filters [][]string
}

func (c *wsCapture) add(addrs []string) {
	c.mu.Lock()
	c.filters = append(c.filters, addrs)
	c.mu.Unlock()
}

func (c *wsCapture) all() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.filters))
	copy(out, c.filters)
	return out
}

// newTrackerServer runs a fake stream endpoint. It confirms every subscribe
// request and pushes notify once after the first non-empty subscription.
func newTrackerServer(t *testing.T, capture *wsCapture, notify json.RawMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := trackerUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		subID := int64(100)
		sent := false
		for {
			var req struct {
				ID     uint64            `json:"id"`
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method != "transactionSubscribe" || len(req.Params) == 0 {
				continue
			}
			var filter struct {
				AccountInclude []string `json:"accountInclude"`
			}
			_ = json.Unmarshal(req.Params[0], &filter)
			capture.add(filter.AccountInclude)

			resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": subID}
			subID++
			if err := conn.WriteJSON(resp); err != nil {
				return
			}

			if !sent && notify != nil && len(filter.AccountInclude) > 0 {
				sent = true
				_ = conn.WriteMessage(websocket.TextMessage, notify)
			}
		}
	}))
}

func notification(slot uint64, sig string, payload json.RawMessage) json.RawMessage {
	n := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "transactionNotification",
		"params": map[string]interface{}{
			"subscription": 100,
			"result": map[string]interface{}{
				"context": map[string]interface{}{"slot": slot},
				"value": map[string]interface{}{
					"signature":   sig,
					"createdAt":   1700000200.25,
					"transaction": payload,
				},
			},
		},
	}
	raw, _ := json.Marshal(n)
	return raw
}

func newTestTracker(t *testing.T, wsURL string) (*Tracker, *memory.Store) {
	t.Helper()
	t.Setenv("STREAM_URL", wsURL)

	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	store := memory.New()
	tr := New(cfg, store, &fakeChain{reservesFn: steadyReserves(1000, 10)}, nil)
	return tr, store
}

func TestTrackerStartStreamsAndStops(t *testing.T) {
	capture := &wsCapture{}
	wallet, token, pool := testAddr(0xd1), testAddr(0xd2), testAddr(0xd3)
	server := newTrackerServer(t, capture, notification(777, "e2e-1", tradePayload("BUY", wallet, token, pool, "e2e-1")))
	defer server.Close()

	tr, store := newTestTracker(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	if err := tr.SetAddresses([]string{wallet}); err != nil {
		t.Fatalf("SetAddresses: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(); err == nil || err.Error() != "already running" {
		t.Fatalf("second Start = %v, want already running", err)
	}

	waitFor(t, func() bool {
		_, err := store.GetTransaction(context.Background(), "e2e-1")
		return err == nil
	})

	st := tr.Status()
	if !st.Running {
		t.Fatal("status should report running")
	}
	if st.LastSlot != 777 {
		t.Fatalf("lastSlot = %d, want 777", st.LastSlot)
	}
	waitFor(t, func() bool { return len(tr.Status().Sessions) == 1 })

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if tr.IsRunning() {
		t.Fatal("still running after Stop")
	}

	// Shutdown cancelled the session and persisted the terminal state.
	rec, err := store.GetSession(context.Background(), wallet, token)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.State != string(StateCancelled) || rec.CloseReason != "shutdown" {
		t.Fatalf("state/reason = %s/%s, want Cancelled/shutdown", rec.State, rec.CloseReason)
	}

	// The clean stop pushed an empty include filter before closing.
	filters := capture.all()
	if len(filters) < 2 {
		t.Fatalf("filters captured = %d, want subscribe plus clear", len(filters))
	}
	if got := filters[len(filters)-1]; len(got) != 0 {
		t.Fatalf("last filter = %v, want empty", got)
	}
}

func TestSetAddressesWhileRunning(t *testing.T) {
	capture := &wsCapture{}
	server := newTrackerServer(t, capture, nil)
	defer server.Close()

	tr, _ := newTestTracker(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	w1, w2, w3 := testAddr(0xd4), testAddr(0xd5), testAddr(0xd6)
	if err := tr.SetAddresses([]string{w1}); err != nil {
		t.Fatalf("SetAddresses: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	waitFor(t, func() bool { return len(capture.all()) == 1 })

	if err := tr.SetAddresses([]string{w2, w3, w2}); err != nil {
		t.Fatalf("SetAddresses live: %v", err)
	}
	waitFor(t, func() bool { return len(capture.all()) == 2 })
	second := capture.all()[1]
	if len(second) != 2 || second[0] != w2 || second[1] != w3 {
		t.Fatalf("updated filter = %v, want [%s %s]", second, w2, w3)
	}
	if got := tr.GetAddresses(); len(got) != 2 {
		t.Fatalf("GetAddresses = %v, want two entries", got)
	}
}

func TestSetAddressesEmptyStopsRunningTracker(t *testing.T) {
	capture := &wsCapture{}
	server := newTrackerServer(t, capture, nil)
	defer server.Close()

	tr, _ := newTestTracker(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	if err := tr.SetAddresses([]string{testAddr(0xd7)}); err != nil {
		t.Fatalf("SetAddresses: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return len(capture.all()) == 1 })

	if err := tr.SetAddresses(nil); err != nil {
		t.Fatalf("SetAddresses(nil): %v", err)
	}
	if tr.IsRunning() {
		t.Fatal("tracker should stop when the address list empties")
	}
}

func TestSetAddressesValidates(t *testing.T) {
	tr, _ := newTestTracker(t, "ws://127.0.0.1:0")

	if err := tr.SetAddresses([]string{"!!bad!!"}); err == nil {
		t.Fatal("invalid base58 must be rejected")
	}
	w := testAddr(0xd8)
	if err := tr.SetAddresses([]string{" " + w + " ", w, ""}); err != nil {
		t.Fatalf("SetAddresses: %v", err)
	}
	if got := tr.GetAddresses(); len(got) != 1 || got[0] != w {
		t.Fatalf("GetAddresses = %v, want [%s]", got, w)
	}
}

func TestStartRefusesWithoutAddresses(t *testing.T) {
	tr, _ := newTestTracker(t, "ws://127.0.0.1:0")
	err := tr.Start()
	if err == nil || err.Error() != "no addresses configured" {
		t.Fatalf("Start = %v, want no addresses configured", err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop on stopped tracker: %v", err)
	}
}
