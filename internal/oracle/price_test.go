package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"solana-wallet-tracker/internal/storage/memory"
)

func TestFetchSolPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != SOLMint {
			t.Errorf("expected ids=%s, got %s", SOLMint, got)
		}
		fmt.Fprintf(w, `{"%s":{"usdPrice":185.5,"decimals":9}}`, SOLMint)
	}))
	defer server.Close()

	poller := NewPoller(server.URL, memory.New(), time.Minute)

	price, err := poller.FetchSolPrice(context.Background())
	if err != nil {
		t.Fatalf("FetchSolPrice failed: %v", err)
	}
	if price != 185.5 {
		t.Errorf("expected 185.5, got %v", price)
	}
}

func TestFetchSolPrice_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"missing mint", http.StatusOK, `{"OtherMint":{"usdPrice":1.0}}`},
		{"zero price", http.StatusOK, fmt.Sprintf(`{"%s":{"usdPrice":0}}`, SOLMint)},
		{"malformed", http.StatusOK, `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			poller := NewPoller(server.URL, memory.New(), time.Minute)
			if _, err := poller.FetchSolPrice(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestRunPersistsQuotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"%s":{"usdPrice":200.25}}`, SOLMint)
	}))
	defer server.Close()

	store := memory.New()
	poller := NewPoller(server.URL, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if price, err := store.GetLatestSolPrice(context.Background()); err == nil {
			if price != 200.25 {
				t.Fatalf("expected 200.25, got %v", price)
			}
			if last, at, ok := poller.Last(); !ok || last != 200.25 || at.IsZero() {
				t.Fatalf("expected cached quote, got %v %v %v", last, at, ok)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for persisted quote")
}

func TestRunKeepsPreviousQuoteOnFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprintf(w, `{"%s":{"usdPrice":150.0}}`, SOLMint)
			return
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	store := memory.New()
	poller := NewPoller(server.URL, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	price, err := store.GetLatestSolPrice(context.Background())
	if err != nil {
		t.Fatalf("GetLatestSolPrice: %v", err)
	}
	if price != 150.0 {
		t.Errorf("expected previous quote 150.0 to survive failures, got %v", price)
	}
}
