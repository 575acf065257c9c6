package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/blockchain"
	"solana-wallet-tracker/internal/config"
	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/metadata"
	"solana-wallet-tracker/internal/storage"
	"solana-wallet-tracker/internal/stream"
)

// ChainReader is the slice of the chain RPC client the tracker consumes.
type ChainReader interface {
	GetTokenSupply(ctx context.Context, mint string) (*blockchain.TokenSupply, error)
	GetPoolReserves(ctx context.Context, pool, baseMint, quoteMint string) (*blockchain.PoolReserves, error)
	GetAllTokenAccounts(ctx context.Context, owner string) ([]blockchain.TokenAccountInfo, error)
}

// CreatorCounter counts the tokens a creator wallet has minted.
type CreatorCounter interface {
	CreatorTokenCount(ctx context.Context, creator string) (int, error)
}

// MetadataAPI is the metadata service surface the tracker consumes.
type MetadataAPI interface {
	CreatorCounter
	TokenMetadata(ctx context.Context, mint string) (*metadata.TokenInfo, error)
}

// Tracker supervises the stream consumer loop and the component lifecycles
// hanging off it. Start and Stop bracket one streaming run; the address set
// survives across runs.
type Tracker struct {
	cfg      *config.Manager
	store    storage.Store
	chain    ChainReader
	meta     MetadataAPI
	registry *FirstEventRegistry
	monitor  *PoolMonitor
	enrich   *Enrichment

	mu        sync.Mutex
	running   bool
	addresses []string
	client    *stream.Client
	queue     *TokenQueue
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// New wires a tracker from its collaborators.
func New(cfg *config.Manager, store storage.Store, chain ChainReader, meta MetadataAPI) *Tracker {
	registry := NewFirstEventRegistry(store)
	monitor := NewPoolMonitor(store, chain, registry, MonitorConfig{
		MaxDuration:    cfg.GetMaxMonitoringDuration(),
		SampleInterval: cfg.GetSampleInterval(),
		ErrorLimit:     cfg.Get().Monitoring.SamplerErrorLimit,
	})

	var creators CreatorCounter
	if meta != nil {
		creators = meta
	}
	enrich := NewEnrichment(store, chain, registry, creators, cfg.GetCreatorCountDelay())

	return &Tracker{
		cfg:      cfg,
		store:    store,
		chain:    chain,
		meta:     meta,
		registry: registry,
		monitor:  monitor,
		enrich:   enrich,
	}
}

// SetAddresses validates, dedupes and stores the tracked wallet set. While
// running, the live subscription filter is updated in place; an empty list
// stops the tracker.
func (t *Tracker) SetAddresses(list []string) error {
	cleaned := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			continue
		}
		if !validAddress(addr) {
			return fmt.Errorf("invalid address: %s", addr)
		}
		seen[addr] = true
		cleaned = append(cleaned, addr)
	}

	t.mu.Lock()
	t.addresses = cleaned
	running := t.running
	client := t.client
	t.mu.Unlock()

	log.Info().Int("count", len(cleaned)).Msg("tracked address list updated")

	if !running {
		return nil
	}
	if len(cleaned) == 0 {
		log.Warn().Msg("address list emptied while running, stopping tracker")
		return t.Stop()
	}
	return client.SetAddresses(cleaned)
}

// GetAddresses returns a copy of the tracked wallet set.
func (t *Tracker) GetAddresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.addresses))
	copy(out, t.addresses)
	return out
}

// IsRunning reports whether the stream loop is up.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// ErrAlreadyRunning is returned by Start on a running tracker.
var ErrAlreadyRunning = errors.New("already running")

// ErrNoAddresses is returned by Start with an empty address list.
var ErrNoAddresses = errors.New("no addresses configured")

// Start begins streaming and routing events for the configured addresses.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(t.addresses) == 0 {
		t.mu.Unlock()
		return ErrNoAddresses
	}
	addrs := append([]string(nil), t.addresses...)

	ctx, cancel := context.WithCancel(context.Background())

	scfg := stream.DefaultConfig()
	scfg.ReconnectDelay = t.cfg.GetReconnectDelay()
	scfg.ClearFilterWait = t.cfg.GetClearFilterWait()
	if n := t.cfg.Get().Stream.CheckpointRetries; n > 0 {
		scfg.CheckpointRetries = n
	}
	if ms := t.cfg.Get().Stream.PingIntervalMs; ms > 0 {
		scfg.PingInterval = time.Duration(ms) * time.Millisecond
	}
	client := stream.NewClient(t.cfg.GetStreamURL(), scfg)

	queue := NewTokenQueue(t.resolveToken)
	queue.Start(ctx)

	router := NewRouter(dex.NewPayloadDecoder(), t.store, t.enrich, t.monitor, queue)

	done := make(chan struct{})
	t.client = client
	t.queue = queue
	t.cancel = cancel
	t.loopDone = done
	t.running = true
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := client.Run(ctx, addrs, func(n stream.Notification) {
			router.Route(ctx, n)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("stream loop exited")
		}
	}()

	log.Info().Int("addresses", len(addrs)).Msg("🛰 tracker started")
	return nil
}

// Stop shuts the tracker down: clear the stream filter and close the
// socket, stop the metadata queue, let in-flight event forks land, cancel
// every monitoring session, then join the stream loop. Idempotent; pending
// fire-and-forget enrichment goroutines are not awaited.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	client := t.client
	queue := t.queue
	cancel := t.cancel
	done := t.loopDone
	t.client = nil
	t.queue = nil
	t.cancel = nil
	t.loopDone = nil
	t.mu.Unlock()

	log.Info().Msg("stopping tracker")

	client.Close()
	queue.Stop()

	// Cleanup window: in-flight event forks get a moment to reach their
	// session or store writes before the base context dies.
	time.Sleep(t.cfg.GetCleanupWait())

	t.monitor.CancelAll()

	cancel()
	<-done

	log.Info().Msg("✅ tracker stopped")
	return nil
}

// Status is a point-in-time view of the tracker runtime.
type Status struct {
	Running    bool          `json:"running"`
	Addresses  []string      `json:"addresses"`
	LastSlot   uint64        `json:"lastSlot"`
	QueueDepth int           `json:"queueDepth"`
	Sessions   []SessionView `json:"sessions"`
}

// Status snapshots the runtime for the control surface.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	st := Status{
		Running:   t.running,
		Addresses: append([]string(nil), t.addresses...),
	}
	if t.client != nil {
		st.LastSlot = t.client.LastSlot()
	}
	if t.queue != nil {
		st.QueueDepth = t.queue.Len()
	}
	t.mu.Unlock()

	st.Sessions = t.monitor.Sessions()
	return st
}

// CancelSession stops one monitoring session. Returns false when no session
// exists for the pair.
func (t *Tracker) CancelSession(wallet, token string) bool {
	return t.monitor.Cancel(wallet, token)
}

// ForgetPair clears the first-event cache for a pair so the next lookup
// reads the store again.
func (t *Tracker) ForgetPair(wallet, token string) {
	t.registry.Forget(wallet, token)
}

// resolveToken is the queue worker's enrich function. It fetches mint
// metadata and stores it; mints already resolved are skipped.
func (t *Tracker) resolveToken(ctx context.Context, mint string) error {
	if md, err := t.store.GetTokenMetadata(ctx, mint); err == nil && md.Name != "" {
		return nil
	}
	if t.meta == nil {
		return nil
	}

	info, err := t.meta.TokenMetadata(ctx, mint)
	if err != nil {
		if errors.Is(err, metadata.ErrDisabled) {
			log.Debug().Str("mint", truncateStr(mint, 8)).Msg("metadata API not configured, skipping resolution")
			return nil
		}
		return err
	}

	err = t.store.SaveTokenMetadata(ctx, &storage.TokenMetadata{
		Mint:      mint,
		Name:      info.Name,
		Symbol:    info.Symbol,
		Decimals:  int(info.Decimals),
		Creator:   info.Creator,
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("mint", truncateStr(mint, 8)).Str("symbol", info.Symbol).Msg("token metadata resolved")
	return nil
}

// truncateStr shortens long identifiers for log output.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
