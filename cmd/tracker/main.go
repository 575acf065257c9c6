package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/blockchain"
	"solana-wallet-tracker/internal/config"
	"solana-wallet-tracker/internal/control"
	"solana-wallet-tracker/internal/health"
	"solana-wallet-tracker/internal/metadata"
	"solana-wallet-tracker/internal/oracle"
	"solana-wallet-tracker/internal/storage"
	"solana-wallet-tracker/internal/storage/memory"
	"solana-wallet-tracker/internal/storage/postgres"
	"solana-wallet-tracker/internal/storage/sqlite"
	"solana-wallet-tracker/internal/tracker"
)

func main() {
	setupLogger()
	log.Info().Msg("🛰 Solana wallet tracker starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	log.Info().Str("driver", cfg.Get().Storage.Driver).Msg("storage ready")

	chain := blockchain.NewRPCClient(cfg.GetRPCURL(), cfg.GetFallbackRPCURL(), "")

	metaCfg := cfg.Get().Metadata
	meta := metadata.NewClient(metaCfg.BaseURL, cfg.GetMetadataAPIKey())
	if !meta.Enabled() {
		log.Warn().Str("env", metaCfg.APIKeyEnv).Msg("metadata api key not set, token enrichment disabled")
	}

	oracleCfg := cfg.Get().Oracle
	poller := oracle.NewPoller(oracleCfg.PriceAPIURL, store, time.Duration(oracleCfg.PollSeconds)*time.Second)
	go poller.Run(ctx)

	probes := []health.Probe{
		{Name: "rpc", Check: chain.Health},
		{Name: "storage", Check: store.Ping},
		health.EndpointProbe("stream", cfg.GetStreamURL()),
	}
	if meta.Enabled() {
		probes = append(probes, health.EndpointProbe("metadata", metaCfg.BaseURL))
	}
	checker := health.NewChecker(probes...)
	if !checker.Preflight(ctx) {
		log.Warn().Msg("⚠️ some dependencies failed preflight, continuing anyway")
	}
	checker.Start(ctx)

	tr := tracker.New(cfg, store, chain, meta)

	if addrs := trackedAddresses(); len(addrs) > 0 {
		if err := tr.SetAddresses(addrs); err != nil {
			log.Fatal().Err(err).Msg("invalid TRACKED_ADDRESSES")
		}
		if err := tr.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start tracker")
		}
		log.Info().Int("addresses", len(tr.GetAddresses())).Msg("✅ tracking started")
	} else {
		log.Info().Msg("no addresses configured, waiting for control API")
	}

	ctrlHost, ctrlPort := cfg.GetControlListen()
	server := control.NewServer(ctrlHost, ctrlPort, tr, checker, poller)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("control server failed")
		}
	}()
	log.Info().
		Str("host", ctrlHost).
		Int("port", ctrlPort).
		Msg("control server started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	if err := server.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("control server shutdown failed")
	}
	if err := tr.Stop(); err != nil {
		log.Warn().Err(err).Msg("tracker stop failed")
	}
	cancel()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("storage close failed")
	}
	log.Info().Msg("goodbye 👋")
}

func openStore(ctx context.Context, cfg *config.Manager) (storage.Store, error) {
	sc := cfg.Get().Storage
	switch sc.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.GetPostgresURL())
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(sc.SQLitePath)
	}
}

// trackedAddresses reads the initial wallet set from TRACKED_ADDRESSES,
// comma or whitespace separated. An empty variable means the tracker idles
// until addresses arrive over the control API.
func trackedAddresses() []string {
	raw := os.Getenv("TRACKED_ADDRESSES")
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
