package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/config"
	"solana-wallet-tracker/internal/dex"
	"solana-wallet-tracker/internal/stream"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./tools/streamwatch <WALLET> [WALLET ...]")
		fmt.Println("Env:   STREAM_URL (required), STREAM_TOKEN (optional)")
		os.Exit(1)
	}
	addresses := os.Args[1:]

	// Load config
	cfg, err := config.NewManager("config/config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	url := cfg.GetStreamURL()
	if url == "" {
		log.Fatal().Str("env", cfg.Get().Stream.URLEnv).Msg("stream URL not set")
	}

	fmt.Println("🛰 STREAM WATCH")
	fmt.Println("===============")
	for _, a := range addresses {
		fmt.Printf("  %s\n", a)
	}
	fmt.Println("")

	scfg := stream.DefaultConfig()
	scfg.ReconnectDelay = cfg.GetReconnectDelay()
	scfg.ClearFilterWait = cfg.GetClearFilterWait()
	if ms := cfg.Get().Stream.PingIntervalMs; ms > 0 {
		scfg.PingInterval = time.Duration(ms) * time.Millisecond
	}
	client := stream.NewClient(url, scfg)
	decoder := dex.NewPayloadDecoder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := client.Subscribe(ctx, addresses)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("")
		client.Close()
	}()

	count := 0
	for n := range events {
		ev, err := decoder.Decode(n.Payload)
		if err != nil {
			log.Warn().Err(err).Str("signature", n.Signature).Msg("undecodable payload")
			continue
		}
		if ev == nil {
			continue
		}
		if ev.Signature == "" {
			ev.Signature = n.Signature
		}
		count++
		printEvent(n, ev)
	}

	fmt.Printf("\n%d events seen, bye 👋\n", count)
}

var dim = color.New(color.Faint)

func printEvent(n stream.Notification, ev *dex.Event) {
	ts := time.Now().Format("15:04:05")
	if n.CreatedAt != nil {
		ts = n.CreatedAt.Format("15:04:05")
	}
	head := fmt.Sprintf("%s slot=%-10d %-5s %s", ts, n.Slot, ev.Kind, shorten(ev.Signature))

	switch ev.Kind {
	case dex.KindBuy:
		sol, _ := ev.SolLegAmount()
		tok, _ := ev.TokenLegAmount()
		color.Green("%s  %s  %.4f SOL -> %.2f %s", head, shorten(ev.FeePayer), sol, tok, shorten(ev.TokenAddress()))
	case dex.KindSell:
		sol, _ := ev.SolLegAmount()
		tok, _ := ev.TokenLegAmount()
		color.Red("%s  %s  %.2f %s -> %.4f SOL", head, shorten(ev.FeePayer), tok, shorten(ev.TokenAddress()), sol)
	default:
		dim.Printf("%s  %s  %s\n", head, shorten(ev.FeePayer), ev.Platform)
	}
}

// shorten keeps log lines scannable; signatures and mints are 40+ chars.
func shorten(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:6] + ".." + s[len(s)-4:]
}
