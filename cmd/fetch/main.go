package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/history"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/market"

	"go.uber.org/zap"
)

const (
	defaultRequestDelay = 250 * time.Millisecond
	defaultEnvFile      = ".env"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	days := flag.Int("days", 0, "lookback days (default history.days)")
	assetsFlag := flag.String("assets", "", "comma separated assets overriding strategy.assets")
	delay := flag.Duration("delay", defaultRequestDelay, "pause between info requests")
	resume := flag.Bool("resume", false, "start each asset at its latest cached funding point")
	check := flag.Bool("check", false, "print the current funding snapshot and exit")
	flag.Parse()

	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	if *assetsFlag != "" {
		if err := config.OverrideAssets(cfg, *assetsFlag); err != nil {
			fatal(err)
		}
	}
	assets := cfg.Strategy.Assets

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	if *check {
		runCheck(ctx, restClient, assets, log)
		return
	}

	lookback := cfg.History.Days
	if *days > 0 {
		lookback = *days
	}
	end := time.Now().UTC().Truncate(time.Hour)
	start := end.AddDate(0, 0, -lookback)

	store, err := history.Open(cfg.History.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	fetcher := history.NewFetcher(restClient, store, cfg.History.CandleInterval, *delay, log)
	var stats []history.FetchStats
	for _, asset := range assets {
		from := start
		if *resume {
			if latest, ok, err := store.Latest(ctx, asset); err != nil {
				fatal(err)
			} else if ok && latest.After(from) {
				from = latest
			}
		}
		if !from.Before(end) {
			log.Info("history up to date", zap.String("asset", asset))
			continue
		}
		got, err := fetcher.Fetch(ctx, []string{asset}, from, end)
		stats = append(stats, got...)
		if err != nil {
			printStats(stats)
			fatal(err)
		}
	}
	printStats(stats)
}

// runCheck prints what the live loop would see on its next cycle.
func runCheck(ctx context.Context, restClient *rest.Client, assets []string, log *zap.Logger) {
	md := market.New(restClient, nil, 0, log)
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(err)
	}
	snap, err := md.Snapshot(ctx, assets)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("snapshot %s\n", snap.Time.Format(time.RFC3339))
	for _, asset := range assets {
		if reason, missing := snap.Missing[asset]; missing {
			fmt.Printf("  %-6s unavailable: %v\n", asset, reason)
			continue
		}
		perp, _ := md.PerpContext(asset)
		_, hasSpot := md.SpotContext(asset)
		fmt.Printf("  %-6s rate_8h=%+.6f mark=%.4f max_leverage=%.0fx sz_decimals=%d spot_listed=%t\n",
			asset, snap.Rates[asset], snap.Prices[asset], perp.MaxLeverage, perp.SzDecimals, hasSpot)
	}
}

func printStats(stats []history.FetchStats) {
	for _, s := range stats {
		span := "no funding points"
		if s.FundingPoints > 0 {
			span = s.FirstFunding.Format(time.RFC3339) + " .. " + s.LastFunding.Format(time.RFC3339)
		}
		fmt.Printf("%-6s funding=%d candles=%d %s\n", s.Asset, s.FundingPoints, s.Candles, span)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
