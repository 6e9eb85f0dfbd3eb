package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/history"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/replay"
	"hl-funding-arb/internal/report"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	startFlag := flag.String("start", "", "replay start (2006-01-02 or RFC3339); defaults to -days before -end")
	endFlag := flag.String("end", "", "replay end (2006-01-02 or RFC3339); defaults to now")
	days := flag.Int("days", 0, "lookback days when -start is empty (default history.days)")
	assets := flag.String("assets", "", "comma separated assets overriding strategy.assets")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *assets != "" {
		if err := config.OverrideAssets(cfg, *assets); err != nil {
			fatal(err)
		}
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	end := time.Now().UTC().Truncate(time.Hour)
	if *endFlag != "" {
		if end, err = parseTime(*endFlag); err != nil {
			fatal(err)
		}
	}
	lookback := cfg.History.Days
	if *days > 0 {
		lookback = *days
	}
	start := end.AddDate(0, 0, -lookback)
	if *startFlag != "" {
		if start, err = parseTime(*startFlag); err != nil {
			fatal(err)
		}
	}
	if !start.Before(end) {
		fatal(fmt.Errorf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.History.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	log.Info("backtest starting",
		zap.Strings("assets", cfg.Strategy.Assets),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Float64("initial_capital", cfg.Backtest.InitialCapital),
	)
	res, err := replay.New(cfg, log).Run(ctx, history.NewSource(store, cfg.Strategy.Assets, start, end))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("backtest interrupted")
		}
		fatal(err)
	}

	jsonl := report.NewJSONL(cfg.Backtest.OutputDir)
	if err := jsonl.WriteRun(ctx, res); err != nil {
		fatal(err)
	}
	ts, err := report.NewTimescale(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale unavailable, run not exported", zap.Error(err))
	} else if ts != nil {
		if err := ts.WriteRun(ctx, res); err != nil {
			log.Warn("timescale export failed", zap.Error(err))
		}
		_ = ts.Close()
	}

	printSummary(res, jsonl.RunDir(res))
}

func printSummary(res *replay.Result, dir string) {
	s := res.Summary
	fmt.Printf("run %s: %s .. %s (%d periods)\n", res.RunID, res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339), res.Periods)
	fmt.Printf("  equity           %.2f -> %.2f\n", s.InitialCapital, s.FinalEquity)
	fmt.Printf("  return           %.2f%% (annualized %.2f%%)\n", s.TotalReturnPct, s.AnnualizedReturnPct)
	fmt.Printf("  max drawdown     %.2f%%\n", s.MaxDrawdownPct)
	fmt.Printf("  sharpe           %.2f\n", s.Sharpe)
	fmt.Printf("  funding          %.2f\n", s.FundingCollected)
	fmt.Printf("  fees             %.2f\n", s.FeesPaid)
	fmt.Printf("  price pnl        %.2f\n", s.PricePnL)
	fmt.Printf("  trades           %d\n", s.Trades)
	fmt.Printf("  positions closed %d (win rate %.1f%%)\n", s.PositionsClosed, s.WinRate*100)
	if res.CycleErrors > 0 || res.Rejections > 0 {
		fmt.Printf("  cycle errors     %d, rejections %d\n", res.CycleErrors, res.Rejections)
	}
	fmt.Printf("  output           %s\n", dir)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want 2006-01-02 or RFC3339", raw)
	}
	return t.UTC(), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
