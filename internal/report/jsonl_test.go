package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/replay"
	"hl-funding-arb/internal/strategy"
)

func testResult(t *testing.T) *replay.Result {
	t.Helper()
	cfg := &config.Config{
		Strategy: config.StrategyConfig{
			Assets:               []string{"BTC"},
			FundingRateThreshold: 0.0001,
			RebalanceThreshold:   0.05,
			MaxPositionUSD:       5000,
			MinPositionUSD:       100,
			Leverage:             2,
		},
		Risk:     config.RiskConfig{LiquidationBuffer: 0.3, MaxSlippage: 0.001, MaxEquityFraction: 0.8},
		Exec:     config.ExecConfig{MaxAttempts: 1},
		Backtest: config.BacktestConfig{InitialCapital: 10000, FeeRate: 0.0002},
	}
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var series replay.Series
	for i := 0; i < 6; i++ {
		snap := market.NewSnapshot(start.Add(time.Duration(i) * strategy.FundingInterval))
		snap.Set("BTC", 0.0003, 60000+float64(i)*100)
		series = append(series, snap)
	}
	res, err := replay.New(cfg, nil).Run(context.Background(), series)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return res
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if !json.Valid(sc.Bytes()) {
			t.Fatalf("%s line %d is not json: %s", path, n+1, sc.Text())
		}
		n++
	}
	return n
}

func TestJSONLWritesRun(t *testing.T) {
	res := testResult(t)
	sink := NewJSONL(t.TempDir())
	if err := sink.WriteRun(context.Background(), res); err != nil {
		t.Fatalf("write run: %v", err)
	}
	dir := sink.RunDir(res)
	if got := countLines(t, filepath.Join(dir, TradesFile)); got != len(res.Trades) {
		t.Fatalf("expected %d trade lines, got %d", len(res.Trades), got)
	}
	if got := countLines(t, filepath.Join(dir, FundingFile)); got != 6 {
		t.Fatalf("expected 6 funding lines, got %d", got)
	}
	if got := countLines(t, filepath.Join(dir, EquityFile)); got != 6 {
		t.Fatalf("expected 6 equity lines, got %d", got)
	}
	if got := countLines(t, filepath.Join(dir, PositionsFile)); got != 1 {
		t.Fatalf("expected 1 closed position, got %d", got)
	}

	raw, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var decoded struct {
		RunID   string         `json:"run_id"`
		Periods int            `json:"periods"`
		Summary replay.Summary `json:"summary"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if decoded.RunID != res.RunID || decoded.Periods != 6 {
		t.Fatalf("unexpected summary header: %+v", decoded)
	}
	if decoded.Summary.FundingCollected <= 0 {
		t.Fatalf("expected positive funding, got %v", decoded.Summary.FundingCollected)
	}
}

func TestJSONLIsByteIdenticalAcrossRuns(t *testing.T) {
	first := NewJSONL(t.TempDir())
	second := NewJSONL(t.TempDir())
	resA, resB := testResult(t), testResult(t)
	if err := first.WriteRun(context.Background(), resA); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := second.WriteRun(context.Background(), resB); err != nil {
		t.Fatalf("write second: %v", err)
	}
	for _, name := range []string{TradesFile, FundingFile, EquityFile, PositionsFile, SummaryFile} {
		a, err := os.ReadFile(filepath.Join(first.RunDir(resA), name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		b, err := os.ReadFile(filepath.Join(second.RunDir(resB), name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("%s differs between identical runs", name)
		}
	}
}

func TestJSONLRequiresRunID(t *testing.T) {
	if err := NewJSONL(t.TempDir()).WriteRun(context.Background(), &replay.Result{}); err == nil {
		t.Fatalf("expected error for result without run id")
	}
}
