package report

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"hl-funding-arb/internal/replay"
)

// Sink persists a finished replay.
type Sink interface {
	WriteRun(ctx context.Context, res *replay.Result) error
}

const (
	TradesFile    = "trades.jsonl"
	FundingFile   = "funding.jsonl"
	EquityFile    = "equity.jsonl"
	PositionsFile = "positions.jsonl"
	SummaryFile   = "summary.json"
)

// JSONL writes one directory per run under Dir, named by run id. Output is a
// pure function of the result, so reruns produce identical files.
type JSONL struct {
	Dir string
}

func NewJSONL(dir string) *JSONL {
	return &JSONL{Dir: dir}
}

// RunDir is where WriteRun puts the files for res.
func (j *JSONL) RunDir(res *replay.Result) string {
	return filepath.Join(j.Dir, res.RunID)
}

func (j *JSONL) WriteRun(ctx context.Context, res *replay.Result) error {
	if res == nil || res.RunID == "" {
		return errors.New("report: result has no run id")
	}
	dir := j.RunDir(res)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeLines(ctx, filepath.Join(dir, TradesFile), len(res.Trades), func(i int) any { return res.Trades[i] }); err != nil {
		return err
	}
	if err := writeLines(ctx, filepath.Join(dir, FundingFile), len(res.Funding), func(i int) any { return res.Funding[i] }); err != nil {
		return err
	}
	if err := writeLines(ctx, filepath.Join(dir, EquityFile), len(res.Equity), func(i int) any { return res.Equity[i] }); err != nil {
		return err
	}
	if err := writeLines(ctx, filepath.Join(dir, PositionsFile), len(res.Closed), func(i int) any { return res.Closed[i] }); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, SummaryFile), append(payload, '\n'), 0o644)
}

func writeLines(ctx context.Context, path string, n int, item func(int) any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return err
		}
		if err := enc.Encode(item(i)); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
