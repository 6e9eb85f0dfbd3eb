package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/replay"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PositionRecord is one live position as seen at the end of a cycle.
type PositionRecord struct {
	Time               time.Time
	Asset              string
	Status             string
	Direction          string
	FundingRate        float64
	MarkPrice          float64
	SpotQty            float64
	PerpQty            float64
	LiquidationPrice   float64
	AccumulatedFunding float64
}

type AccountRecord struct {
	Time          time.Time
	Equity        float64
	UsedMargin    float64
	OpenPositions int
	Halted        int
	Errors        int
}

// Timescale stores replay runs and live cycle snapshots in TimescaleDB. Replay
// runs are written synchronously; live records go through bounded queues and
// are dropped rather than block a cycle.
type Timescale struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	writeTimeout time.Duration
	positions    chan PositionRecord
	accounts     chan AccountRecord
	started      atomic.Bool
	dropPos      atomic.Uint64
	dropAcct     atomic.Uint64
}

var _ Sink = (*Timescale)(nil)

// NewTimescale returns nil, nil when the sink is disabled.
func NewTimescale(cfg config.TimescaleConfig, log *zap.Logger) (*Timescale, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	ts := &Timescale{
		db:           db,
		log:          log,
		schema:       schema,
		writeTimeout: writeTimeout,
		positions:    make(chan PositionRecord, queueSize),
		accounts:     make(chan AccountRecord, queueSize),
	}
	if err := ts.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ts, nil
}

func (w *Timescale) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Timescale) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Timescale) EnqueuePosition(rec PositionRecord) {
	if w == nil {
		return
	}
	select {
	case w.positions <- rec:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Timescale) EnqueueAccount(rec AccountRecord) {
	if w == nil {
		return
	}
	select {
	case w.accounts <- rec:
	default:
		if w.dropAcct.Add(1) == 1 {
			w.log.Warn("timescale account queue full")
		}
	}
}

func (w *Timescale) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.positions:
			w.writePosition(ctx, rec)
		case rec := <-w.accounts:
			w.writeAccount(ctx, rec)
		}
	}
}

// WriteRun stores a replay run in one transaction. Rows are keyed by run id, so
// writing the same run twice leaves a single copy.
func (w *Timescale) WriteRun(ctx context.Context, res *replay.Result) error {
	if w == nil || w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if res == nil || res.RunID == "" {
		return errors.New("report: result has no run id")
	}
	summary, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		run_id, start_ts, end_ts, periods, final_equity, total_return_pct, sharpe, summary
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_id) DO UPDATE SET summary = EXCLUDED.summary`, w.table("backtest_runs")),
		res.RunID, res.Start, res.End, res.Periods,
		res.Summary.FinalEquity, res.Summary.TotalReturnPct, res.Summary.Sharpe, string(summary),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	trade, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		ts, run_id, seq, asset, action, leg, side, qty, price, fee, price_pnl, realized_pnl, cloid
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT DO NOTHING`, w.table("backtest_trades")))
	if err != nil {
		return err
	}
	defer trade.Close()
	for _, tr := range res.Trades {
		if _, err := trade.ExecContext(ctx, tr.Time, res.RunID, tr.Seq, tr.Asset, tr.Action, string(tr.Leg), tr.Side,
			tr.Qty, tr.Price, tr.Fee, tr.PricePnL, tr.RealizedPnL, tr.ClientOrderID); err != nil {
			return fmt.Errorf("insert trade %d: %w", tr.Seq, err)
		}
	}

	funding, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		ts, run_id, asset, period, rate, perp_qty, mark, amount
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT DO NOTHING`, w.table("backtest_funding")))
	if err != nil {
		return err
	}
	defer funding.Close()
	for _, p := range res.Funding {
		if _, err := funding.ExecContext(ctx, p.Time, res.RunID, p.Asset, p.Period, p.Rate, p.PerpQty, p.Mark, p.Amount); err != nil {
			return fmt.Errorf("insert funding %s/%d: %w", p.Asset, p.Period, err)
		}
	}

	equity, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		ts, run_id, equity, cash, used_margin, open_positions
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT DO NOTHING`, w.table("backtest_equity")))
	if err != nil {
		return err
	}
	defer equity.Close()
	for _, pt := range res.Equity {
		if _, err := equity.ExecContext(ctx, pt.Time, res.RunID, pt.Equity, pt.Cash, pt.UsedMargin, pt.OpenPositions); err != nil {
			return fmt.Errorf("insert equity: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Timescale) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		start_ts TIMESTAMPTZ NOT NULL,
		end_ts TIMESTAMPTZ NOT NULL,
		periods INTEGER NOT NULL,
		final_equity DOUBLE PRECISION NOT NULL,
		total_return_pct DOUBLE PRECISION NOT NULL,
		sharpe DOUBLE PRECISION NOT NULL,
		summary JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, w.table("backtest_runs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		asset TEXT NOT NULL,
		action TEXT NOT NULL,
		leg TEXT NOT NULL,
		side TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		fee DOUBLE PRECISION NOT NULL,
		price_pnl DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		cloid TEXT NOT NULL,
		PRIMARY KEY (run_id, seq, ts)
	)`, w.table("backtest_trades")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		period BIGINT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		mark DOUBLE PRECISION NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, asset, period, ts)
	)`, w.table("backtest_funding")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		cash DOUBLE PRECISION NOT NULL,
		used_margin DOUBLE PRECISION NOT NULL,
		open_positions INTEGER NOT NULL,
		PRIMARY KEY (run_id, ts)
	)`, w.table("backtest_equity")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		status TEXT NOT NULL,
		direction TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		liquidation_price DOUBLE PRECISION NOT NULL,
		accumulated_funding DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		equity DOUBLE PRECISION NOT NULL,
		used_margin DOUBLE PRECISION NOT NULL,
		open_positions INTEGER NOT NULL,
		halted INTEGER NOT NULL,
		errors INTEGER NOT NULL
	)`, w.table("account_snapshots")),
	}
	for _, stmt := range tables {
		if err := w.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"backtest_trades", "backtest_funding", "backtest_equity", "position_snapshots", "account_snapshots"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Timescale) writePosition(ctx context.Context, rec PositionRecord) {
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, status, direction, funding_rate, mark_price, spot_qty, perp_qty,
		liquidation_price, accumulated_funding
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Asset,
		rec.Status,
		rec.Direction,
		rec.FundingRate,
		rec.MarkPrice,
		rec.SpotQty,
		rec.PerpQty,
		rec.LiquidationPrice,
		rec.AccumulatedFunding,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Timescale) writeAccount(ctx context.Context, rec AccountRecord) {
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, equity, used_margin, open_positions, halted, errors
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)`, w.table("account_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Equity,
		rec.UsedMargin,
		rec.OpenPositions,
		rec.Halted,
		rec.Errors,
	); err != nil {
		w.log.Warn("timescale account insert failed", zap.Error(err))
	}
}

func (w *Timescale) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Timescale) table(name string) string {
	return w.schema + "." + name
}
