package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FundingPoint is one settled funding rate as the exchange reported it.
type FundingPoint struct {
	Time time.Time
	Rate float64
}

type PricePoint struct {
	Time  time.Time
	Price float64
}

// Store is the sqlite cache of historical funding rates and prices that feeds
// replay runs.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create history dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS funding_history (
			asset TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			rate REAL NOT NULL,
			PRIMARY KEY (asset, ts_ms)
		)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			asset TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			price REAL NOT NULL,
			PRIMARY KEY (asset, ts_ms)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertFunding(ctx context.Context, asset string, points []FundingPoint) error {
	return s.upsert(ctx, `INSERT INTO funding_history (asset, ts_ms, rate) VALUES (?, ?, ?)
		ON CONFLICT(asset, ts_ms) DO UPDATE SET rate = excluded.rate`,
		asset, len(points), func(i int) (int64, float64) { return points[i].Time.UnixMilli(), points[i].Rate })
}

func (s *Store) UpsertPrices(ctx context.Context, asset string, points []PricePoint) error {
	return s.upsert(ctx, `INSERT INTO price_history (asset, ts_ms, price) VALUES (?, ?, ?)
		ON CONFLICT(asset, ts_ms) DO UPDATE SET price = excluded.price`,
		asset, len(points), func(i int) (int64, float64) { return points[i].Time.UnixMilli(), points[i].Price })
}

func (s *Store) upsert(ctx context.Context, query, asset string, n int, row func(int) (int64, float64)) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		ts, v := row(i)
		if _, err := stmt.ExecContext(ctx, asset, ts, v); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Funding returns the points for asset with start <= time < end, oldest first.
// A zero end means no upper bound.
func (s *Store) Funding(ctx context.Context, asset string, start, end time.Time) ([]FundingPoint, error) {
	rows, err := s.query(ctx, `SELECT ts_ms, rate FROM funding_history`, asset, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]FundingPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, FundingPoint{Time: r.ts, Rate: r.v})
	}
	return out, nil
}

func (s *Store) Prices(ctx context.Context, asset string, start, end time.Time) ([]PricePoint, error) {
	rows, err := s.query(ctx, `SELECT ts_ms, price FROM price_history`, asset, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]PricePoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, PricePoint{Time: r.ts, Price: r.v})
	}
	return out, nil
}

type row struct {
	ts time.Time
	v  float64
}

func (s *Store) query(ctx context.Context, base, asset string, start, end time.Time) ([]row, error) {
	endMS := int64(1<<63 - 1)
	if !end.IsZero() {
		endMS = end.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, base+` WHERE asset = ? AND ts_ms >= ? AND ts_ms < ? ORDER BY ts_ms`,
		asset, start.UnixMilli(), endMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row
	for rows.Next() {
		var ms int64
		var v float64
		if err := rows.Scan(&ms, &v); err != nil {
			return nil, err
		}
		out = append(out, row{ts: time.UnixMilli(ms).UTC(), v: v})
	}
	return out, rows.Err()
}

// Latest returns the newest funding timestamp cached for asset.
func (s *Store) Latest(ctx context.Context, asset string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ts_ms) FROM funding_history WHERE asset = ?`, asset).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

// Assets lists every asset with cached funding data.
func (s *Store) Assets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT asset FROM funding_history ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, rows.Err()
}
