package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hl-funding-arb/internal/hl/rest"

	"go.uber.org/zap"
)

// Candle is one candleSnapshot bar.
type Candle struct {
	Asset    string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type fundingRow struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Premium     string `json:"premium"`
	Time        int64  `json:"time"`
}

type candleRow struct {
	T int64  `json:"t"`
	S string `json:"s"`
	I string `json:"i"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
}

// InfoClient is the slice of the REST client the fetcher needs.
type InfoClient interface {
	InfoInto(ctx context.Context, req any, out any) error
}

type FetchStats struct {
	Asset         string
	FundingPoints int
	Candles       int
	FirstFunding  time.Time
	LastFunding   time.Time
}

// Fetcher pulls fundingHistory and candleSnapshot pages into the Store.
type Fetcher struct {
	info     InfoClient
	store    *Store
	log      *zap.Logger
	interval string
	delay    time.Duration
}

func NewFetcher(info InfoClient, store *Store, interval string, delay time.Duration, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval == "" {
		interval = "1h"
	}
	return &Fetcher{info: info, store: store, log: log, interval: interval, delay: delay}
}

// Fetch caches [start, end) for every asset. Requests are paced by the
// configured delay to stay under the info endpoint's rate limit.
func (f *Fetcher) Fetch(ctx context.Context, assets []string, start, end time.Time) ([]FetchStats, error) {
	out := make([]FetchStats, 0, len(assets))
	for _, asset := range assets {
		stats, err := f.fetchAsset(ctx, asset, start, end)
		if err != nil {
			return out, fmt.Errorf("%s: %w", asset, err)
		}
		f.log.Info("history fetched",
			zap.String("asset", asset),
			zap.Int("funding_points", stats.FundingPoints),
			zap.Int("candles", stats.Candles),
		)
		out = append(out, stats)
	}
	return out, nil
}

func (f *Fetcher) fetchAsset(ctx context.Context, asset string, start, end time.Time) (FetchStats, error) {
	stats := FetchStats{Asset: asset}
	cursor := start
	for cursor.Before(end) {
		var rows []fundingRow
		if err := f.info.InfoInto(ctx, rest.NewFundingHistoryRequest(asset, cursor, end), &rows); err != nil {
			return stats, fmt.Errorf("fundingHistory: %w", err)
		}
		points := make([]FundingPoint, 0, len(rows))
		for _, r := range rows {
			rate, err := strconv.ParseFloat(r.FundingRate, 64)
			if err != nil {
				continue
			}
			ts := time.UnixMilli(r.Time).UTC()
			if !ts.Before(end) {
				continue
			}
			points = append(points, FundingPoint{Time: ts, Rate: rate})
		}
		if err := f.store.UpsertFunding(ctx, asset, points); err != nil {
			return stats, err
		}
		if len(points) > 0 {
			if stats.FirstFunding.IsZero() {
				stats.FirstFunding = points[0].Time
			}
			stats.LastFunding = points[len(points)-1].Time
		}
		stats.FundingPoints += len(points)
		if len(rows) == 0 {
			break
		}
		next := time.UnixMilli(rows[len(rows)-1].Time + 1).UTC()
		if !next.After(cursor) {
			break
		}
		cursor = next
		if err := f.pause(ctx); err != nil {
			return stats, err
		}
	}

	cursor = start
	for cursor.Before(end) {
		var rows []candleRow
		if err := f.info.InfoInto(ctx, rest.NewCandleSnapshotRequest(asset, f.interval, cursor, end), &rows); err != nil {
			return stats, fmt.Errorf("candleSnapshot: %w", err)
		}
		candles := parseCandles(asset, rows)
		points := make([]PricePoint, 0, len(candles))
		// A candle's open is the last trade known at its start; the close
		// would lead the snapshot by a full interval.
		for _, c := range candles {
			if c.Start.Before(end) && c.Open > 0 {
				points = append(points, PricePoint{Time: c.Start, Price: c.Open})
			}
		}
		if err := f.store.UpsertPrices(ctx, asset, points); err != nil {
			return stats, err
		}
		stats.Candles += len(points)
		if len(rows) == 0 {
			break
		}
		next := time.UnixMilli(rows[len(rows)-1].T + 1).UTC()
		if !next.After(cursor) {
			break
		}
		cursor = next
		if err := f.pause(ctx); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (f *Fetcher) pause(ctx context.Context) error {
	if f.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func parseCandles(asset string, rows []candleRow) []Candle {
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		c := Candle{
			Asset:    asset,
			Interval: r.I,
			Start:    time.UnixMilli(r.T).UTC(),
			Open:     parseFloat(r.O),
			High:     parseFloat(r.H),
			Low:      parseFloat(r.L),
			Close:    parseFloat(r.C),
			Volume:   parseFloat(r.V),
		}
		out = append(out, c)
	}
	return out
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
