package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"hl-funding-arb/internal/config"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startTimescale(t *testing.T) string {
	t.Helper()
	if os.Getenv("HL_TESTCONTAINERS") != "1" {
		t.Skip("set HL_TESTCONTAINERS=1 to run container tests")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "timescale/timescaledb:latest-pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "arb",
			"POSTGRES_PASSWORD": "arb",
			"POSTGRES_DB":       "arb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start timescale container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://arb:arb@%s:%s/arb?sslmode=disable", host, port.Port())
}

func TestTimescaleWriteRunIsIdempotent(t *testing.T) {
	dsn := startTimescale(t)
	ctx := context.Background()
	sink, err := NewTimescale(config.TimescaleConfig{Enabled: true, DSN: dsn, Schema: "arb"}, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	res := testResult(t)
	for i := 0; i < 2; i++ {
		if err := sink.WriteRun(ctx, res); err != nil {
			t.Fatalf("write run (pass %d): %v", i+1, err)
		}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	for table, want := range map[string]int{
		"arb.backtest_runs":    1,
		"arb.backtest_trades":  len(res.Trades),
		"arb.backtest_funding": len(res.Funding),
		"arb.backtest_equity":  len(res.Equity),
	} {
		var got int
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table+" WHERE run_id = $1", res.RunID).Scan(&got); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d rows, got %d", table, want, got)
		}
	}
}

func TestTimescaleLiveQueue(t *testing.T) {
	dsn := startTimescale(t)
	sink, err := NewTimescale(config.TimescaleConfig{Enabled: true, DSN: dsn, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink.Start(ctx)

	now := time.Now().UTC()
	sink.EnqueueAccount(AccountRecord{Time: now, Equity: 1000, UsedMargin: 200, OpenPositions: 1})
	sink.EnqueuePosition(PositionRecord{Time: now, Asset: "BTC", Status: "OPEN", Direction: "LONG_SPOT_SHORT_PERP", MarkPrice: 60000})

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var accounts, positions int
		_ = db.QueryRowContext(ctx, "SELECT count(*) FROM public.account_snapshots").Scan(&accounts)
		_ = db.QueryRowContext(ctx, "SELECT count(*) FROM public.position_snapshots").Scan(&positions)
		if accounts == 1 && positions == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("records not written: accounts=%d positions=%d", accounts, positions)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestNewTimescaleDisabled(t *testing.T) {
	sink, err := NewTimescale(config.TimescaleConfig{}, nil)
	if err != nil || sink != nil {
		t.Fatalf("expected nil sink when disabled, got %v %v", sink, err)
	}
	// nil sinks accept records so callers need no guard
	sink.EnqueueAccount(AccountRecord{})
	sink.Start(context.Background())
	if err := sink.Close(); err != nil {
		t.Fatalf("close nil sink: %v", err)
	}
}
