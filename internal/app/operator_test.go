package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"hl-funding-arb/internal/alerts"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) withPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}

	cmd, args, ok = parseOperatorCommand("  /Close@arb_bot eth ")
	if !ok || cmd != "close" || len(args) != 1 || args[0] != "eth" {
		t.Fatalf("unexpected parse: %s %v %v", cmd, args, ok)
	}
	if _, _, ok := parseOperatorCommand("close BTC"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	app, store := newTestApp(t, testConfig(), "http://unused", false)
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 10, UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(ctx, "pause", nil, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "entries paused; exits and rebalances continue" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.engine.EntriesPaused() {
		t.Fatalf("expected engine entries paused")
	}
	meta.UpdateID = 11
	resp, _ = app.handleOperatorCommand(ctx, "pause", nil, meta)
	if resp != "entries already paused" {
		t.Fatalf("unexpected repeated pause response: %s", resp)
	}

	meta.UpdateID = 12
	meta.Raw = "/resume"
	resp, err = app.handleOperatorCommand(ctx, "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "entries resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.engine.EntriesPaused() {
		t.Fatalf("expected entries active")
	}

	audits := store.withPrefix(operatorAuditPrefix)
	if len(audits) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(audits))
	}
	var sawResume bool
	for _, raw := range audits {
		var event operatorAuditEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		if event.Action == "resume" {
			sawResume = true
			if !event.PausedBefore || event.PausedAfter || event.Command != "/resume" || event.UserID != 1 {
				t.Fatalf("unexpected resume audit: %+v", event)
			}
		}
	}
	if !sawResume {
		t.Fatalf("resume audit missing")
	}
}

func TestOperatorCloseAppliedOnNextTick(t *testing.T) {
	v := newVenue()
	app, store := newTestApp(t, testConfig(), v.server(t).URL, false)
	ctx := context.Background()
	if err := app.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !app.engine.Manager().Account().Has("BTC") {
		t.Fatalf("expected BTC open")
	}

	resp, err := app.handleOperatorCommand(ctx, "close", []string{"btc"}, operatorMeta{Raw: "/close btc"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(resp, "BTC close queued") {
		t.Fatalf("unexpected close response: %s", resp)
	}
	// queued only; nothing touches the position until the cycle runs
	if !app.engine.Manager().Account().Has("BTC") {
		t.Fatalf("close must not run on the operator goroutine")
	}
	if status := app.operatorStatus(); !strings.Contains(status, "queued_commands: 1") {
		t.Fatalf("expected queued command in status:\n%s", status)
	}

	if err := app.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	mgr := app.engine.Manager()
	if mgr.Account().Has("BTC") {
		t.Fatalf("expected BTC closed")
	}
	if !mgr.Halted("BTC") {
		t.Fatalf("expected BTC halted so it is not re-entered")
	}
	closed := mgr.Closed()
	if len(closed) != 1 || closed[0].CloseReason != ReasonOperator {
		t.Fatalf("unexpected closed positions: %+v", closed)
	}
	if len(store.withPrefix("positions:")) != 1 {
		t.Fatalf("expected persisted position table")
	}
	if status := app.operatorStatus(); !strings.Contains(status, "halted: BTC") {
		t.Fatalf("expected halted asset in status:\n%s", status)
	}

	if _, err := app.handleOperatorCommand(ctx, "unhalt", []string{"BTC"}, operatorMeta{}); err != nil {
		t.Fatalf("unhalt: %v", err)
	}
	if err := app.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !mgr.Account().Has("BTC") {
		t.Fatalf("expected BTC re-entered after unhalt")
	}
}

func TestOperatorRejectsUnknownAsset(t *testing.T) {
	app, _ := newTestApp(t, testConfig(), "http://unused", false)
	if _, err := app.handleOperatorCommand(context.Background(), "halt", []string{"DOGE"}, operatorMeta{}); err == nil {
		t.Fatalf("expected error for unconfigured asset")
	}
	if _, err := app.handleOperatorCommand(context.Background(), "close", nil, operatorMeta{}); err == nil {
		t.Fatalf("expected error for missing asset")
	}
	resp, _ := app.handleOperatorCommand(context.Background(), "bogus", nil, operatorMeta{})
	if !strings.HasPrefix(resp, "commands:") {
		t.Fatalf("expected help text, got %s", resp)
	}
	if !strings.Contains(resp, "/halt ASSET - stop new entries in one asset") {
		t.Fatalf("halt help should describe an entry-only stop:\n%s", resp)
	}
	if status := app.operatorStatus(); !strings.Contains(status, "no cycle completed yet") || !strings.Contains(status, "queued_commands: 0") {
		t.Fatalf("unexpected status:\n%s", status)
	}
}

func TestOperatorUpdateFiltering(t *testing.T) {
	app, _ := newTestApp(t, testConfig(), "http://unused", false)
	ctx := context.Background()
	allowed := map[int64]struct{}{7: {}}
	update := func(chat, user int64, text string) alerts.Update {
		return alerts.Update{UpdateID: 1, Message: &alerts.Message{
			From: &alerts.User{ID: user},
			Chat: &alerts.Chat{ID: chat},
			Text: text,
		}}
	}

	app.handleOperatorUpdate(ctx, update(99, 7, "/halt BTC"), 42, allowed)
	app.handleOperatorUpdate(ctx, update(42, 8, "/halt BTC"), 42, allowed)
	app.handleOperatorUpdate(ctx, update(42, 7, "halt BTC"), 42, allowed)
	if len(app.pending) != 0 {
		t.Fatalf("expected foreign chat, unknown user and plain text to be ignored, got %v", app.pending)
	}
	app.handleOperatorUpdate(ctx, update(42, 7, "/halt BTC"), 42, allowed)
	if len(app.pending) != 1 || app.pending[0].kind != "halt" || app.pending[0].asset != "BTC" {
		t.Fatalf("unexpected pending actions: %v", app.pending)
	}
	app.applyOperatorActions(ctx)
	if !app.engine.Manager().Halted("BTC") {
		t.Fatalf("expected BTC halted")
	}
}

func TestOperatorOffsetPersistence(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := &App{store: store}
	ctx := context.Background()

	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected 0 offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 42)
	if got := app.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42 offset, got %d", got)
	}
	_ = store.Set(ctx, operatorOffsetKey, "garbage")
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected corrupt offset to reset, got %d", got)
	}
}
