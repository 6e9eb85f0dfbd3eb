package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/engine"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey   = "telegram:operator:last_update_id"
	operatorAuditPrefix = "ops:audit:"
	// ReasonOperator marks positions closed by an operator command.
	ReasonOperator = "operator_close"
)

var errOperatorHalt = errors.New("halted by operator")

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Asset        string    `json:"asset,omitempty"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

// operatorAction is a command that touches positions. The operator goroutine
// only queues it; the cycle goroutine applies it before its next cycle.
type operatorAction struct {
	kind  string
	asset string
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.operatorRecovered()
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// group chats address bots as /cmd@botname
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause", "resume":
		pause := cmd == "pause"
		before := a.engine.EntriesPaused()
		a.engine.SetEntriesPaused(pause)
		a.auditOperatorEvent(ctx, meta, operatorAuditEvent{Action: cmd, PausedBefore: before, PausedAfter: pause})
		switch {
		case pause && before:
			return "entries already paused", nil
		case pause:
			return "entries paused; exits and rebalances continue", nil
		case !before:
			return "entries already active", nil
		default:
			return "entries resumed", nil
		}
	case "halt", "unhalt", "close":
		asset, err := a.operatorAsset(args)
		if err != nil {
			return "", err
		}
		a.queueOperatorAction(operatorAction{kind: cmd, asset: asset})
		paused := a.engine.EntriesPaused()
		a.auditOperatorEvent(ctx, meta, operatorAuditEvent{Action: cmd, Asset: asset, PausedBefore: paused, PausedAfter: paused})
		if cmd == "close" {
			return fmt.Sprintf("%s close queued for next cycle; the asset stays halted until /unhalt %s", asset, asset), nil
		}
		return fmt.Sprintf("%s %s queued for next cycle", cmd, asset), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorAsset(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("asset is required, e.g. /close BTC")
	}
	asset := strings.ToUpper(strings.TrimSpace(args[0]))
	for _, configured := range a.cfg.Strategy.Assets {
		if configured == asset {
			return asset, nil
		}
	}
	return "", fmt.Errorf("%s is not a configured asset", asset)
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - positions, equity and halted assets after the last cycle",
		"/pause - stop opening new positions",
		"/resume - allow new positions again",
		"/halt ASSET - stop new entries in one asset; exits and rebalances continue",
		"/unhalt ASSET - clear a halt, including one left by a failed order",
		"/close ASSET - close one position and halt the asset",
	}, "\n")
}

func (a *App) queueOperatorAction(action operatorAction) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.pending = append(a.pending, action)
}

// applyOperatorActions runs on the cycle goroutine, the only one allowed to
// touch the position manager.
func (a *App) applyOperatorActions(ctx context.Context) {
	a.opsMu.Lock()
	actions := a.pending
	a.pending = nil
	a.opsMu.Unlock()

	mgr := a.engine.Manager()
	for _, action := range actions {
		switch action.kind {
		case "halt":
			mgr.Halt(action.asset, errOperatorHalt)
			a.log.Info("asset halted by operator", zap.String("asset", action.asset))
		case "unhalt":
			mgr.Resume(action.asset)
			a.log.Info("asset resumed by operator", zap.String("asset", action.asset))
		case "close":
			mgr.Halt(action.asset, errOperatorHalt)
			if !mgr.Account().Has(action.asset) {
				a.notify(ctx, fmt.Sprintf("%s: no open position, asset halted", action.asset))
				continue
			}
			pos, err := mgr.Exit(ctx, a.now(), action.asset, ReasonOperator)
			if err != nil {
				a.notify(ctx, fmt.Sprintf("%s operator close failed (%s): %v", action.asset, pos.Status, err))
				continue
			}
			a.notify(ctx, fmt.Sprintf("%s closed by operator: realized %.2f USD", action.asset, pos.RealizedPnL))
		}
	}
	if len(actions) > 0 {
		a.persistPositions(ctx)
	}
}

// publishStatus caches the /status reply so the operator goroutine never reads
// live position state.
func (a *App) publishStatus(res engine.CycleResult) {
	mgr := a.engine.Manager()
	acct := mgr.Account()
	lines := []string{
		fmt.Sprintf("cycle: %s", res.Time.UTC().Format(time.RFC3339)),
		fmt.Sprintf("equity: %.2f USD", res.Equity),
		fmt.Sprintf("used_margin: %.2f USD", res.UsedMargin),
	}
	positions := mgr.Positions()
	if len(positions) == 0 {
		lines = append(lines, "positions: none")
	}
	for _, pos := range positions {
		mark, _ := acct.Mark(pos.Asset)
		line := fmt.Sprintf("%s %s %s notional=%.2f funding=%.2f liq=%.4f mark=%.4f",
			pos.Asset, pos.Status, pos.Direction, pos.PerpSize(mark), pos.AccumulatedFunding, pos.LiquidationPrice, mark)
		if booked, ok := a.bookedFunding[pos.Asset]; ok {
			line += fmt.Sprintf(" booked=%.2f", booked)
		}
		lines = append(lines, line)
	}
	if halted := mgr.HaltedAssets(); len(halted) > 0 {
		lines = append(lines, "halted: "+strings.Join(halted, ","))
	}
	if errs := res.ErrorAssets(); len(errs) > 0 {
		lines = append(lines, "errors: "+strings.Join(errs, ","))
	}
	rejected := make([]string, 0, len(res.Rejections))
	for asset := range res.Rejections {
		rejected = append(rejected, asset)
	}
	sort.Strings(rejected)
	if len(rejected) > 0 {
		lines = append(lines, "rejected: "+strings.Join(rejected, ","))
	}

	a.opsMu.Lock()
	a.status = strings.Join(lines, "\n")
	a.opsMu.Unlock()
}

func (a *App) operatorStatus() string {
	a.opsMu.RLock()
	status := a.status
	pending := len(a.pending)
	a.opsMu.RUnlock()
	if status == "" {
		status = "no cycle completed yet"
	}
	return strings.Join([]string{
		status,
		fmt.Sprintf("entries_paused: %t", a.engine.EntriesPaused()),
		fmt.Sprintf("queued_commands: %d", pending),
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if !warned {
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) operatorRecovered() {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = false
	a.opsMu.Unlock()
	if warned {
		a.log.Info("telegram operator recovered")
	}
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	event.UpdateID = meta.UpdateID
	event.Time = a.now()
	event.Command = meta.Raw
	event.UserID = meta.UserID
	event.Username = meta.Username
	event.ChatID = meta.ChatID
	key := fmt.Sprintf("%s%d:%d", operatorAuditPrefix, event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit write failed", zap.Error(err))
	}
}
