package position

import (
	"math"
	"sort"

	"hl-funding-arb/internal/strategy"
)

// AccountState is the run's ledger: cash, the position table keyed by asset and
// the last known mark per asset. Only Manager mutates it.
type AccountState struct {
	InitialCapital float64

	cash       float64
	positions  map[string]*Position
	marks      map[string]float64
	spotMargin float64
	perpMargin float64

	synced       bool
	syncedEquity float64
	syncedMargin float64
	// local figures at the moment of the last Sync
	baseEquity float64
	baseMargin float64
}

func NewAccountState(initialCapital float64) *AccountState {
	return &AccountState{
		InitialCapital: initialCapital,
		cash:           initialCapital,
		positions:      make(map[string]*Position),
		marks:          make(map[string]float64),
		spotMargin:     1,
		perpMargin:     1,
	}
}

func (a *AccountState) Cash() float64 { return a.cash }

func (a *AccountState) Mark(asset string) (float64, bool) {
	mark, ok := a.marks[asset]
	return mark, ok && mark > 0
}

func (a *AccountState) Position(asset string) (Position, bool) {
	pos, ok := a.positions[asset]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

func (a *AccountState) Has(asset string) bool {
	_, ok := a.positions[asset]
	return ok
}

// Positions returns copies of every position in the table, sorted by asset.
func (a *AccountState) Positions() []Position {
	out := make([]Position, 0, len(a.positions))
	for _, asset := range a.assets() {
		out = append(out, *a.positions[asset])
	}
	return out
}

func (a *AccountState) UnrealizedPnL() float64 {
	total := 0.0
	for _, asset := range a.assets() {
		mark, _ := a.Mark(asset)
		total += a.positions[asset].UnrealizedPnL(mark)
	}
	return total
}

// TotalEquity is cash plus unrealized PnL. After Sync it is the venue's figure
// moved by whatever the ledger did since.
func (a *AccountState) TotalEquity() float64 {
	local := a.cash + a.UnrealizedPnL()
	if a.synced {
		return a.syncedEquity + local - a.baseEquity
	}
	return local
}

func (a *AccountState) UsedMargin() float64 {
	local := a.localMargin()
	if a.synced {
		return math.Max(0, a.syncedMargin+local-a.baseMargin)
	}
	return local
}

func (a *AccountState) localMargin() float64 {
	total := 0.0
	for _, asset := range a.assets() {
		pos := a.positions[asset]
		mark, _ := a.Mark(asset)
		total += math.Abs(pos.SpotSize(mark))*a.spotMargin + math.Abs(pos.PerpSize(mark))*a.perpMargin
	}
	return total
}

// Sync pins equity and used margin to values read from the venue. Live mode calls
// it every cycle so risk checks see real margin rather than the local estimate.
func (a *AccountState) Sync(equity, usedMargin float64) {
	a.synced = true
	a.syncedEquity = equity
	a.syncedMargin = usedMargin
	a.baseEquity = a.cash + a.UnrealizedPnL()
	a.baseMargin = a.localMargin()
}

func (a *AccountState) View() strategy.AccountView {
	view := strategy.AccountView{
		TotalEquity: a.TotalEquity(),
		UsedMargin:  a.UsedMargin(),
	}
	for _, asset := range a.assets() {
		pos := a.positions[asset]
		if pos.Status != strategy.StateOpen {
			continue
		}
		mark, _ := a.Mark(asset)
		view.Positions = append(view.Positions, pos.View(mark))
	}
	return view
}

func (a *AccountState) assets() []string {
	keys := make([]string, 0, len(a.positions))
	for asset := range a.positions {
		keys = append(keys, asset)
	}
	sort.Strings(keys)
	return keys
}
