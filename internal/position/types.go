// Package position holds the Position and ProtectionPlan data model and the
// per-position serialization primitive every mutator (OrderExecutor,
// SLTPEngine, PositionMonitor) goes through.
package position

import (
	"time"

	"github.com/shopspring/decimal"
	"coretrader/internal/signal"
)

// LadderLevel is one rung of a partial-TP or profit-lock ladder.
type LadderLevel struct {
	TriggerPct   decimal.Decimal // favourable_pct at which this level fires
	Value        decimal.Decimal // close fraction (partial-TP) or locked profit pct (profit-lock)
	TightenSLPct *decimal.Decimal // optional: SL moves to this favourable_pct after this level fires
}

// TrailingConfig describes trailing-stop behaviour.
type TrailingConfig struct {
	ActivationPct decimal.Decimal
	DistancePct   decimal.Decimal
}

// BreakevenConfig describes the breakeven lift.
type BreakevenConfig struct {
	ActivationPct decimal.Decimal
	OffsetPct     decimal.Decimal
}

// ProtectionPlan is bound to a Position at creation time; it is immutable
// once attached (ladder/trailing/breakeven parameters do not change mid
// position, only the Position's progress through them does).
type ProtectionPlan struct {
	InitialStopDistancePct decimal.Decimal
	InitialTakeDistancePct decimal.Decimal
	Trailing               TrailingConfig
	Breakeven              BreakevenConfig
	ProfitLockLadder       []LadderLevel // sorted ascending by TriggerPct
	PartialTPLadder        []LadderLevel // sorted ascending by TriggerPct
	MaxProtectionUpdates   int
}

// Status is the Position lifecycle tag.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClosing    Status = "CLOSING"
	StatusClosed     Status = "CLOSED"
	StatusUnprotected Status = "UNPROTECTED" // filled but protection install failed
)

// Position is an open exposure on one symbol under one strategy.
type Position struct {
	ID       string
	Exchange string
	Symbol   string
	Side     signal.Side

	EntryPrice     decimal.Decimal
	Qty            decimal.Decimal // current, decreases with partial closes
	InitialQty     decimal.Decimal
	Leverage       int

	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal

	HighestFavourablePct decimal.Decimal
	LadderBitmask        uint32 // partial-TP levels taken
	LockBitmask          uint32 // profit-lock levels applied
	BreakevenArmed       bool
	TrailingArmed        bool

	ProtectionUpdateCount int
	Status                Status
	Unprotected           bool
	UnprotectedAttempts   int

	Plan ProtectionPlan

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FavourablePct returns the side-signed profit in percent of entry at mark.
func (p *Position) FavourablePct(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Side == signal.SideShort {
		diff = diff.Neg()
	}
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return diff.Div(p.EntryPrice)
}

// ladderBit returns the bit for ladder index i.
func ladderBit(i int) uint32 { return 1 << uint(i) }

// LadderTaken reports whether partial-TP level i has already fired.
func (p *Position) LadderTaken(i int) bool { return p.LadderBitmask&ladderBit(i) != 0 }

// MarkLadderTaken sets the bit for partial-TP level i.
func (p *Position) MarkLadderTaken(i int) { p.LadderBitmask |= ladderBit(i) }

// LockTaken reports whether profit-lock level i has already applied.
func (p *Position) LockTaken(i int) bool { return p.LockBitmask&ladderBit(i) != 0 }

// MarkLockTaken sets the bit for profit-lock level i.
func (p *Position) MarkLockTaken(i int) { p.LockBitmask |= ladderBit(i) }

// IsLong reports whether the position is a LONG.
func (p *Position) IsLong() bool { return p.Side == signal.SideLong }

// MoreProtective reports whether candidate SL is strictly more protective
// than current for this position's side: higher for LONG, lower for SHORT.
func (p *Position) MoreProtective(candidate decimal.Decimal) bool {
	if p.IsLong() {
		return candidate.GreaterThan(p.StopLoss)
	}
	return candidate.LessThan(p.StopLoss)
}
