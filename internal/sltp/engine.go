// Package sltp implements the SLTPEngine: the long-running, per-position
// protection-evolution state machine. It is invoked by PositionMonitor on
// every price tick and by a periodic guaranteed-progress pass; it never
// runs concurrently against the same Position because callers always go
// through position.Store.WithLock.
package sltp

import (
	"github.com/shopspring/decimal"
	"coretrader/internal/position"
	"coretrader/internal/signal"
)

// ActionKind distinguishes the modification an Engine tick asks the caller
// to carry out via OrderExecutor.
type ActionKind string

const (
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	ActionMoveStop     ActionKind = "MOVE_STOP"
	ActionDefensiveClose ActionKind = "DEFENSIVE_CLOSE"
)

// Action is the single modification (if any) produced by one Tick call.
type Action struct {
	Kind     ActionKind
	Qty      decimal.Decimal // for ActionPartialClose / ActionDefensiveClose
	NewStop  decimal.Decimal // for ActionMoveStop
	LadderIdx int
}

// Engine evaluates protection transitions for a single position at a time.
// It holds no per-position state itself; all progress lives on
// position.Position so that Tick is a pure function of (Position, mark).
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Tick evaluates the ordered transitions against the current mark price and
// mutates pos to reflect at most one applied modification, returning the
// Action the caller must execute (nil if nothing fired). Replaying Tick on
// the same (Position, mark) a second time is a no-op: each transition's
// guard checks state Tick itself just updated.
func (e *Engine) Tick(pos *position.Position, mark decimal.Decimal) *Action {
	favourable := pos.FavourablePct(mark)
	if favourable.GreaterThan(pos.HighestFavourablePct) {
		pos.HighestFavourablePct = favourable
	}

	if action := e.tryPartialTP(pos, favourable); action != nil {
		return action
	}

	if pos.ProtectionUpdateCount >= pos.Plan.MaxProtectionUpdates && pos.Plan.MaxProtectionUpdates > 0 {
		return nil
	}

	if action := e.tryTrailing(pos); action != nil {
		return action
	}
	if action := e.tryProfitLock(pos); action != nil {
		return action
	}
	if action := e.tryBreakeven(pos); action != nil {
		return action
	}
	return nil
}

// tryPartialTP fires the next un-taken ladder entry whose trigger has been
// reached, closing fraction_i * initial_quantity reduce-only. A tightened
// SL on the plan applies atomically with the close.
func (e *Engine) tryPartialTP(pos *position.Position, favourable decimal.Decimal) *Action {
	for i, lvl := range pos.Plan.PartialTPLadder {
		if pos.LadderTaken(i) {
			continue
		}
		if favourable.LessThan(lvl.TriggerPct) {
			break // ladder is sorted ascending; none further can fire yet
		}
		pos.MarkLadderTaken(i)
		closeQty := pos.InitialQty.Mul(lvl.Value)
		if lvl.TightenSLPct != nil {
			pos.StopLoss = e.slFromFavourablePct(pos, *lvl.TightenSLPct)
		}
		return &Action{Kind: ActionPartialClose, Qty: closeQty, LadderIdx: i}
	}
	return nil
}

// tryTrailing moves SL to the trailing distance behind the running high if
// that would be strictly more protective than the current SL.
func (e *Engine) tryTrailing(pos *position.Position) *Action {
	t := pos.Plan.Trailing
	if t.ActivationPct.IsZero() && t.DistancePct.IsZero() {
		return nil
	}
	if pos.HighestFavourablePct.LessThan(t.ActivationPct) {
		return nil
	}
	candidatePct := pos.HighestFavourablePct.Sub(t.DistancePct)
	candidate := e.slFromFavourablePct(pos, candidatePct)
	if !pos.MoreProtective(candidate) {
		return nil
	}
	pos.StopLoss = candidate
	pos.TrailingArmed = true
	pos.ProtectionUpdateCount++
	return &Action{Kind: ActionMoveStop, NewStop: candidate}
}

// tryProfitLock applies the highest crossed profit-lock level if it implies
// a more protective SL than currently set.
func (e *Engine) tryProfitLock(pos *position.Position) *Action {
	var best *position.LadderLevel
	bestIdx := -1
	for i := len(pos.Plan.ProfitLockLadder) - 1; i >= 0; i-- {
		lvl := pos.Plan.ProfitLockLadder[i]
		if pos.HighestFavourablePct.GreaterThanOrEqual(lvl.TriggerPct) {
			best = &lvl
			bestIdx = i
			break
		}
	}
	if best == nil {
		return nil
	}
	candidate := e.slFromFavourablePct(pos, best.Value)
	if !pos.MoreProtective(candidate) {
		return nil
	}
	pos.StopLoss = candidate
	pos.MarkLockTaken(bestIdx)
	pos.ProtectionUpdateCount++
	return &Action{Kind: ActionMoveStop, NewStop: candidate}
}

// tryBreakeven lifts SL to entry (+/- offset) once, on first crossing of
// the activation threshold. Never reverses once armed.
func (e *Engine) tryBreakeven(pos *position.Position) *Action {
	b := pos.Plan.Breakeven
	if pos.BreakevenArmed {
		return nil
	}
	if pos.HighestFavourablePct.LessThan(b.ActivationPct) {
		return nil
	}
	candidate := e.slFromFavourablePct(pos, b.OffsetPct)
	if !pos.MoreProtective(candidate) {
		return nil
	}
	pos.StopLoss = candidate
	pos.BreakevenArmed = true
	pos.ProtectionUpdateCount++
	return &Action{Kind: ActionMoveStop, NewStop: candidate}
}

// slFromFavourablePct converts a favourable-percent target into an absolute
// price for this position's side.
func (e *Engine) slFromFavourablePct(pos *position.Position, pct decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if pos.Side == signal.SideShort {
		sign = decimal.NewFromInt(-1)
	}
	return pos.EntryPrice.Add(pos.EntryPrice.Mul(pct).Mul(sign))
}
