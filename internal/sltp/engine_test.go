package sltp

import (
	"testing"

	"github.com/shopspring/decimal"
	"coretrader/internal/position"
	"coretrader/internal/signal"
)

func pct(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func samplePosition() *position.Position {
	return &position.Position{
		ID:         "p1",
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Qty:        decimal.NewFromInt(1),
		InitialQty: decimal.NewFromInt(1),
		StopLoss:   decimal.NewFromInt(48500),
		TakeProfit: decimal.NewFromInt(52500),
		Plan: position.ProtectionPlan{
			Trailing: position.TrailingConfig{
				ActivationPct: pct("0.01"),
				DistancePct:   pct("0.005"),
			},
			PartialTPLadder: []position.LadderLevel{
				{TriggerPct: pct("0.02"), Value: pct("0.3")},
				{TriggerPct: pct("0.03"), Value: pct("0.3")},
				{TriggerPct: pct("0.04"), Value: pct("0.4")},
			},
			MaxProtectionUpdates: 5,
		},
	}
}

func TestPartialTPFiresAtTrigger(t *testing.T) {
	e := NewEngine()
	pos := samplePosition()

	action := e.Tick(pos, decimal.NewFromInt(51000)) // +2%
	if action == nil || action.Kind != ActionPartialClose {
		t.Fatalf("expected partial close action, got %+v", action)
	}
	if !action.Qty.Equal(pct("0.3")) {
		t.Fatalf("expected close qty 0.3, got %s", action.Qty.String())
	}
	if !pos.LadderTaken(0) {
		t.Fatal("expected ladder bit 0 set")
	}
}

func TestTickIdempotentOnSameMark(t *testing.T) {
	e := NewEngine()
	pos := samplePosition()

	first := e.Tick(pos, decimal.NewFromInt(51000))
	if first == nil {
		t.Fatal("expected an action on first tick")
	}
	second := e.Tick(pos, decimal.NewFromInt(51000))
	if second != nil {
		t.Fatalf("expected no-op on replay, got %+v", second)
	}
}

func TestBreakevenNeverReverses(t *testing.T) {
	e := NewEngine()
	pos := samplePosition()
	pos.Plan.Breakeven = position.BreakevenConfig{ActivationPct: pct("0.01"), OffsetPct: pct("0.001")}
	pos.Plan.PartialTPLadder = nil
	pos.Plan.Trailing = position.TrailingConfig{}

	action := e.Tick(pos, decimal.NewFromInt(50600)) // +1.2%
	if action == nil || action.Kind != ActionMoveStop {
		t.Fatalf("expected breakeven move, got %+v", action)
	}
	if !pos.BreakevenArmed {
		t.Fatal("expected breakeven armed")
	}

	// A later tick at a lower (still profitable but reduced) price must not
	// move SL again since breakeven only arms once.
	action2 := e.Tick(pos, decimal.NewFromInt(50300))
	if action2 != nil {
		t.Fatalf("expected no further breakeven action, got %+v", action2)
	}
}
