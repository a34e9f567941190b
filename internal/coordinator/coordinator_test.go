package coordinator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coretrader/internal/position"
	"coretrader/internal/risk"
	"coretrader/internal/signal"
)

func TestPortfolioStateReflectsOpenPositions(t *testing.T) {
	store := position.NewStore()
	_ = store.Create(&position.Position{ID: "a", Symbol: "BTCUSDT", Side: signal.SideLong, Status: position.StatusOpen})
	_ = store.Create(&position.Position{ID: "b", Symbol: "ETHUSDT", Side: signal.SideShort, Status: position.StatusOpen})
	_ = store.Create(&position.Position{ID: "c", Symbol: "SOLUSDT", Side: signal.SideLong, Status: position.StatusClosed})

	c := &Coordinator{Positions: store}
	p := c.portfolioState()

	if p.OpenPositions != 2 {
		t.Fatalf("expected 2 open positions (closed excluded), got %d", p.OpenPositions)
	}
	if p.OpenPositionsByDir["LONG"] != 1 || p.OpenPositionsByDir["SHORT"] != 1 {
		t.Fatalf("unexpected direction counts: %+v", p.OpenPositionsByDir)
	}
}

func TestHandleSignalRejectsWhenLeaseNotHeld(t *testing.T) {
	c := &Coordinator{
		Positions: position.NewStore(),
		Dedup:     signal.NewDeduplicator(time.Minute),
		Risk:      risk.NewEvaluator(risk.DefaultConfig()),
	}
	sig := signal.Signal{
		Symbol: "BTCUSDT", Side: signal.SideLong, StrategyID: "ml",
		EntryPrice: decimal.NewFromInt(50000),
		StopLoss:   signal.PriceSpec{Kind: signal.SpecAbsolute, Value: decimal.NewFromInt(48500)},
		TakeProfit: signal.PriceSpec{Kind: signal.SpecAbsolute, Value: decimal.NewFromInt(52500)},
		Confidence: 0.9, Timestamp: time.Now(),
	}
	if err := c.HandleSignal(nil, sig); err == nil {
		t.Fatal("expected error when coordinator has not acquired its lease")
	}
}
