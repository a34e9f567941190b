package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"coretrader/internal/signal"
)

func mustDec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestEvaluateHappyLong(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		StopLoss:   signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("48500")},
		TakeProfit: signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("52500")},
		Confidence: 0.85,
		Timestamp:  time.Now(),
	}

	intent, err := e.Evaluate(sig, PortfolioState{OpenPositionsByDir: map[string]int{}})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if intent.Quantity.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("expected positive sized quantity, got %s", intent.Quantity.String())
	}
}

func TestEvaluateRejectsInvalidProtectionLong(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		StopLoss:   signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("51000")}, // wrong side
		TakeProfit: signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("52500")},
		Confidence: 0.85,
		Timestamp:  time.Now(),
	}

	_, err := e.Evaluate(sig, PortfolioState{})
	rerr, ok := err.(*RejectionError)
	if !ok || rerr.Kind != RejectInvalidProtection {
		t.Fatalf("expected InvalidProtection rejection, got %v", err)
	}
}

func TestEvaluateRejectsPortfolioFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	e := NewEvaluator(cfg)
	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		StopLoss:   signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("48500")},
		TakeProfit: signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("52500")},
		Confidence: 0.85,
		Timestamp:  time.Now(),
	}

	_, err := e.Evaluate(sig, PortfolioState{OpenPositions: 1})
	rerr, ok := err.(*RejectionError)
	if !ok || rerr.Kind != RejectPortfolioFull {
		t.Fatalf("expected PortfolioFull rejection, got %v", err)
	}
}

func TestEvaluateRejectsBelowConfidence(t *testing.T) {
	e := NewEvaluator(DefaultConfig())
	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		StopLoss:   signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("48500")},
		TakeProfit: signal.PriceSpec{Kind: signal.SpecAbsolute, Value: mustDec("52500")},
		Confidence: 0.1,
		Timestamp:  time.Now(),
	}

	_, err := e.Evaluate(sig, PortfolioState{})
	rerr, ok := err.(*RejectionError)
	if !ok || rerr.Kind != RejectBelowConfidence {
		t.Fatalf("expected BelowConfidence rejection, got %v", err)
	}
}
