package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testSignal(ts time.Time) Signal {
	return Signal{
		Symbol:     "BTCUSDT",
		Side:       SideLong,
		StrategyID: "ml",
		EntryPrice: decimal.NewFromInt(50000),
		Confidence: 0.85,
		Timestamp:  ts,
	}
}

func TestDeduplicatorRejectsWithinWindow(t *testing.T) {
	d := NewDeduplicator(300 * time.Second)
	ts := time.Now()

	if !d.Admit(testSignal(ts)) {
		t.Fatal("first admit should be accepted")
	}
	if d.Admit(testSignal(ts)) {
		t.Fatal("second identical admit should be rejected as duplicate")
	}

	stats := d.Stats()
	if stats.Duplicates != 1 || stats.TotalChecks != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeduplicatorDistinctSymbolsAdmit(t *testing.T) {
	d := NewDeduplicator(300 * time.Second)
	ts := time.Now()

	s1 := testSignal(ts)
	s2 := testSignal(ts)
	s2.Symbol = "ETHUSDT"

	if !d.Admit(s1) || !d.Admit(s2) {
		t.Fatal("distinct symbols should both be admitted")
	}
}

func TestDeduplicatorExpiresOldFingerprints(t *testing.T) {
	d := NewDeduplicator(50 * time.Millisecond)
	ts := time.Now()

	if !d.Admit(testSignal(ts)) {
		t.Fatal("first admit should be accepted")
	}
	time.Sleep(80 * time.Millisecond)
	if !d.Admit(testSignal(ts)) {
		t.Fatal("admit after window expiry should be accepted again")
	}
}
