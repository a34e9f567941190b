package balance

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestReserveReleaseInvariant(t *testing.T) {
	l := NewLedger(0)
	l.Update("binance", "USDT", d("1000"), d("1000"), d("0"))

	r, err := l.Reserve("binance", "USDT", d("300"), "order-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	held := l.heldSumLocked("binance", "USDT")
	if !held.Equal(d("300")) {
		t.Fatalf("expected held 300, got %s", held.String())
	}

	if err := l.Release(r.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	snap, _ := l.Get("binance", "USDT")
	if !snap.Available.Equal(d("1000")) {
		t.Fatalf("release should not move available, got %s", snap.Available.String())
	}
}

func TestReserveCommitReducesAvailable(t *testing.T) {
	l := NewLedger(0)
	l.Update("binance", "USDT", d("1000"), d("1000"), d("0"))

	r, err := l.Reserve("binance", "USDT", d("300"), "order-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit(r.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	snap, _ := l.Get("binance", "USDT")
	if !snap.Available.Equal(d("700")) {
		t.Fatalf("expected available 700 after commit, got %s", snap.Available.String())
	}

	// A second commit must fail: every reserve pairs with exactly one
	// commit or release.
	if err := l.Commit(r.ID); err == nil {
		t.Fatal("expected error on double commit")
	}
}

func TestReserveRejectsOverAvailable(t *testing.T) {
	l := NewLedger(0)
	l.Update("binance", "USDT", d("100"), d("100"), d("0"))

	if _, err := l.Reserve("binance", "USDT", d("50"), "a"); err != nil {
		t.Fatalf("first reserve should succeed: %v", err)
	}
	if _, err := l.Reserve("binance", "USDT", d("60"), "b"); err == nil {
		t.Fatal("second reserve should fail: sum(HELD) would exceed available")
	}
}
