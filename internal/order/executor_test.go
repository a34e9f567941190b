package order

import (
	"testing"

	"github.com/shopspring/decimal"

	"coretrader/internal/signal"
)

func TestQuoteCurrency(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT": "USDT",
		"ETHBUSD": "BUSD",
		"BTCUSDC": "USDC",
		"ETHBTC":  "BTC",
	}
	for symbol, want := range cases {
		if got := quoteCurrency(symbol); got != want {
			t.Fatalf("quoteCurrency(%s) = %s, want %s", symbol, got, want)
		}
	}
}

func TestSideAndDirectionMapping(t *testing.T) {
	if sideFor(signal.SideLong) != "BUY" {
		t.Fatal("expected LONG to map to BUY")
	}
	if sideFor(signal.SideShort) != "SELL" {
		t.Fatal("expected SHORT to map to SELL")
	}
}

func TestRoundToMinNotionalLiftsTinyQty(t *testing.T) {
	e := &Executor{}
	price := decimal.NewFromInt(10000)
	qty := e.roundToMinNotional(decimal.NewFromFloat(0.0001), price)
	if qty.Mul(price).LessThan(decimal.NewFromFloat(5.5)) {
		t.Fatalf("expected rounded notional to clear the min-notional floor with margin, got qty %s", qty.String())
	}
}
