package monitor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"coretrader/internal/position"
	"coretrader/internal/signal"
	"coretrader/internal/sltp"
	exchange "coretrader/pkg/exchanges/common"
)

type stubGateway struct {
	placeCalls int
	protectCalls int
	lastReq    exchange.OrderRequest
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	s.placeCalls++
	s.lastReq = req
	return exchange.OrderResult{ExchangeOrderID: "1", Status: exchange.StatusFilled, FilledQty: req.Qty}, nil
}
func (s *stubGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error { return nil }
func (s *stubGateway) SetPositionProtection(ctx context.Context, req exchange.ProtectionRequest) error {
	s.protectCalls++
	return nil
}
func (s *stubGateway) FetchPositions(ctx context.Context) ([]exchange.PositionView, error) { return nil, nil }
func (s *stubGateway) FetchBalance(ctx context.Context) ([]exchange.AccountBalance, error) { return nil, nil }
func (s *stubGateway) SubscribePrices(ctx context.Context, symbols []string) (<-chan exchange.PriceTick, func(), error) {
	ch := make(chan exchange.PriceTick)
	return ch, func() { close(ch) }, nil
}
func (s *stubGateway) SubscribeOrderUpdates(ctx context.Context) (<-chan exchange.OrderStatusDelta, func(), error) {
	ch := make(chan exchange.OrderStatusDelta)
	return ch, func() { close(ch) }, nil
}
func (s *stubGateway) Name() string                        { return "stub" }
func (s *stubGateway) PositionMode() exchange.PositionMode { return exchange.ModeHedge }
func (s *stubGateway) Healthy() bool                       { return true }

func samplePosition(t *testing.T) *position.Position {
	t.Helper()
	return &position.Position{
		ID:         "p1",
		Exchange:   "stub",
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Qty:        decimal.NewFromInt(1),
		InitialQty: decimal.NewFromInt(1),
		StopLoss:   decimal.NewFromInt(48500),
		TakeProfit: decimal.NewFromInt(52500),
		Status:     position.StatusOpen,
	}
}

func TestApplyMoveStopCallsSetProtection(t *testing.T) {
	gw := &stubGateway{}
	m := NewPositionMonitor(position.NewStore(), sltp.NewEngine(), nil, nil)
	pos := samplePosition(t)
	action := &sltp.Action{Kind: sltp.ActionMoveStop, NewStop: decimal.NewFromInt(50000)}

	m.apply(context.Background(), gw, pos, action)

	if gw.protectCalls != 1 {
		t.Fatalf("expected one SetPositionProtection call, got %d", gw.protectCalls)
	}
}

func TestApplyPartialCloseReducesQtyAndKeepsOpen(t *testing.T) {
	gw := &stubGateway{}
	m := NewPositionMonitor(position.NewStore(), sltp.NewEngine(), nil, nil)
	pos := samplePosition(t)
	action := &sltp.Action{Kind: sltp.ActionPartialClose, Qty: decimal.NewFromFloat(0.3)}

	m.apply(context.Background(), gw, pos, action)

	if gw.placeCalls != 1 || !gw.lastReq.ReduceOnly {
		t.Fatalf("expected one reduce-only PlaceOrder call, got %d (reduceOnly=%v)", gw.placeCalls, gw.lastReq.ReduceOnly)
	}
	if !pos.Qty.Equal(decimal.NewFromFloat(0.7)) {
		t.Fatalf("expected remaining qty 0.7, got %s", pos.Qty.String())
	}
	if pos.Status == position.StatusClosed {
		t.Fatal("position should remain open after a partial close")
	}
}

func TestApplyDefensiveCloseClosesPosition(t *testing.T) {
	gw := &stubGateway{}
	m := NewPositionMonitor(position.NewStore(), sltp.NewEngine(), nil, nil)
	pos := samplePosition(t)
	action := &sltp.Action{Kind: sltp.ActionDefensiveClose, Qty: decimal.NewFromInt(1)}

	m.apply(context.Background(), gw, pos, action)

	if pos.Status != position.StatusClosed {
		t.Fatalf("expected position closed, got %s", pos.Status)
	}
}
