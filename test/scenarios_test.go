// Package test holds end-to-end scenario tests that exercise the trading
// pipeline across package boundaries: TradingCoordinator, OrderExecutor,
// SLTPEngine, PositionMonitor and WorkerCoordinator wired together the way
// main.go wires them, rather than any single package in isolation.
package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coretrader/internal/balance"
	"coretrader/internal/coordination"
	"coretrader/internal/coordinator"
	"coretrader/internal/events"
	"coretrader/internal/monitor"
	"coretrader/internal/order"
	"coretrader/internal/position"
	"coretrader/internal/risk"
	"coretrader/internal/signal"
	"coretrader/internal/sltp"
	"coretrader/pkg/db"
	exchange "coretrader/pkg/exchanges/common"
)

// stubGateway is a minimal, in-memory exchange.Gateway whose PlaceOrder and
// SetPositionProtection behaviour is injectable per test, so each scenario
// can script the exact venue responses the spec's S1-S6 walkthroughs call
// for without touching a real venue.
type stubGateway struct {
	mu sync.Mutex

	gwName string
	mode   exchange.PositionMode

	placeOrderFn func(call int, req exchange.OrderRequest) (exchange.OrderResult, error)
	placeOrders  int

	protectFn  func(call int, req exchange.ProtectionRequest) error
	protectCalls int
}

func newStubGateway(name string, mode exchange.PositionMode) *stubGateway {
	return &stubGateway{gwName: name, mode: mode}
}

func (g *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.mu.Lock()
	g.placeOrders++
	call := g.placeOrders
	g.mu.Unlock()
	if g.placeOrderFn != nil {
		return g.placeOrderFn(call, req)
	}
	return exchange.OrderResult{Status: exchange.StatusFilled, FilledQty: req.Qty, AvgPrice: 1}, nil
}

func (g *stubGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error { return nil }

func (g *stubGateway) SetPositionProtection(ctx context.Context, req exchange.ProtectionRequest) error {
	g.mu.Lock()
	g.protectCalls++
	call := g.protectCalls
	g.mu.Unlock()
	if g.protectFn != nil {
		return g.protectFn(call, req)
	}
	return nil
}

func (g *stubGateway) FetchPositions(ctx context.Context) ([]exchange.PositionView, error) { return nil, nil }
func (g *stubGateway) FetchBalance(ctx context.Context) ([]exchange.AccountBalance, error) { return nil, nil }
func (g *stubGateway) SubscribePrices(ctx context.Context, symbols []string) (<-chan exchange.PriceTick, func(), error) {
	ch := make(chan exchange.PriceTick)
	return ch, func() { close(ch) }, nil
}
func (g *stubGateway) SubscribeOrderUpdates(ctx context.Context) (<-chan exchange.OrderStatusDelta, func(), error) {
	ch := make(chan exchange.OrderStatusDelta)
	return ch, func() { close(ch) }, nil
}
func (g *stubGateway) Name() string                        { return g.gwName }
func (g *stubGateway) PositionMode() exchange.PositionMode  { return g.mode }
func (g *stubGateway) Healthy() bool                        { return true }

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestScenarioS1HappyLongPartialTPAndTrailing walks a LONG position through
// the exact price path of spec scenario S1: 50000 -> 51000 -> 51500 -> 52000,
// asserting partials fire in ladder order, the stop trails, and the
// position fully closes by the end of the path.
func TestScenarioS1HappyLongPartialTPAndTrailing(t *testing.T) {
	pos := &position.Position{
		ID:         "s1-pos",
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		EntryPrice: mustDec("50000"),
		Qty:        mustDec("1"),
		InitialQty: mustDec("1"),
		StopLoss:   mustDec("48500"),
		TakeProfit: mustDec("52500"),
		Plan: position.ProtectionPlan{
			Trailing: position.TrailingConfig{
				ActivationPct: mustDec("0.01"),
				DistancePct:   mustDec("0.005"),
			},
			PartialTPLadder: []position.LadderLevel{
				{TriggerPct: mustDec("0.02"), Value: mustDec("0.3")},
				{TriggerPct: mustDec("0.03"), Value: mustDec("0.3")},
				{TriggerPct: mustDec("0.04"), Value: mustDec("0.4")},
			},
			MaxProtectionUpdates: 10,
		},
	}

	engine := sltp.NewEngine()
	path := []string{"51000", "51500", "52000"}

	var ladderFired []int
	sawTrailing := false

	for _, markStr := range path {
		mark := mustDec(markStr)
		// Drain every action the engine has for this mark: a single Tick
		// only ever returns the first transition that fires, so a price
		// level that both crosses a ladder trigger and re-arms trailing
		// needs repeated calls until Tick goes quiet.
		for {
			prevStop := pos.StopLoss
			action := engine.Tick(pos, mark)
			if action == nil {
				break
			}
			switch action.Kind {
			case sltp.ActionPartialClose:
				ladderFired = append(ladderFired, action.LadderIdx)
				pos.Qty = pos.Qty.Sub(action.Qty)
			case sltp.ActionMoveStop:
				sawTrailing = true
				if !action.NewStop.GreaterThan(prevStop) {
					t.Fatalf("trailing stop %s was not more protective than prior %s", action.NewStop, prevStop)
				}
			}
		}
	}

	if len(ladderFired) != 3 {
		t.Fatalf("expected all 3 ladder levels to fire, got %v", ladderFired)
	}
	for i, idx := range ladderFired {
		if idx != i {
			t.Fatalf("expected ladder levels to fire in order 0,1,2; got %v", ladderFired)
		}
	}
	if !sawTrailing {
		t.Fatal("expected the trailing stop to have armed somewhere along the path")
	}
	if !pos.Qty.IsZero() {
		t.Fatalf("expected position fully closed (qty 0) at the end of the path, got %s", pos.Qty)
	}
}

// TestScenarioS2DuplicateSignalRejected submits the same signal twice within
// the dedup window through the full TradingCoordinator pipeline and asserts
// the second is rejected before ever reaching the venue.
func TestScenarioS2DuplicateSignalRejected(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	gw := newStubGateway("stub-exchange", exchange.ModeOneWay)

	bus := events.NewBus()
	dedup := signal.NewDeduplicator(60 * time.Second)
	evaluator := risk.NewEvaluator(risk.DefaultConfig())
	positions := position.NewStore()
	ledger := balance.NewLedger(time.Minute)
	ledger.Update(gw.Name(), "USDT", mustDec("100000"), mustDec("100000"), decimal.Zero)
	executor := order.NewExecutor(database, bus, ledger, nil, positions, gw.Name())
	executor.RegisterGateway(gw)

	lease := coordination.NewCoordinator(database, time.Minute, 30*time.Second)

	coord := &coordinator.Coordinator{
		Lease:    lease,
		Dedup:    dedup,
		Risk:     evaluator,
		Executor: executor,
		Positions: positions,
		Ledger:   ledger,
		Bus:      bus,
		DB:       database,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx, "candidate-a") }()
	time.Sleep(20 * time.Millisecond) // let Run acquire the lease before we submit

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

	if err := coord.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("first signal: unexpected error: %v", err)
	}
	if err := coord.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("second (duplicate) signal: unexpected error: %v", err)
	}

	if gw.placeOrders != 1 {
		t.Fatalf("expected exactly one venue order, got %d", gw.placeOrders)
	}
	if stats := dedup.Stats(); stats.Duplicates != 1 {
		t.Fatalf("expected duplicates_found == 1, got %d", stats.Duplicates)
	}
}

// TestScenarioS3MinNotionalInsufficientFunds covers both halves of S3: a
// tiny sized quantity gets rounded up past the venue's minimum notional, and
// when the rounded-up reservation can't be covered the order is rejected as
// insufficient funds without ever calling the venue.
func TestScenarioS3MinNotionalInsufficientFunds(t *testing.T) {
	gw := newStubGateway("stub-exchange", exchange.ModeOneWay)
	bus := events.NewBus()
	positions := position.NewStore()
	ledger := balance.NewLedger(time.Minute)
	// Only enough headroom for a tiny order, well short of the rounded-up
	// minimum notional reservation.
	ledger.Update(gw.Name(), "USDT", mustDec("1"), mustDec("1"), decimal.Zero)
	executor := order.NewExecutor(nil, bus, ledger, nil, positions, gw.Name())
	executor.RegisterGateway(gw)

	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		Timestamp:  time.Now(),
	}
	intent := risk.SizedIntent{
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		Quantity:   mustDec("0.000064"), // notional ~= $3.20 at entry 50000
		Leverage:   1,
		StopLoss:   mustDec("48500"),
		TakeProfit: mustDec("52500"),
	}

	_, err := executor.Submit(context.Background(), sig, intent)
	if err == nil {
		t.Fatal("expected InsufficientFunds rejection, got nil error")
	}
	if gw.placeOrders != 0 {
		t.Fatalf("expected no venue call on insufficient funds, got %d calls", gw.placeOrders)
	}

	var ifErr *balance.InsufficientFundsError
	if !asInsufficientFunds(err, &ifErr) {
		t.Fatalf("expected an InsufficientFundsError in the chain, got %v", err)
	}
}

func asInsufficientFunds(err error, target **balance.InsufficientFundsError) bool {
	for err != nil {
		if ie, ok := err.(*balance.InsufficientFundsError); ok {
			*target = ie
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TestScenarioS4HedgeModeMismatchRetry drives a SHORT signal through
// OrderExecutor against a gateway whose first PlaceOrder call rejects with
// PositionModeMismatch, asserting the executor re-derives the slot and
// retries exactly once rather than surfacing the rejection.
func TestScenarioS4HedgeModeMismatchRetry(t *testing.T) {
	gw := newStubGateway("stub-futures", exchange.ModeHedge)
	gw.placeOrderFn = func(call int, req exchange.OrderRequest) (exchange.OrderResult, error) {
		if call == 1 {
			return exchange.OrderResult{}, exchange.NewGatewayError(gw.Name(), exchange.ErrPositionModeMismatch, "position side does not match", nil)
		}
		if req.Direction != exchange.DirectionShort {
			t.Fatalf("expected retried order to carry the SHORT hedge slot, got %v", req.Direction)
		}
		return exchange.OrderResult{Status: exchange.StatusFilled, FilledQty: req.Qty, AvgPrice: req.Qty}, nil
	}

	bus := events.NewBus()
	positions := position.NewStore()
	ledger := balance.NewLedger(time.Minute)
	ledger.Update(gw.Name(), "USDT", mustDec("100000"), mustDec("100000"), decimal.Zero)
	executor := order.NewExecutor(nil, bus, ledger, nil, positions, gw.Name())
	executor.RegisterGateway(gw)

	sig := signal.Signal{
		Symbol:     "BTCUSDT",
		Side:       signal.SideShort,
		StrategyID: "ml",
		EntryPrice: mustDec("50000"),
		Timestamp:  time.Now(),
	}
	intent := risk.SizedIntent{
		Symbol:     "BTCUSDT",
		Side:       signal.SideShort,
		Quantity:   mustDec("1"),
		Leverage:   1,
		StopLoss:   mustDec("51500"),
		TakeProfit: mustDec("47500"),
	}

	o, err := executor.Submit(context.Background(), sig, intent)
	if err != nil {
		t.Fatalf("expected the retried order to succeed, got %v", err)
	}
	if gw.placeOrders != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", gw.placeOrders)
	}
	if o.Status != order.StatusFilled {
		t.Fatalf("expected order filled after retry, got %s", o.Status)
	}
}

// TestScenarioS5UnprotectedPositionRecovery has SetPositionProtection fail
// three times in a row for a position left UNPROTECTED by order opening,
// then succeed on the fourth attempt, asserting the periodic sweep retries,
// a critical event fires on every failure, and the position is restored on
// success.
func TestScenarioS5UnprotectedPositionRecovery(t *testing.T) {
	gw := newStubGateway("stub-futures", exchange.ModeOneWay)
	const failures = 3
	gw.protectFn = func(call int, req exchange.ProtectionRequest) error {
		if call <= failures {
			return exchange.NewGatewayError(gw.Name(), exchange.ErrNetwork, "", nil)
		}
		return nil
	}

	positions := position.NewStore()
	pos := &position.Position{
		ID:         "s5-pos",
		Exchange:   gw.Name(),
		Symbol:     "BTCUSDT",
		Side:       signal.SideLong,
		EntryPrice: mustDec("50000"),
		Qty:        mustDec("1"),
		InitialQty: mustDec("1"),
		StopLoss:   mustDec("48500"),
		TakeProfit: mustDec("52500"),
		Status:     position.StatusUnprotected,
		Unprotected: true,
	}
	if err := positions.Create(pos); err != nil {
		t.Fatalf("positions.Create: %v", err)
	}

	bus := events.NewBus()
	criticalCh, stopCritical := bus.Subscribe(events.EventProtectionCritical, 8)
	defer stopCritical()
	restoredCh, stopRestored := bus.Subscribe(events.EventProtectionRestored, 8)
	defer stopRestored()

	pm := monitor.NewPositionMonitor(positions, sltp.NewEngine(), bus, nil)
	pm.RegisterGateway(gw)

	ctx := context.Background()
	var lastSnap position.Position
	for attempt := 1; attempt <= failures+1; attempt++ {
		pm.Sweep(ctx)
		snap, ok := positions.Snapshot(pos.ID)
		if !ok {
			t.Fatalf("position disappeared after sweep attempt %d", attempt)
		}
		lastSnap = snap
		if attempt <= failures {
			if snap.Status != position.StatusUnprotected {
				t.Fatalf("attempt %d: expected still UNPROTECTED, got %s", attempt, snap.Status)
			}
			select {
			case <-criticalCh:
			default:
				t.Fatalf("attempt %d: expected a critical event on failed retry", attempt)
			}
		}
	}

	if lastSnap.Status != position.StatusOpen {
		t.Fatalf("expected position restored to OPEN after the successful attempt, got %s", lastSnap.Status)
	}
	if lastSnap.UnprotectedAttempts != failures {
		t.Fatalf("expected %d recorded failed attempts, got %d", failures, lastSnap.UnprotectedAttempts)
	}
	select {
	case <-restoredCh:
	default:
		t.Fatal("expected a restored event once protection installation succeeded")
	}
}

// TestScenarioS6WorkerTakeover has candidate A acquire the trading
// coordinator lease and stop heartbeating, then has candidate B register
// after the heartbeat timeout elapses, asserting the CAS-guarded takeover
// succeeds with no window where both candidates hold the lease.
func TestScenarioS6WorkerTakeover(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	const heartbeatTTL = 30 * time.Millisecond
	coord := coordination.NewCoordinator(database, heartbeatTTL, heartbeatTTL)
	ctx := context.Background()

	leaseA, err := coord.Register(ctx, "trading-coordinator", "candidate-a", "")
	if err != nil {
		t.Fatalf("candidate A register: %v", err)
	}

	// Before the timeout elapses, a second candidate must be refused.
	if _, err := coord.Register(ctx, "trading-coordinator", "candidate-b", ""); err != coordination.ErrAlreadyHeld {
		t.Fatalf("expected ErrAlreadyHeld before heartbeat timeout, got %v", err)
	}

	// Candidate A stops heartbeating (simulating a crash); wait past the
	// heartbeat timeout so the role is sweepable.
	time.Sleep(heartbeatTTL * 3)

	leaseB, err := coord.Register(ctx, "trading-coordinator", "candidate-b", "")
	if err != nil {
		t.Fatalf("candidate B register after timeout: %v", err)
	}
	if leaseB.HolderID != "candidate-b" {
		t.Fatalf("expected candidate-b to hold the lease, got %s", leaseB.HolderID)
	}

	// Candidate A's now-stale lease handle can no longer heartbeat: the
	// role has moved to B, so the old holder must observe the loss.
	if err := coord.Heartbeat(ctx, leaseA); err != coordination.ErrExpired {
		t.Fatalf("expected candidate A's heartbeat to report expired, got %v", err)
	}
}
