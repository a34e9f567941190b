package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coretrader/internal/balance"
	"coretrader/internal/events"
	"coretrader/internal/monitor"
	"coretrader/internal/position"
	"coretrader/internal/risk"
	"coretrader/internal/signal"
	"coretrader/pkg/db"
	exchange "coretrader/pkg/exchanges/common"
)

// minNotionalMargin is the safety margin applied when rounding a sized
// quantity up to clear a venue's minimum notional.
const minNotionalMargin = 1.10

// Executor is the OrderExecutor component: it turns a risk.SizedIntent into
// a submitted order, a balance reservation, and — on fill — a tracked
// Position with protection installed.
type Executor struct {
	DB        *db.Database
	Bus       *events.Bus
	Ledger    *balance.Ledger
	RateLimit *exchange.RateLimiter
	Positions *position.Store
	Gateways  map[string]exchange.Gateway // exchange name -> gateway
	Exchange  string                      // default gateway key

	// DefaultPlan builds the protection plan attached to a new Position.
	// Kept as a function so callers can vary ladder/trailing shape by
	// strategy without the executor depending on strategy config directly.
	DefaultPlan func(intent risk.SizedIntent) position.ProtectionPlan

	// WAL is an optional write-ahead log of in-flight orders: every Order is
	// durably recorded before PlaceOrder is called and marked complete once
	// the gateway responds, so a crash between reservation and gateway ack
	// leaves a recoverable trail (see main.go's WAL recovery on boot) instead
	// of a reservation with no corresponding order anywhere. Nil disables it.
	WAL *PersistentQueue

	// Metrics is optional; when set, Submit feeds the order-latency
	// histogram and the orders-processed/errors counters. Nil disables it.
	Metrics *monitor.SystemMetrics
}

func NewExecutor(database *db.Database, bus *events.Bus, ledger *balance.Ledger, rl *exchange.RateLimiter, positions *position.Store, defaultExchange string) *Executor {
	return &Executor{
		DB:          database,
		Bus:         bus,
		Ledger:      ledger,
		RateLimit:   rl,
		Positions:   positions,
		Gateways:    make(map[string]exchange.Gateway),
		Exchange:    defaultExchange,
		DefaultPlan: defaultProtectionPlan,
	}
}

// RegisterGateway binds a Gateway implementation under its venue name.
func (e *Executor) RegisterGateway(gw exchange.Gateway) {
	e.Gateways[gw.Name()] = gw
}

func (e *Executor) gateway() (exchange.Gateway, error) {
	gw, ok := e.Gateways[e.Exchange]
	if !ok || gw == nil {
		return nil, fmt.Errorf("order: no gateway registered for %q", e.Exchange)
	}
	return gw, nil
}

// Submit runs the full sequence: size to min-notional, reserve funds,
// respect the rate limiter, place the order, and — on fill — install
// protection and open a tracked Position. It returns the terminal Order
// record; a non-nil error means the reservation (if any) was released and
// no position was opened.
func (e *Executor) Submit(ctx context.Context, sig signal.Signal, intent risk.SizedIntent) (*Order, error) {
	gw, err := e.gateway()
	if err != nil {
		return nil, err
	}

	qty := e.roundToMinNotional(intent.Quantity, sig.EntryPrice)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("order: sized quantity is non-positive after min-notional rounding")
	}

	currency := quoteCurrency(intent.Symbol)
	reserveAmount := qty.Mul(sig.EntryPrice).Div(decimal.NewFromInt(int64(maxInt(intent.Leverage, 1))))

	reservation, err := e.Ledger.Reserve(e.Exchange, currency, reserveAmount, "order:"+sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("order: reserve failed: %w", err)
	}
	e.persistReservation(ctx, reservation)

	o := &Order{
		ID:            uuid.NewString(),
		ReservationID: reservation.ID,
		Exchange:      e.Exchange,
		Symbol:        intent.Symbol,
		Side:          sideFor(intent.Side),
		Type:          string(exchange.OrderTypeMarket),
		RequestedQty:  qty,
		Status:        StatusPending,
		IdempotencyKey: exchange.IdempotencyKey(sig.Fingerprint(), 1),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := e.waitForRateLimit(ctx, "order"); err != nil {
		e.release(ctx, o, reservation.ID, err)
		return o, err
	}

	e.walEnqueue(*o)
	defer e.walComplete(o.ID)

	req := exchange.OrderRequest{
		Symbol:      intent.Symbol,
		Side:        exchange.Side(o.Side),
		Type:        exchange.OrderType(o.Type),
		Qty:         qty.InexactFloat64(),
		TimeInForce: exchange.TIFGTC,
		ClientID:    o.IdempotencyKey,
		Direction:   exchange.ResolveDirection(gw.PositionMode(), directionFor(intent.Side)),
		Market:      exchange.MarketUSDTFut,
		Leverage:    intent.Leverage,
	}

	o.Status = StatusSent
	e.publish(events.EventOrderSubmitted, o)

	var timer *monitor.Timer
	if e.Metrics != nil {
		timer = monitor.NewTimer(e.Metrics.OrderLatency)
	}
	res, err := gw.PlaceOrder(ctx, req)
	if isPositionModeMismatch(err) {
		req.Direction = exchange.ResolveDirection(gw.PositionMode(), directionFor(intent.Side))
		log.Printf("🔄 order: position_mode_mismatch for %s, re-deriving slot and retrying once", intent.Symbol)
		res, err = gw.PlaceOrder(ctx, req)
	}
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		o.Status = StatusRejected
		e.release(ctx, o, reservation.ID, err)
		e.persist(ctx, o)
		e.publish(events.EventOrderRejected, o)
		if e.Metrics != nil {
			e.Metrics.IncrementErrors()
		}
		return o, fmt.Errorf("order: gateway rejected: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.IncrementOrders()
	}

	o.ExchangeOrderID = res.ExchangeOrderID
	o.FilledQty = decimal.NewFromFloat(res.FilledQty)
	o.AvgFillPrice = decimal.NewFromFloat(res.AvgPrice)
	o.Status = mapStatus(res.Status)
	e.publish(events.EventOrderAccepted, o)
	e.persist(ctx, o)

	if o.Status == StatusRejected {
		e.release(ctx, o, reservation.ID, fmt.Errorf("order: venue reported status %s", res.Status))
		return o, nil
	}
	if o.Status != StatusFilled && o.Status != StatusPartial {
		return o, nil
	}

	pos := e.openPosition(ctx, sig, intent, o, gw)
	if pos != nil {
		o.PositionID = pos.ID
		e.persist(ctx, o)
	}

	if err := e.Ledger.Commit(reservation.ID); err != nil {
		log.Printf("❌ order: commit reservation %s failed: %v", reservation.ID, err)
	}
	e.updateReservationState(ctx, reservation.ID, balance.StateCommitted)

	e.publish(events.EventOrderFilled, o)
	return o, nil
}

// persistReservation mirrors a freshly-HELD reservation into the durable
// audit row; the in-memory Ledger stays authoritative for the check-and-hold
// invariant during a run.
func (e *Executor) persistReservation(ctx context.Context, r *balance.Reservation) {
	if e.DB == nil {
		return
	}
	if err := e.DB.CreateReservationRow(ctx, r.ID, r.Exchange, r.Currency, r.Purpose, string(r.State), r.Amount.InexactFloat64()); err != nil {
		log.Printf("❌ order: persist reservation %s failed: %v", r.ID, err)
	}
}

func (e *Executor) updateReservationState(ctx context.Context, reservationID string, state balance.ReservationState) {
	if e.DB == nil {
		return
	}
	if err := e.DB.UpdateReservationState(ctx, reservationID, string(state)); err != nil {
		log.Printf("❌ order: update reservation %s state failed: %v", reservationID, err)
	}
}

// openPosition registers the filled order as a tracked Position and installs
// protection. A protection install failure is a critical, logged condition:
// the position is still tracked, marked Unprotected, and left for
// PositionMonitor's guaranteed-progress pass to retry.
func (e *Executor) openPosition(ctx context.Context, sig signal.Signal, intent risk.SizedIntent, o *Order, gw exchange.Gateway) *position.Position {
	entry := o.AvgFillPrice
	if entry.IsZero() {
		entry = sig.EntryPrice
	}
	filledQty := o.FilledQty
	if filledQty.IsZero() {
		filledQty = o.RequestedQty
	}

	pos := &position.Position{
		ID:         uuid.NewString(),
		Exchange:   e.Exchange,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		EntryPrice: entry,
		Qty:        filledQty,
		InitialQty: filledQty,
		Leverage:   intent.Leverage,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		Status:     position.StatusOpen,
		Plan:       e.DefaultPlan(intent),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := e.Positions.Create(pos); err != nil {
		log.Printf("❌ order: failed to register position %s: %v", pos.ID, err)
		return nil
	}

	direction := exchange.ResolveDirection(gw.PositionMode(), directionFor(intent.Side))
	sl, _ := intent.StopLoss.Float64()
	tp, _ := intent.TakeProfit.Float64()
	protReq := exchange.ProtectionRequest{
		Exchange:   e.Exchange,
		Symbol:     intent.Symbol,
		Direction:  direction,
		StopLoss:   &sl,
		TakeProfit: &tp,
		Mode:       exchange.ProtectionFull,
	}
	if err := gw.SetPositionProtection(ctx, protReq); err != nil {
		pos.Unprotected = true
		pos.UnprotectedAttempts++
		pos.Status = position.StatusUnprotected
		log.Printf("🚨 order: protection install failed for position %s, marked UNPROTECTED: %v", pos.ID, err)
	}

	e.persistPosition(ctx, pos)
	return pos
}

// release reverts a reservation and logs the reason. o.IsTerminalRejection
// distinguishes a true gateway rejection from an earlier failure (e.g. the
// rate limiter wait was cancelled before the order was ever sent).
func (e *Executor) release(ctx context.Context, o *Order, reservationID string, cause error) {
	if o.IsTerminalRejection() {
		log.Printf("↩️ order: releasing reservation %s, order %s was rejected by the gateway", reservationID, o.ID)
	}
	if err := e.Ledger.Release(reservationID); err != nil {
		log.Printf("❌ order: release reservation %s failed: %v (cause: %v)", reservationID, err, cause)
	}
	e.updateReservationState(ctx, reservationID, balance.StateReleased)
}

// waitForRateLimit blocks, sleeping out any Acquire-reported delay, until the
// order-submission endpoint class admits this call or ctx is cancelled.
func (e *Executor) waitForRateLimit(ctx context.Context, class string) error {
	if e.RateLimit == nil {
		return nil
	}
	for {
		delay := e.RateLimit.Acquire(e.Exchange, class, 1)
		if delay == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Executor) walEnqueue(o Order) {
	if e.WAL == nil {
		return
	}
	if !e.WAL.Enqueue(o) {
		log.Printf("⚠️ order: WAL queue full, submitting %s without durability tracking", o.ID)
	}
}

func (e *Executor) walComplete(orderID string) {
	if e.WAL == nil {
		return
	}
	e.WAL.MarkComplete(orderID)
}

func (e *Executor) publish(ev events.Event, o *Order) {
	if e.Bus != nil {
		e.Bus.Publish(ev, *o)
	}
}

func (e *Executor) persist(ctx context.Context, o *Order) {
	if e.DB == nil {
		return
	}
	row := db.CoreOrder{
		ID: o.ID, PositionID: o.PositionID, ReservationID: o.ReservationID,
		Exchange: o.Exchange, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
		RequestedQty: o.RequestedQty.InexactFloat64(), FilledQty: o.FilledQty.InexactFloat64(),
		AvgFillPrice: o.AvgFillPrice.InexactFloat64(), Status: string(o.Status),
		ExchangeOrderID: o.ExchangeOrderID, IdempotencyKey: o.IdempotencyKey,
	}
	if err := e.DB.CreateCoreOrder(ctx, row); err != nil {
		// idempotency_key collisions on resubmission are expected; fall
		// back to an update path so retries don't fail persistence.
		_ = e.DB.UpdateCoreOrderFill(ctx, o.ID, string(o.Status), o.ExchangeOrderID, o.FilledQty.InexactFloat64(), o.AvgFillPrice.InexactFloat64())
	}
	_ = e.DB.RecordCoreEvent(ctx, db.CoreEvent{Kind: "order." + strings.ToLower(string(o.Status)), OrderID: o.ID, PositionID: o.PositionID})
}

func (e *Executor) persistPosition(ctx context.Context, p *position.Position) {
	if e.DB == nil {
		return
	}
	row := db.CorePosition{
		ID: p.ID, Exchange: p.Exchange, Symbol: p.Symbol, Side: string(p.Side),
		EntryPrice: p.EntryPrice.InexactFloat64(), Qty: p.Qty.InexactFloat64(), InitialQty: p.InitialQty.InexactFloat64(),
		Leverage: p.Leverage, StopLoss: p.StopLoss.InexactFloat64(), TakeProfit: p.TakeProfit.InexactFloat64(),
		HighWaterPct: p.HighestFavourablePct.InexactFloat64(), LadderBitmask: int64(p.LadderBitmask),
		BreakevenArmed: p.BreakevenArmed, TrailingArmed: p.TrailingArmed,
		ProtectionUpdateCount: p.ProtectionUpdateCount, Status: string(p.Status),
	}
	if err := e.DB.UpsertCorePosition(ctx, row); err != nil {
		log.Printf("❌ order: persist position %s failed: %v", p.ID, err)
	}
}

// roundToMinNotional enforces a venue minimum-notional floor: a quantity
// whose qty*price notional falls under the floor is rounded up — with
// minNotionalMargin headroom — to clear it, rather than being sent as-is
// to a venue that would reject a sub-minimum order outright.
func (e *Executor) roundToMinNotional(qty, price decimal.Decimal) decimal.Decimal {
	const floor = "5" // USDT-denominated minimum notional assumption
	minNotional := decimal.RequireFromString(floor)
	if price.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	if qty.Mul(price).LessThan(minNotional) {
		return minNotional.Mul(decimal.NewFromFloat(minNotionalMargin)).Div(price)
	}
	return qty
}

func defaultProtectionPlan(intent risk.SizedIntent) position.ProtectionPlan {
	return position.ProtectionPlan{
		MaxProtectionUpdates: 10,
	}
}

func sideFor(s signal.Side) string {
	if s == signal.SideShort {
		return string(exchange.SideSell)
	}
	return string(exchange.SideBuy)
}

func directionFor(s signal.Side) exchange.PositionSide {
	if s == signal.SideShort {
		return exchange.PositionShort
	}
	return exchange.PositionLong
}

// isPositionModeMismatch reports whether err is the venue's
// position-mode-mismatch rejection, the one case worth a single automatic
// slot re-derivation and retry rather than surfacing the rejection.
func isPositionModeMismatch(err error) bool {
	var gerr *exchange.GatewayError
	return errors.As(err, &gerr) && gerr.Kind == exchange.ErrPositionModeMismatch
}

func mapStatus(s exchange.OrderStatus) Status {
	switch s {
	case exchange.StatusFilled:
		return StatusFilled
	case exchange.StatusPartial:
		return StatusPartial
	case exchange.StatusRejected, exchange.StatusCanceled, exchange.StatusExpired:
		return StatusRejected
	default:
		return StatusAccepted
	}
}

func quoteCurrency(symbol string) string {
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
