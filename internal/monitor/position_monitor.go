package monitor

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"coretrader/internal/events"
	"coretrader/internal/position"
	"coretrader/internal/sltp"
	"coretrader/pkg/cache"
	"coretrader/pkg/db"
	exchange "coretrader/pkg/exchanges/common"
)

// guaranteedProgressInterval bounds how long a position can go without a
// SLTPEngine evaluation even if its price stream stalls.
const guaranteedProgressInterval = 30 * time.Second

// priceCacheMaxAge bounds how long a mark can sit in Prices without a fresh
// tick before the guaranteed-progress sweep evicts it as stale.
const priceCacheMaxAge = 10 * time.Minute

// PositionMonitor drives the SLTPEngine from live price ticks and order
// updates, and guarantees forward progress on every open position even if a
// venue's price stream goes quiet.
type PositionMonitor struct {
	Gateways  map[string]exchange.Gateway
	Positions *position.Store
	Engine    *sltp.Engine
	Bus       *events.Bus
	DB        *db.Database
	Prices    *cache.ShardedPriceCache

	// Metrics is optional; when set, onTick feeds the ticks-processed
	// counter served at /status. Nil disables it.
	Metrics *SystemMetrics
}

func NewPositionMonitor(positions *position.Store, engine *sltp.Engine, bus *events.Bus, database *db.Database) *PositionMonitor {
	return &PositionMonitor{
		Gateways:  make(map[string]exchange.Gateway),
		Positions: positions,
		Engine:    engine,
		Bus:       bus,
		DB:        database,
		Prices:    cache.NewShardedPriceCache(),
	}
}

func (m *PositionMonitor) RegisterGateway(gw exchange.Gateway) {
	m.Gateways[gw.Name()] = gw
}

// Start subscribes to every registered gateway's price and order streams and
// begins the periodic guaranteed-progress sweep. It returns once every
// subscription goroutine has been launched; they run until ctx is cancelled.
func (m *PositionMonitor) Start(ctx context.Context) {
	for _, gw := range m.Gateways {
		m.watchPrices(ctx, gw)
		m.watchOrderUpdates(ctx, gw)
	}
	go m.guaranteedProgressLoop(ctx)
}

func (m *PositionMonitor) watchPrices(ctx context.Context, gw exchange.Gateway) {
	symbols := m.Positions.AllSymbols()
	ticks, stop, err := gw.SubscribePrices(ctx, symbols)
	if err != nil {
		log.Printf("❌ position monitor: subscribe_prices(%s) failed: %v", gw.Name(), err)
		return
	}
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				m.Prices.Set(tick.Symbol, tick.Mark)
				m.onTick(ctx, gw, tick.Symbol, decimal.NewFromFloat(tick.Mark))
			}
		}
	}()
}

func (m *PositionMonitor) watchOrderUpdates(ctx context.Context, gw exchange.Gateway) {
	deltas, stop, err := gw.SubscribeOrderUpdates(ctx)
	if err != nil {
		log.Printf("❌ position monitor: subscribe_order_updates(%s) failed: %v", gw.Name(), err)
		return
	}
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deltas:
				if !ok {
					return
				}
				m.onOrderUpdate(ctx, d)
			}
		}
	}()
}

// onTick evaluates every open position on the ticked symbol against the new
// mark price and applies at most one action per position per tick.
func (m *PositionMonitor) onTick(ctx context.Context, gw exchange.Gateway, symbol string, mark decimal.Decimal) {
	if m.Metrics != nil {
		m.Metrics.IncrementTicks()
	}
	for _, id := range m.Positions.ForSymbol(symbol) {
		_ = m.Positions.WithLock(id, func(p *position.Position) error {
			action := m.Engine.Tick(p, mark)
			if action == nil {
				return nil
			}
			m.apply(ctx, gw, p, action)
			return nil
		})
	}
}

// apply executes the modification the SLTPEngine decided on against the
// venue and updates the position's bookkeeping fields accordingly.
func (m *PositionMonitor) apply(ctx context.Context, gw exchange.Gateway, p *position.Position, action *sltp.Action) {
	switch action.Kind {
	case sltp.ActionMoveStop:
		sl, _ := action.NewStop.Float64()
		req := exchange.ProtectionRequest{
			Exchange:  p.Exchange,
			Symbol:    p.Symbol,
			Direction: exchange.ResolveDirection(gw.PositionMode(), directionOf(p)),
			StopLoss:  &sl,
			Mode:      exchange.ProtectionFull,
		}
		if err := gw.SetPositionProtection(ctx, req); err != nil {
			log.Printf("❌ position monitor: move_stop failed for %s: %v", p.ID, err)
			return
		}
		m.publishProtected(p)

	case sltp.ActionPartialClose, sltp.ActionDefensiveClose:
		req := exchange.OrderRequest{
			Symbol:      p.Symbol,
			Side:        closeSide(p),
			Type:        exchange.OrderTypeMarket,
			Qty:         action.Qty.InexactFloat64(),
			ReduceOnly:  true,
			Direction:   exchange.ResolveDirection(gw.PositionMode(), directionOf(p)),
			Market:      exchange.MarketUSDTFut,
			TimeInForce: exchange.TIFGTC,
		}
		res, err := gw.PlaceOrder(ctx, req)
		if err != nil {
			log.Printf("❌ position monitor: %s close failed for %s: %v", action.Kind, p.ID, err)
			return
		}
		p.Qty = p.Qty.Sub(action.Qty)
		if p.Qty.LessThanOrEqual(decimal.Zero) || action.Kind == sltp.ActionDefensiveClose {
			p.Status = position.StatusClosed
		}
		log.Printf("✅ position monitor: %s filled %.6f for %s remaining_qty=%s", action.Kind, res.FilledQty, p.ID, p.Qty.String())
		m.publishFilled(p)
	}
	m.persist(ctx, p)
	if p.Status == position.StatusClosed {
		m.Positions.Remove(p.ID)
	}
}

// guaranteedProgressLoop periodically re-ticks every open position with its
// most recently cached mark, so a stalled price stream never stalls SL/TP
// progress indefinitely.
func (m *PositionMonitor) guaranteedProgressLoop(ctx context.Context) {
	ticker := time.NewTicker(guaranteedProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep is the guaranteed-progress pass: every open position is re-ticked
// against its last cached mark (so a stalled price stream never stalls
// SL/TP progress), and every UNPROTECTED position gets a protection
// install retry. Exported so tests and an operator-triggered "run now" path
// can invoke it outside the 30s ticker.
func (m *PositionMonitor) Sweep(ctx context.Context) {
	for _, id := range m.Positions.All() {
		snap, ok := m.Positions.Snapshot(id)
		if !ok {
			continue
		}
		gw, ok := m.Gateways[snap.Exchange]
		if !ok {
			continue
		}
		if snap.Status == position.StatusUnprotected {
			m.retryProtection(ctx, gw, id)
			continue
		}
		mark, ok := m.Prices.Get(snap.Symbol)
		if !ok {
			continue
		}
		m.onTick(ctx, gw, snap.Symbol, decimal.NewFromFloat(mark))
	}
	if stale := m.Prices.Cleanup(priceCacheMaxAge); stale > 0 {
		log.Printf("🧹 position monitor: evicted %d stale price cache entries", stale)
	}
	m.Prices.CleanupInvalid(m.Positions.AllSymbols())
}

// retryProtection re-attempts SetPositionProtection for a position the
// initial open left UNPROTECTED. Every failed attempt is a critical,
// published condition; a success clears the flag and restores the position
// to OPEN.
func (m *PositionMonitor) retryProtection(ctx context.Context, gw exchange.Gateway, id string) {
	_ = m.Positions.WithLock(id, func(p *position.Position) error {
		sl, _ := p.StopLoss.Float64()
		tp, _ := p.TakeProfit.Float64()
		req := exchange.ProtectionRequest{
			Exchange:   p.Exchange,
			Symbol:     p.Symbol,
			Direction:  exchange.ResolveDirection(gw.PositionMode(), directionOf(p)),
			StopLoss:   &sl,
			TakeProfit: &tp,
			Mode:       exchange.ProtectionFull,
		}
		if err := gw.SetPositionProtection(ctx, req); err != nil {
			p.UnprotectedAttempts++
			log.Printf("🚨 position monitor: protection retry %d failed for %s: %v", p.UnprotectedAttempts, p.ID, err)
			if m.Bus != nil {
				m.Bus.Publish(events.EventProtectionCritical, *p)
			}
			return nil
		}
		p.Unprotected = false
		p.Status = position.StatusOpen
		log.Printf("✅ position monitor: protection restored for %s after %d attempts", p.ID, p.UnprotectedAttempts)
		if m.Bus != nil {
			m.Bus.Publish(events.EventProtectionRestored, *p)
		}
		return nil
	})
	m.persistFromStore(ctx, id)
}

func (m *PositionMonitor) persistFromStore(ctx context.Context, id string) {
	snap, ok := m.Positions.Snapshot(id)
	if !ok {
		return
	}
	m.persist(ctx, &snap)
}

// onOrderUpdate reconciles a venue order-status delta against the persisted
// core_orders row, so fills that complete after PositionMonitor's own
// submissions (e.g. protective stop triggers) are still recorded.
func (m *PositionMonitor) onOrderUpdate(ctx context.Context, d exchange.OrderStatusDelta) {
	if m.DB == nil || d.ClientID == "" {
		return
	}
	if err := m.DB.UpdateCoreOrderFill(ctx, d.ClientID, string(d.Status), d.ExchangeOrderID, d.FilledQty, d.AvgPrice); err != nil {
		log.Printf("❌ position monitor: order update persist failed: %v", err)
	}
	if m.Bus != nil {
		m.Bus.Publish(events.EventOrderUpdate, d)
	}
}

func (m *PositionMonitor) persist(ctx context.Context, p *position.Position) {
	if m.DB == nil {
		return
	}
	row := db.CorePosition{
		ID: p.ID, Exchange: p.Exchange, Symbol: p.Symbol, Side: string(p.Side),
		EntryPrice: p.EntryPrice.InexactFloat64(), Qty: p.Qty.InexactFloat64(), InitialQty: p.InitialQty.InexactFloat64(),
		Leverage: p.Leverage, StopLoss: p.StopLoss.InexactFloat64(), TakeProfit: p.TakeProfit.InexactFloat64(),
		HighWaterPct: p.HighestFavourablePct.InexactFloat64(), LadderBitmask: int64(p.LadderBitmask), LockBitmask: int64(p.LockBitmask),
		BreakevenArmed: p.BreakevenArmed, TrailingArmed: p.TrailingArmed,
		ProtectionUpdateCount: p.ProtectionUpdateCount, Status: string(p.Status),
	}
	if err := m.DB.UpsertCorePosition(ctx, row); err != nil {
		log.Printf("❌ position monitor: persist position %s failed: %v", p.ID, err)
	}
}

func (m *PositionMonitor) publishProtected(p *position.Position) {
	if m.Bus != nil {
		m.Bus.Publish(events.EventPositionChange, *p)
	}
}

func (m *PositionMonitor) publishFilled(p *position.Position) {
	if m.Bus != nil {
		m.Bus.Publish(events.EventPositionChange, *p)
	}
}

func directionOf(p *position.Position) exchange.PositionSide {
	if p.IsLong() {
		return exchange.PositionLong
	}
	return exchange.PositionShort
}

func closeSide(p *position.Position) exchange.Side {
	if p.IsLong() {
		return exchange.SideSell
	}
	return exchange.SideBuy
}
