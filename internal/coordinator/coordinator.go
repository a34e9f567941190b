// Package coordinator implements the TradingCoordinator: the top-level
// component that owns the worker lease, wires the signal pipeline
// (Deduplicator -> RiskEvaluator -> OrderExecutor), and starts
// PositionMonitor under that lease.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coretrader/internal/balance"
	"coretrader/internal/coordination"
	"coretrader/internal/events"
	"coretrader/internal/monitor"
	"coretrader/internal/order"
	"coretrader/internal/position"
	"coretrader/internal/risk"
	"coretrader/internal/signal"
	"coretrader/pkg/db"
)

// Role is the lease role name the coordinator registers for. Only one
// process holding this role may submit orders at a time.
const Role = "trading-coordinator"

// shutdownGrace bounds how long Shutdown waits for in-flight signal handling
// to drain before returning.
const shutdownGrace = 10 * time.Second

// Coordinator is the TradingCoordinator component.
type Coordinator struct {
	Lease     *coordination.Coordinator
	Dedup     *signal.Deduplicator
	Risk      *risk.Evaluator
	Executor  *order.Executor
	Positions *position.Store
	Ledger    *balance.Ledger
	Monitor   *monitor.PositionMonitor
	Metrics   *monitor.SystemMetrics
	Bus       *events.Bus
	DB        *db.Database

	mu      sync.Mutex
	lease   *coordination.Lease
	wg      sync.WaitGroup
	running bool
}

// Run acquires the trading-coordinator lease, starts PositionMonitor and the
// lease heartbeat, and blocks until ctx is cancelled or the lease is lost.
// ErrAlreadyHeld means another process is active; Run returns cleanly so the
// caller can exit without retrying.
func (c *Coordinator) Run(ctx context.Context, candidateID string) error {
	lease, err := c.Lease.Register(ctx, Role, candidateID, "")
	if err != nil {
		if errors.Is(err, coordination.ErrAlreadyHeld) {
			log.Printf("ℹ️ coordinator: role %q already held elsewhere, exiting", Role)
			return nil
		}
		return fmt.Errorf("coordinator: lease registration failed: %w", err)
	}

	c.mu.Lock()
	c.lease = lease
	c.running = true
	c.mu.Unlock()

	expired := make(chan struct{})
	go c.Lease.RunHeartbeat(ctx, lease, func() { close(expired) })

	if c.Monitor != nil {
		c.Monitor.Start(ctx)
	}

	log.Printf("✅ coordinator: acquired role %q as %s", Role, candidateID)

	select {
	case <-ctx.Done():
	case <-expired:
		log.Printf("⚠️ coordinator: lease %q expired unexpectedly", Role)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// HandleSignal runs the full inbound pipeline: dedup admission, risk
// evaluation, and order submission. A duplicate or rejected signal returns
// nil — both are expected, logged outcomes, not transport-level failures.
func (c *Coordinator) HandleSignal(ctx context.Context, sig signal.Signal) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: not holding the %q lease", Role)
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	if err := sig.Validate(); err != nil {
		return fmt.Errorf("coordinator: invalid signal: %w", err)
	}

	if c.Metrics != nil {
		timer := monitor.NewTimer(c.Metrics.SignalLatency)
		defer timer.Stop()
	}

	if !c.Dedup.Admit(sig) {
		log.Printf("ℹ️ coordinator: duplicate signal dropped symbol=%s side=%s strategy=%s", sig.Symbol, sig.Side, sig.StrategyID)
		return nil
	}
	if c.Metrics != nil {
		c.Metrics.IncrementSignals()
	}
	if c.DB != nil {
		fp := fmt.Sprintf("%016x", sig.Fingerprint())
		_ = c.DB.InsertSignalSeen(ctx, fp, sig.Symbol, string(sig.Side), sig.StrategyID)
	}

	intent, err := c.Risk.Evaluate(sig, c.portfolioState())
	if err != nil {
		var rerr *risk.RejectionError
		if errors.As(err, &rerr) {
			log.Printf("⛔ coordinator: signal rejected kind=%s reason=%s symbol=%s", rerr.Kind, rerr.Reason, sig.Symbol)
			if c.Bus != nil {
				c.Bus.Publish(events.EventRiskAlert, rerr)
			}
			if c.Metrics != nil {
				c.Metrics.RecordRejection(sig.Symbol, string(rerr.Kind), rerr.Reason)
			}
			return nil
		}
		if c.Metrics != nil {
			c.Metrics.IncrementErrors()
		}
		return fmt.Errorf("coordinator: risk evaluation error: %w", err)
	}

	if _, err := c.Executor.Submit(ctx, sig, *intent); err != nil {
		return fmt.Errorf("coordinator: order submission failed: %w", err)
	}
	return nil
}

// portfolioState derives the RiskEvaluator's view of current exposure from
// the live position.Store, so the evaluator never needs its own bookkeeping.
func (c *Coordinator) portfolioState() risk.PortfolioState {
	ids := c.Positions.All()
	byDir := make(map[string]int)
	for _, id := range ids {
		snap, ok := c.Positions.Snapshot(id)
		if !ok {
			continue
		}
		byDir[string(snap.Side)]++
	}
	if c.Metrics != nil && c.Ledger != nil {
		c.Metrics.SetPositionCounts(len(ids), len(c.Ledger.OpenReservations()))
	}
	return risk.PortfolioState{
		OpenPositions:      len(ids),
		OpenPositionsByDir: byDir,
		AsOf:               time.Now(),
	}
}

// Shutdown releases the lease and waits up to shutdownGrace for in-flight
// HandleSignal calls to finish.
func (c *Coordinator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("⚠️ coordinator: shutdown grace period elapsed with in-flight signals still running")
	}

	c.mu.Lock()
	lease := c.lease
	c.mu.Unlock()
	if lease != nil {
		if err := c.Lease.Release(ctx, lease); err != nil {
			log.Printf("❌ coordinator: lease release failed: %v", err)
		}
	}
}
