// Package reconciliation periodically compares PositionMonitor's in-memory
// view of open positions against what each exchange actually reports, and
// flags drift instead of silently correcting it — Position mutation stays
// the sole responsibility of position.Store's per-entity lock, so a detected
// mismatch here is an audit signal, not a write path.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coretrader/internal/position"
	"coretrader/pkg/db"
	exchange "coretrader/pkg/exchanges/common"
)

// PositionDiff describes a symbol where local and exchange quantity disagree
// beyond tolerance.
type PositionDiff struct {
	Exchange    string
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	Difference  float64
}

// Report is one reconciliation pass's findings.
type Report struct {
	Timestamp time.Time
	Diffs     []PositionDiff
	HasDiffs  bool
}

const tolerance = 0.0001

// Service runs a periodic comparison between position.Store and each
// registered gateway's FetchPositions.
type Service struct {
	Positions *position.Store
	DB        *db.Database
	Interval  time.Duration

	mu       sync.Mutex
	gateways map[string]exchange.Gateway
}

func NewService(positions *position.Store, database *db.Database, interval time.Duration) *Service {
	return &Service{Positions: positions, DB: database, Interval: interval, gateways: make(map[string]exchange.Gateway)}
}

func (s *Service) RegisterGateway(gw exchange.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[gw.Name()] = gw
}

// Start runs Reconcile on Interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report := s.Reconcile(ctx)
				s.handleReport(ctx, report)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("📊 reconciliation: started, interval=%v", s.Interval)
}

// Reconcile fetches every gateway's reported positions and diffs them
// against local open-position quantities per symbol.
func (s *Service) Reconcile(ctx context.Context) *Report {
	s.mu.Lock()
	gateways := make([]exchange.Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		gateways = append(gateways, gw)
	}
	s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	for _, gw := range gateways {
		views, err := gw.FetchPositions(ctx)
		if err != nil {
			log.Printf("❌ reconciliation: fetch positions failed exchange=%s: %v", gw.Name(), err)
			continue
		}
		for _, v := range views {
			localQty := s.localQtyForSymbol(v.Symbol)
			if math.Abs(localQty-v.Qty) <= tolerance {
				continue
			}
			report.Diffs = append(report.Diffs, PositionDiff{
				Exchange:    gw.Name(),
				Symbol:      v.Symbol,
				LocalQty:    localQty,
				ExchangeQty: v.Qty,
				Difference:  localQty - v.Qty,
			})
			report.HasDiffs = true
		}
	}
	return report
}

// localQtyForSymbol sums Qty across every open local position on symbol —
// normally at most one, but hedge-mode long+short slots both count.
func (s *Service) localQtyForSymbol(symbol string) float64 {
	total := decimal.Zero
	for _, id := range s.Positions.ForSymbol(symbol) {
		snap, ok := s.Positions.Snapshot(id)
		if !ok {
			continue
		}
		total = total.Add(snap.Qty)
	}
	f, _ := total.Float64()
	return f
}

func (s *Service) handleReport(ctx context.Context, report *Report) {
	if !report.HasDiffs {
		return
	}
	log.Printf("⚠️ reconciliation: position drift detected")
	for _, d := range report.Diffs {
		log.Printf("  %s/%s: local=%.6f exchange=%.6f diff=%.6f", d.Exchange, d.Symbol, d.LocalQty, d.ExchangeQty, d.Difference)
		if s.DB != nil {
			payload := fmt.Sprintf(`{"exchange":%q,"symbol":%q,"local":%.8f,"exchange_qty":%.8f,"diff":%.8f}`,
				d.Exchange, d.Symbol, d.LocalQty, d.ExchangeQty, d.Difference)
			_ = s.DB.RecordCoreEvent(ctx, db.CoreEvent{Kind: "position_drift", Payload: payload})
		}
	}
}
