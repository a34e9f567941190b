// Package balance implements the BalanceLedger: an in-memory cache of
// per-(exchange, currency) balances plus an atomic reservation set, with
// periodic reconciliation against the exchange as the source of truth for
// totals.
package balance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle tag for a Reservation.
type ReservationState string

const (
	StateHeld      ReservationState = "HELD"
	StateReleased  ReservationState = "RELEASED"
	StateCommitted ReservationState = "COMMITTED"
)

// Reservation is a hold on the ledger, created before an order is submitted
// and resolved to COMMITTED (on fill) or RELEASED (on rejection/cancel).
type Reservation struct {
	ID        string
	Exchange  string
	Currency  string
	Amount    decimal.Decimal
	Purpose   string
	State     ReservationState
	CreatedAt time.Time
}

// Snapshot is the cached (total, available, locked) triple for one
// (exchange, currency) pair.
type Snapshot struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

type key struct{ exchange, currency string }

// InsufficientFundsError reports the requested amount and the shortfall.
type InsufficientFundsError struct {
	Exchange, Currency string
	Requested          decimal.Decimal
	Shortage           decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("balance: insufficient funds on %s/%s: requested %s, short %s",
		e.Exchange, e.Currency, e.Requested.String(), e.Shortage.String())
}

// Ledger is the BalanceLedger component. Every mutation is guarded by a
// single mutex; Reserve is atomic check-and-insert so readers never observe
// a state where a reservation exists without having passed the available
// balance check.
type Ledger struct {
	mu           sync.Mutex
	snapshots    map[key]*Snapshot
	reservations map[string]*Reservation

	syncInterval time.Duration
}

// NewLedger builds an empty ledger. syncInterval paces the periodic
// reconciliation task started by Start.
func NewLedger(syncInterval time.Duration) *Ledger {
	return &Ledger{
		snapshots:    make(map[key]*Snapshot),
		reservations: make(map[string]*Reservation),
		syncInterval: syncInterval,
	}
}

// Update replaces the cached snapshot for (exchange, currency) from a
// reconciliation fetch. Reservations survive updates: they represent local
// intent the exchange doesn't know about yet.
func (l *Ledger) Update(exchange, currency string, total, available, locked decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots[key{exchange, currency}] = &Snapshot{
		Total: total, Available: available, Locked: locked, UpdatedAt: time.Now(),
	}
}

// heldSumLocked returns the sum of HELD reservation amounts for (exchange,
// currency). Caller must hold l.mu.
func (l *Ledger) heldSumLocked(exchange, currency string) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range l.reservations {
		if r.State == StateHeld && r.Exchange == exchange && r.Currency == currency {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// Check is a pure predicate: amount <= available - sum(HELD reservations).
func (l *Ledger) Check(exchange, currency string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(exchange, currency, amount)
}

func (l *Ledger) checkLocked(exchange, currency string, amount decimal.Decimal) error {
	snap, ok := l.snapshots[key{exchange, currency}]
	if !ok {
		return &InsufficientFundsError{Exchange: exchange, Currency: currency, Requested: amount, Shortage: amount}
	}
	free := snap.Available.Sub(l.heldSumLocked(exchange, currency))
	if amount.GreaterThan(free) {
		return &InsufficientFundsError{
			Exchange: exchange, Currency: currency, Requested: amount,
			Shortage: amount.Sub(free),
		}
	}
	return nil
}

// Reserve atomically checks and inserts a HELD reservation. The invariant
// sum(HELD) <= cached_available is enforced entirely inside this critical
// section.
func (l *Ledger) Reserve(exchange, currency string, amount decimal.Decimal, purpose string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(exchange, currency, amount); err != nil {
		return nil, err
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		Exchange:  exchange,
		Currency:  currency,
		Amount:    amount,
		Purpose:   purpose,
		State:     StateHeld,
		CreatedAt: time.Now(),
	}
	l.reservations[r.ID] = r
	log.Printf("🔒 reservation held: id=%s %s/%s amount=%s purpose=%s", r.ID, exchange, currency, amount.String(), purpose)
	return r, nil
}

// Commit marks a reservation COMMITTED and subtracts it from available; the
// next reconciliation confirms the exchange-side effect.
func (l *Ledger) Commit(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("balance: unknown reservation %s", reservationID)
	}
	if r.State != StateHeld {
		return fmt.Errorf("balance: reservation %s not HELD (state=%s)", reservationID, r.State)
	}
	r.State = StateCommitted
	if snap, ok := l.snapshots[key{r.Exchange, r.Currency}]; ok {
		snap.Available = snap.Available.Sub(r.Amount)
	}
	log.Printf("💸 reservation committed: id=%s %s/%s amount=%s", r.ID, r.Exchange, r.Currency, r.Amount.String())
	return nil
}

// Release marks a reservation RELEASED. No balance movement: a HELD
// reservation never touched available, it only shadowed it.
func (l *Ledger) Release(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("balance: unknown reservation %s", reservationID)
	}
	if r.State == StateCommitted {
		return fmt.Errorf("balance: cannot release committed reservation %s", reservationID)
	}
	r.State = StateReleased
	log.Printf("🔓 reservation released: id=%s %s/%s amount=%s", r.ID, r.Exchange, r.Currency, r.Amount.String())
	return nil
}

// Get returns a snapshot by value, or false if none cached.
func (l *Ledger) Get(exchange, currency string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, ok := l.snapshots[key{exchange, currency}]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// OpenReservations lists all currently HELD reservations, for the status
// surface.
func (l *Ledger) OpenReservations() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Reservation, 0)
	for _, r := range l.reservations {
		if r.State == StateHeld {
			out = append(out, *r)
		}
	}
	return out
}

// AccountBalance mirrors the gateway's balance shape without importing the
// exchanges package, keeping this package's dependency surface narrow.
type AccountBalance struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// BalanceFetcher is the narrow interface an ExchangeGateway satisfies for
// reconciliation purposes.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context) ([]AccountBalance, error)
	Name() string
}

// Start begins periodic reconciliation against fetcher, replacing cached
// snapshots every syncInterval until ctx is cancelled.
func (l *Ledger) Start(ctx context.Context, fetcher BalanceFetcher) {
	l.reconcile(ctx, fetcher)
	ticker := time.NewTicker(l.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.reconcile(ctx, fetcher)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Ledger) reconcile(ctx context.Context, fetcher BalanceFetcher) {
	if fetcher == nil {
		return
	}
	balances, err := fetcher.FetchBalance(ctx)
	if err != nil {
		log.Printf("❌ balance reconciliation error (%s): %v", fetcher.Name(), err)
		return
	}
	for _, b := range balances {
		l.Update(fetcher.Name(), b.Currency, b.Total, b.Available, b.Locked)
	}
	log.Printf("💰 balance reconciled: exchange=%s currencies=%d", fetcher.Name(), len(balances))
}
