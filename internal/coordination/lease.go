// Package coordination implements single-writer role leasing on top of the
// persistence layer's CAS primitives, so that at most one process instance
// runs the trading coordinator, the SLTP runner, or any other role marked
// single-writer at a time.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"coretrader/pkg/db"
)

// ErrExpired is returned by Heartbeat when the lease was lost (swept or
// taken over by another candidate) between heartbeats.
var ErrExpired = errors.New("coordination: lease expired")

// ErrAlreadyHeld surfaces the persistence layer's CAS rejection.
var ErrAlreadyHeld = db.ErrAlreadyHeld

// Lease is the client-side handle returned by Register.
type Lease struct {
	Role      string
	HolderID  string
	grantedAt time.Time
}

// Coordinator is the WorkerCoordinator: register/heartbeat/release plus a
// background sweeper that expires stale leases.
type Coordinator struct {
	store           *db.Database
	heartbeatTTL    time.Duration
	heartbeatPeriod time.Duration

	mu     sync.Mutex
	leases map[string]*Lease // role -> our own active lease, if held
}

// NewCoordinator builds a coordinator backed by store. heartbeatTTL is the
// timeout after which a missed heartbeat frees the role (spec default 60s);
// heartbeatPeriod is the cadence at which Run refreshes held leases (spec
// default 30s).
func NewCoordinator(store *db.Database, heartbeatTTL, heartbeatPeriod time.Duration) *Coordinator {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 60 * time.Second
	}
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	return &Coordinator{
		store:           store,
		heartbeatTTL:    heartbeatTTL,
		heartbeatPeriod: heartbeatPeriod,
		leases:          make(map[string]*Lease),
	}
}

// Register attempts to take the named role for candidateID. It returns
// ErrAlreadyHeld if another live holder exists; callers (e.g. the
// TradingCoordinator) must exit cleanly on that error.
func (c *Coordinator) Register(ctx context.Context, role, candidateID, metadata string) (*Lease, error) {
	if err := c.store.AcquireLease(ctx, role, candidateID, metadata, c.heartbeatTTL); err != nil {
		if errors.Is(err, db.ErrAlreadyHeld) {
			return nil, ErrAlreadyHeld
		}
		return nil, fmt.Errorf("coordination: register %s: %w", role, err)
	}
	lease := &Lease{Role: role, HolderID: candidateID, grantedAt: time.Now()}
	c.mu.Lock()
	c.leases[role] = lease
	c.mu.Unlock()
	log.Printf("🔒 lease acquired: role=%s holder=%s", role, candidateID)
	return lease, nil
}

// Heartbeat refreshes the lease. An ErrExpired return means the lease
// was lost; the caller must stop acting as the single writer immediately.
func (c *Coordinator) Heartbeat(ctx context.Context, l *Lease) error {
	ok, err := c.store.Heartbeat(ctx, l.Role, l.HolderID)
	if err != nil {
		return fmt.Errorf("coordination: heartbeat %s: %w", l.Role, err)
	}
	if !ok {
		c.mu.Lock()
		delete(c.leases, l.Role)
		c.mu.Unlock()
		log.Printf("⚠️ lease expired before heartbeat: role=%s holder=%s", l.Role, l.HolderID)
		return ErrExpired
	}
	return nil
}

// Release clears the slot immediately, allowing another candidate to take
// over without waiting for the heartbeat timeout.
func (c *Coordinator) Release(ctx context.Context, l *Lease) error {
	c.mu.Lock()
	delete(c.leases, l.Role)
	c.mu.Unlock()
	if err := c.store.ReleaseLease(ctx, l.Role, l.HolderID); err != nil {
		return fmt.Errorf("coordination: release %s: %w", l.Role, err)
	}
	log.Printf("🔓 lease released: role=%s holder=%s", l.Role, l.HolderID)
	return nil
}

// RunHeartbeat heartbeats l on the configured cadence until ctx is done or
// the lease is lost. onExpired is invoked exactly once if the lease expires
// out from under the caller, so the owning component can stop its writes.
func (c *Coordinator) RunHeartbeat(ctx context.Context, l *Lease, onExpired func()) {
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, l); err != nil {
				if errors.Is(err, ErrExpired) && onExpired != nil {
					onExpired()
				}
				return
			}
		}
	}
}

// RunSweeper periodically expires stale leases so a dead holder's role
// becomes acquirable without waiting on that holder to come back and
// release it. This is the mechanism behind worker takeover (spec S6).
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.heartbeatTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := c.store.SweepExpiredLeases(ctx, c.heartbeatTTL)
			if err != nil {
				log.Printf("❌ lease sweep error: %v", err)
				continue
			}
			for _, role := range expired {
				log.Printf("🔄 lease swept (heartbeat timeout): role=%s", role)
			}
		}
	}
}
