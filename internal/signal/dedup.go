package signal

import (
	"sync"
	"time"
)

// Deduplicator rejects signals whose fingerprint was already admitted within
// the window. Cleanup is lazy: each Admit call purges fingerprints older
// than the window before checking, mirroring the expiring-map pattern used
// by the rest of the codebase's caches.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[uint64]time.Time
	window time.Duration

	totalChecks int64
	duplicates  int64
}

// NewDeduplicator builds a deduplicator with the given window (default 300s
// per the spec).
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Deduplicator{
		seen:   make(map[uint64]time.Time),
		window: window,
	}
}

// Admit returns true if the signal is accepted (first time seen within the
// window), false if it is a duplicate.
func (d *Deduplicator) Admit(s Signal) bool {
	fp := s.Fingerprint()
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalChecks++
	d.purgeExpired(now)

	if _, ok := d.seen[fp]; ok {
		d.duplicates++
		return false
	}
	d.seen[fp] = now
	return true
}

func (d *Deduplicator) purgeExpired(now time.Time) {
	cutoff := now.Add(-d.window)
	for fp, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, fp)
		}
	}
}

// Stats is the observability surface: total admit calls and how many were
// rejected as duplicates.
type Stats struct {
	TotalChecks int64
	Duplicates  int64
	Tracked     int
}

func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalChecks: d.totalChecks,
		Duplicates:  d.duplicates,
		Tracked:     len(d.seen),
	}
}
