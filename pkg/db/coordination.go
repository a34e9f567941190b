package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WorkerLease mirrors a row in worker_leases: a single named role slot with
// at most one holder at a time.
type WorkerLease struct {
	Role          string
	HolderID      string
	LastHeartbeat time.Time
	Metadata      string
	Status        string
}

// ErrAlreadyHeld is returned by AcquireLease when another candidate already
// holds a live (non-expired) lease for the role.
var ErrAlreadyHeld = errors.New("worker lease already held")

// AcquireLease performs a CAS insert: it succeeds only if no row exists for
// the role, or the existing row's heartbeat is older than timeout (expired).
// This is the single strictly-consistent operation that prevents two
// processes from running the same single-writer role concurrently.
func (d *Database) AcquireLease(ctx context.Context, role, holderID, metadata string, timeout time.Duration) error {
	now := time.Now()
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO worker_leases (role, holder_id, last_heartbeat, metadata, status)
		VALUES (?, ?, ?, ?, 'HELD')
		ON CONFLICT(role) DO UPDATE SET
			holder_id = excluded.holder_id,
			last_heartbeat = excluded.last_heartbeat,
			metadata = excluded.metadata,
			status = 'HELD'
		WHERE worker_leases.last_heartbeat < ?
	`, role, holderID, now, metadata, now.Add(-timeout))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Row exists and is still live: did we just take it over, or is it
		// genuinely held by someone else already? Disambiguate by holder.
		lease, getErr := d.GetLease(ctx, role)
		if getErr != nil {
			return getErr
		}
		if lease != nil && lease.HolderID == holderID {
			return nil
		}
		return ErrAlreadyHeld
	}
	return nil
}

// GetLease returns the current lease row for a role, or nil if none exists.
func (d *Database) GetLease(ctx context.Context, role string) (*WorkerLease, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT role, holder_id, last_heartbeat, metadata, status
		FROM worker_leases WHERE role = ?
	`, role)
	var l WorkerLease
	if err := row.Scan(&l.Role, &l.HolderID, &l.LastHeartbeat, &l.Metadata, &l.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// Heartbeat refreshes last_heartbeat for a role, but only if holderID still
// matches — a stale holder cannot resurrect an expired-and-reassigned lease.
func (d *Database) Heartbeat(ctx context.Context, role, holderID string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE worker_leases SET last_heartbeat = ?
		WHERE role = ? AND holder_id = ?
	`, time.Now(), role, holderID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseLease clears the slot so another candidate may acquire immediately.
func (d *Database) ReleaseLease(ctx context.Context, role, holderID string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM worker_leases WHERE role = ? AND holder_id = ?
	`, role, holderID)
	return err
}

// SweepExpiredLeases deletes any lease rows whose heartbeat is older than
// timeout, making the role immediately acquirable. Returns the roles swept.
func (d *Database) SweepExpiredLeases(ctx context.Context, timeout time.Duration) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT role FROM worker_leases WHERE last_heartbeat < ?
	`, time.Now().Add(-timeout))
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	_, err = d.DB.ExecContext(ctx, `
		DELETE FROM worker_leases WHERE last_heartbeat < ?
	`, time.Now().Add(-timeout))
	return expired, err
}
