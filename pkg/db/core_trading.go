package db

import (
	"context"
	"time"
)

// CoreOrder is the persisted record of an OrderExecutor submission.
type CoreOrder struct {
	ID              string
	PositionID      string
	ReservationID   string
	Exchange        string
	Symbol          string
	Side            string
	Type            string
	RequestedQty    float64
	FilledQty       float64
	AvgFillPrice    float64
	Status          string
	ExchangeOrderID string
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CorePosition is the persisted record of a position.Position.
type CorePosition struct {
	ID                    string
	Exchange              string
	Symbol                string
	Side                  string
	EntryPrice            float64
	Qty                   float64
	InitialQty            float64
	Leverage              int
	StopLoss              float64
	TakeProfit            float64
	HighWaterPct          float64
	LadderBitmask         int64
	LockBitmask           int64
	BreakevenArmed        bool
	TrailingArmed         bool
	ProtectionUpdateCount int
	Status                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CoreEvent is an append-only audit row for the trading lifecycle.
type CoreEvent struct {
	Kind       string
	PositionID string
	OrderID    string
	Payload    string
}

// CreateCoreOrder inserts a new core_orders row.
func (d *Database) CreateCoreOrder(ctx context.Context, o CoreOrder) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO core_orders (id, position_id, reservation_id, exchange, symbol, side, type,
			requested_qty, filled_qty, avg_fill_price, status, exchange_order_id, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.PositionID, o.ReservationID, o.Exchange, o.Symbol, o.Side, o.Type,
		o.RequestedQty, o.FilledQty, o.AvgFillPrice, o.Status, o.ExchangeOrderID, o.IdempotencyKey, time.Now(), time.Now())
	return err
}

// UpdateCoreOrderFill updates fill progress and status for an order.
func (d *Database) UpdateCoreOrderFill(ctx context.Context, id, status, exchangeOrderID string, filledQty, avgPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE core_orders SET status = ?, exchange_order_id = ?, filled_qty = ?, avg_fill_price = ?, updated_at = ?
		WHERE id = ?
	`, status, exchangeOrderID, filledQty, avgPrice, time.Now(), id)
	return err
}

// UpsertCorePosition inserts or replaces a position row by id.
func (d *Database) UpsertCorePosition(ctx context.Context, p CorePosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO core_positions (id, exchange, symbol, side, entry_price, qty, initial_qty, leverage,
			stop_loss, take_profit, high_water_pct, ladder_bitmask, lock_bitmask, breakeven_armed, trailing_armed,
			protection_update_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			high_water_pct = excluded.high_water_pct,
			ladder_bitmask = excluded.ladder_bitmask,
			lock_bitmask = excluded.lock_bitmask,
			breakeven_armed = excluded.breakeven_armed,
			trailing_armed = excluded.trailing_armed,
			protection_update_count = excluded.protection_update_count,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.ID, p.Exchange, p.Symbol, p.Side, p.EntryPrice, p.Qty, p.InitialQty, p.Leverage,
		p.StopLoss, p.TakeProfit, p.HighWaterPct, p.LadderBitmask, p.LockBitmask, p.BreakevenArmed, p.TrailingArmed,
		p.ProtectionUpdateCount, p.Status, time.Now(), time.Now())
	return err
}

// ListOpenCorePositions returns every position not in CLOSED status, used to
// repopulate position.Store on restart.
func (d *Database) ListOpenCorePositions(ctx context.Context) ([]CorePosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange, symbol, side, entry_price, qty, initial_qty, leverage, stop_loss, take_profit,
			high_water_pct, ladder_bitmask, lock_bitmask, breakeven_armed, trailing_armed, protection_update_count, status, created_at, updated_at
		FROM core_positions WHERE status != 'CLOSED'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorePosition
	for rows.Next() {
		var p CorePosition
		if err := rows.Scan(&p.ID, &p.Exchange, &p.Symbol, &p.Side, &p.EntryPrice, &p.Qty, &p.InitialQty, &p.Leverage,
			&p.StopLoss, &p.TakeProfit, &p.HighWaterPct, &p.LadderBitmask, &p.LockBitmask, &p.BreakevenArmed, &p.TrailingArmed,
			&p.ProtectionUpdateCount, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordCoreEvent appends an audit row. Errors are the caller's to decide
// whether to treat as fatal; audit logging never blocks the trading path.
func (d *Database) RecordCoreEvent(ctx context.Context, e CoreEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO core_events (kind, position_id, order_id, payload, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.Kind, e.PositionID, e.OrderID, e.Payload, time.Now())
	return err
}

// InsertSignalSeen records a fingerprint for audit/debugging alongside the
// in-memory Deduplicator, which is the authoritative admission check.
func (d *Database) InsertSignalSeen(ctx context.Context, fingerprint, symbol, side, strategyID string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals_seen (fingerprint, symbol, side, strategy_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, fingerprint, symbol, side, strategyID, time.Now())
	return err
}

// CreateReservationRow mirrors a balance.Reservation for durability/audit;
// the in-memory Ledger is authoritative during a run.
func (d *Database) CreateReservationRow(ctx context.Context, id, exchange, currency, purpose, state string, amount float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reservations (id, exchange, currency, amount, purpose, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, exchange, currency, amount, purpose, state, time.Now(), time.Now())
	return err
}

// UpdateReservationState updates a reservation's lifecycle state.
func (d *Database) UpdateReservationState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE reservations SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now(), id)
	return err
}
