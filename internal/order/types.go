// Package order implements the OrderExecutor: the single path from a sized,
// risk-approved intent to a submitted exchange order, a balance reservation,
// and — on fill — a tracked Position handed to SLTPEngine.
package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle tag for a tracked Order.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusAccepted Status = "ACCEPTED"
	StatusPartial  Status = "PARTIALLY_FILLED"
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
)

// Order is the internal record of one submission to a Gateway.
type Order struct {
	ID              string
	PositionID      string // empty until a position is opened on fill
	ReservationID   string
	Exchange        string
	Symbol          string
	Side            string // BUY/SELL
	Type            string
	RequestedQty    decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          Status
	ExchangeOrderID string
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminalRejection reports whether the order is in a state the reserved
// balance must be released from rather than committed.
func (o *Order) IsTerminalRejection() bool {
	return o.Status == StatusRejected
}
