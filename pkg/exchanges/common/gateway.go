package common

import "context"

// Gateway abstracts a trading venue behind a uniform contract. Every write
// call is idempotent given OrderRequest.ClientID. The Binance implementations
// make a single attempt per REST call: a network-level failure is returned to
// the caller as ErrNetwork without an internal retry, and a definitive
// rejection is likewise returned as-is — see ErrorKind.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// SetPositionProtection installs or updates SL/TP for a position slot.
	// Where the venue lacks a single trading-stop call, the implementation
	// emulates it with a STOP_MARKET + TAKE_PROFIT_MARKET reduce-only pair
	// tracked as children of the position.
	SetPositionProtection(ctx context.Context, req ProtectionRequest) error

	FetchPositions(ctx context.Context) ([]PositionView, error)
	FetchBalance(ctx context.Context) ([]AccountBalance, error)

	// SubscribePrices returns an infinite, restartable stream of mark-price
	// ticks for the given symbols. The returned stop func tears the stream
	// down; the channel closes once stop is called or ctx is done.
	SubscribePrices(ctx context.Context, symbols []string) (<-chan PriceTick, func(), error)

	// SubscribeOrderUpdates returns an infinite, restartable stream of order
	// state deltas from the venue's user-data channel.
	SubscribeOrderUpdates(ctx context.Context) (<-chan OrderStatusDelta, func(), error)

	// Name identifies the venue for rate-limiter bucket keys and logs.
	Name() string

	// PositionMode reports whether the venue account is in hedge or one-way
	// mode, so callers can resolve PositionDirection without guessing.
	PositionMode() PositionMode

	// Healthy reports whether the gateway currently believes writes are
	// safe. AuthFailed marks a gateway unhealthy until an operator clears it.
	Healthy() bool
}
