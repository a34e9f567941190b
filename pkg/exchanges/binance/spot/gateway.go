package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"coretrader/pkg/exchanges/common"
)

const (
	wsBase     = "wss://stream.binance.com:9443/ws"
	wsBaseTest = "wss://testnet.binance.vision/ws"
)

// Gateway adapts Client to the common.Gateway contract. Spot has no
// hedge/short concept, so PositionMode is always ONE_WAY and protection is
// emulated with a single reduce-side STOP_LOSS_LIMIT sell order. Spot take
// profit is not installed: no resting order is placed for it and no
// component closes the position when the mark reaches it.
type Gateway struct {
	client    *Client
	name      string
	wsURL     string
	healthy   atomic.Bool
	listenKey string
	listenMu  sync.Mutex
	syncOnce  sync.Once
}

func NewGateway(client *Client, name string) *Gateway {
	g := &Gateway{client: client, name: name, wsURL: wsBase}
	if client.cfg.Testnet {
		g.wsURL = wsBaseTest
	}
	g.healthy.Store(true)
	return g
}

func (g *Gateway) Name() string                      { return g.name }
func (g *Gateway) PositionMode() common.PositionMode { return common.ModeOneWay }
func (g *Gateway) Healthy() bool                     { return g.healthy.Load() }

func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	res, err := g.client.SubmitOrder(ctx, req)
	if err != nil {
		g.classifyAndMaybeMarkUnhealthy(err)
		return common.OrderResult{}, translateError(g.name, err)
	}
	return res, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return g.client.CancelOrder(ctx, symbol, exchangeOrderID)
}

// SetPositionProtection places a single STOP_LOSS_LIMIT sell order covering
// the full (or partial) remaining quantity. req.TakeProfit is ignored: no
// take-profit order is placed on spot.
func (g *Gateway) SetPositionProtection(ctx context.Context, req common.ProtectionRequest) error {
	if req.StopLoss == nil {
		return nil
	}
	o := common.OrderRequest{
		Symbol:      req.Symbol,
		Side:        common.SideSell,
		Type:        common.OrderTypeStopLossLimit,
		StopPrice:   *req.StopLoss,
		Price:       *req.StopLoss,
		TimeInForce: common.TIFGTC,
	}
	if _, err := g.client.SubmitOrder(ctx, o); err != nil {
		return translateError(g.name, fmt.Errorf("set stop loss: %w", err))
	}
	return nil
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]common.PositionView, error) {
	info, err := g.client.GetAccountInfo(ctx)
	if err != nil {
		return nil, translateError(g.name, err)
	}
	var views []common.PositionView
	for _, b := range info.Balances {
		free := parseFloat(b.Free)
		if free <= 0 || b.Asset == "USDT" || b.Asset == "BUSD" || b.Asset == "USDC" {
			continue
		}
		views = append(views, common.PositionView{
			Exchange:  g.name,
			Symbol:    b.Asset + "USDT",
			Direction: common.DirectionNet,
			Side:      common.PositionLong,
			Qty:       free,
		})
	}
	return views, nil
}

func (g *Gateway) FetchBalance(ctx context.Context) ([]common.AccountBalance, error) {
	info, err := g.client.GetAccountInfo(ctx)
	if err != nil {
		return nil, translateError(g.name, err)
	}
	out := make([]common.AccountBalance, 0, len(info.Balances))
	for _, b := range info.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.AccountBalance{
			Currency:  b.Asset,
			Total:     free + locked,
			Available: free,
			Locked:    locked,
		})
	}
	return out, nil
}

func (g *Gateway) SubscribePrices(ctx context.Context, symbols []string) (<-chan common.PriceTick, func(), error) {
	g.syncOnce.Do(func() { g.client.timeSync.Start(ctx) })

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@bookTicker"
	}
	url := g.wsURL + "/" + strings.Join(streams, "/")

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan common.PriceTick, 256)
	var closeOnce sync.Once
	stop := func() {
		closeOnce.Do(func() {
			cancel()
			close(out)
		})
	}

	r := &common.Reconnector{
		OnErr: func(err error) { log.Printf("⚠️ spot: bookTicker stream error, reconnecting: %v", err) },
		Dial: func(ctx context.Context) error {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return fmt.Errorf("dial bookTicker stream: %w", err)
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
			}()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if isNormalClose(err) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				tick, ok := parseBookTicker(g.name, msg)
				if !ok {
					continue
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return nil
				default:
				}
			}
		},
	}
	go r.Run(streamCtx)

	return out, stop, nil
}

// SubscribeOrderUpdates keeps the listen key alive and republishes
// executionReport events from the spot user-data stream, requesting a fresh
// listen key and redialing with backoff whenever the stream drops.
func (g *Gateway) SubscribeOrderUpdates(ctx context.Context) (<-chan common.OrderStatusDelta, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan common.OrderStatusDelta, 64)
	var closeOnce sync.Once
	stop := func() {
		closeOnce.Do(func() {
			cancel()
			close(out)
		})
	}

	r := &common.Reconnector{
		OnErr: func(err error) { log.Printf("⚠️ spot: user stream error, reconnecting: %v", err) },
		Dial: func(ctx context.Context) error {
			key, err := g.client.CreateListenKey(ctx)
			if err != nil {
				return fmt.Errorf("create listen key: %w", err)
			}
			g.listenMu.Lock()
			g.listenKey = key
			g.listenMu.Unlock()

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.wsURL+"/"+key, nil)
			if err != nil {
				return fmt.Errorf("dial user stream: %w", err)
			}
			defer conn.Close()

			keepAlive := time.NewTicker(30 * time.Minute)
			defer keepAlive.Stop()
			go func() {
				for {
					select {
					case <-ctx.Done():
						_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
						_ = conn.Close()
						return
					case <-keepAlive.C:
						if err := g.client.KeepAliveListenKey(ctx, key); err != nil {
							log.Printf("⚠️ spot: listen key keepalive failed: %v", err)
						}
					}
				}
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if isNormalClose(err) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				delta, ok := parseExecutionReport(g.name, msg)
				if !ok {
					continue
				}
				select {
				case out <- delta:
				case <-ctx.Done():
					return nil
				default:
				}
			}
		},
	}
	go r.Run(streamCtx)

	return out, stop, nil
}

func (g *Gateway) classifyAndMaybeMarkUnhealthy(err error) {
	if strings.Contains(err.Error(), "status 401") || strings.Contains(err.Error(), "-2015") {
		g.healthy.Store(false)
	}
}

func translateError(exchange string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "-2010") || strings.Contains(msg, "insufficient balance"):
		return common.NewGatewayError(exchange, common.ErrInsufficientFunds, msg, err)
	case strings.Contains(msg, "-1013") || strings.Contains(msg, "NOTIONAL"):
		return common.NewGatewayError(exchange, common.ErrMinNotional, msg, err)
	case strings.Contains(msg, "-1003"):
		return common.NewGatewayError(exchange, common.ErrThrottled, msg, err)
	case strings.Contains(msg, "status 401") || strings.Contains(msg, "-2015"):
		return common.NewGatewayError(exchange, common.ErrAuthFailed, msg, err)
	case strings.Contains(msg, "-1100") || strings.Contains(msg, "-1102"):
		return common.NewGatewayError(exchange, common.ErrInvalidParams, msg, err)
	default:
		return common.NewGatewayError(exchange, common.ErrNetwork, msg, err)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseBookTicker(exchange string, msg []byte) (common.PriceTick, bool) {
	var raw struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil || raw.Symbol == "" {
		return common.PriceTick{}, false
	}
	mid := (parseFloat(raw.Bid) + parseFloat(raw.Ask)) / 2
	return common.PriceTick{Exchange: exchange, Symbol: raw.Symbol, Mark: mid, Ts: time.Now()}, true
}

func parseExecutionReport(exchange string, msg []byte) (common.OrderStatusDelta, bool) {
	var raw struct {
		EventType       string `json:"e"`
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		OrderID         int64  `json:"i"`
		Status          string `json:"X"`
		FilledQty       string `json:"z"`
		LastFillQty     string `json:"l"`
		LastFillPrice   string `json:"L"`
		CumulativeQuote string `json:"Z"`
		Time            int64  `json:"T"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil || raw.EventType != "executionReport" {
		return common.OrderStatusDelta{}, false
	}
	filled := parseFloat(raw.FilledQty)
	avg := 0.0
	if filled > 0 {
		avg = parseFloat(raw.CumulativeQuote) / filled
	}
	return common.OrderStatusDelta{
		Exchange:        exchange,
		Symbol:          raw.Symbol,
		ExchangeOrderID: fmt.Sprintf("%d", raw.OrderID),
		ClientID:        raw.ClientOrderID,
		Status:          mapStatus(raw.Status),
		FilledQty:       filled,
		AvgPrice:        avg,
		LastFillQty:     parseFloat(raw.LastFillQty),
		LastFillPrice:   parseFloat(raw.LastFillPrice),
		Ts:              time.UnixMilli(raw.Time),
	}, true
}
