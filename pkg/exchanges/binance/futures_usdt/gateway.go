package futures_usdt

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
	wsBase     = "wss://fstream.binance.com/ws"
	wsBaseTest = "wss://stream.binancefuture.com/ws"
)

// Gateway adapts Client to the common.Gateway contract for USDT-margined
// futures. It is the only thing the trading core talks to; Client stays a
// thin, venue-literal REST wrapper.
type Gateway struct {
	client   *Client
	name     string
	mode     common.PositionMode
	wsURL    string
	healthy  atomic.Bool
	listenMu sync.Mutex
	listenKey string
	syncOnce sync.Once
}

// NewGateway wraps a configured Client. name identifies the account/venue
// pairing for rate-limiter and log purposes (e.g. "binance-futures-usdt").
func NewGateway(client *Client, name string, hedgeMode bool) *Gateway {
	g := &Gateway{client: client, name: name, mode: common.ModeOneWay, wsURL: wsBase}
	if hedgeMode {
		g.mode = common.ModeHedge
	}
	if client.cfg.Testnet {
		g.wsURL = wsBaseTest
	}
	g.healthy.Store(true)
	return g
}

func (g *Gateway) Name() string                        { return g.name }
func (g *Gateway) PositionMode() common.PositionMode   { return g.mode }
func (g *Gateway) Healthy() bool                        { return g.healthy.Load() }

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

// SetPositionProtection emulates a single trading-stop call with a
// STOP_MARKET + TAKE_PROFIT_MARKET reduce-only pair, both closePosition for a
// FULL update or quantity-bound for a PARTIAL one.
func (g *Gateway) SetPositionProtection(ctx context.Context, req common.ProtectionRequest) error {
	side := common.SideSell
	if req.Direction == common.DirectionShort {
		side = common.SideBuy
	}
	workingType := req.WorkingType
	if workingType == "" {
		workingType = "MARK_PRICE"
	}

	if req.StopLoss != nil {
		o := common.OrderRequest{
			Symbol: req.Symbol, Side: side, Type: common.OrderTypeStopMarket,
			StopPrice: *req.StopLoss, ReduceOnly: true, Direction: req.Direction,
			WorkingType: workingType, PriceProtect: true,
		}
		if _, err := g.client.SubmitOrder(ctx, o); err != nil {
			return translateError(g.name, fmt.Errorf("set stop loss: %w", err))
		}
	}
	if req.TakeProfit != nil {
		o := common.OrderRequest{
			Symbol: req.Symbol, Side: side, Type: common.OrderTypeTakeProfitMkt,
			StopPrice: *req.TakeProfit, ReduceOnly: true, Direction: req.Direction,
			WorkingType: workingType, PriceProtect: true,
		}
		if _, err := g.client.SubmitOrder(ctx, o); err != nil {
			return translateError(g.name, fmt.Errorf("set take profit: %w", err))
		}
	}
	return nil
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]common.PositionView, error) {
	raw, err := g.client.GetPositions(ctx, "")
	if err != nil {
		return nil, translateError(g.name, err)
	}
	views := make([]common.PositionView, 0, len(raw))
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.PositionLong
		if amt < 0 {
			side = common.PositionShort
			amt = -amt
		}
		views = append(views, common.PositionView{
			Exchange:    g.name,
			Symbol:      p.Symbol,
			Direction:   common.ResolveDirection(g.mode, side),
			Side:        side,
			Qty:         amt,
			EntryPrice:  parseFloat(p.EntryPrice),
			UnrealizedP: parseFloat(p.UnRealizedProfit),
			Leverage:    int(parseFloat(p.Leverage)),
		})
	}
	return views, nil
}

func (g *Gateway) FetchBalance(ctx context.Context) ([]common.AccountBalance, error) {
	raw, err := g.client.GetBalance(ctx)
	if err != nil {
		return nil, translateError(g.name, err)
	}
	out := make([]common.AccountBalance, 0, len(raw))
	for _, b := range raw {
		out = append(out, common.AccountBalance{
			Currency:  b.Asset,
			Total:     parseFloat(b.Balance),
			Available: parseFloat(b.AvailableBalance),
			Locked:    parseFloat(b.Balance) - parseFloat(b.AvailableBalance),
		})
	}
	return out, nil
}

// SubscribePrices dials the combined markPrice stream for the given symbols
// and republishes ticks on a single channel, redialing with backoff if the
// stream drops.
func (g *Gateway) SubscribePrices(ctx context.Context, symbols []string) (<-chan common.PriceTick, func(), error) {
	g.syncOnce.Do(func() { g.client.timeSync.Start(ctx) })

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
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
		OnErr: func(err error) { log.Printf("⚠️ futures_usdt: markPrice stream error, reconnecting: %v", err) },
		Dial: func(ctx context.Context) error {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return fmt.Errorf("dial markPrice stream: %w", err)
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
				tick, ok := parseMarkPrice(g.name, msg)
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

// SubscribeOrderUpdates keeps a listen key alive and republishes
// ORDER_TRADE_UPDATE events from the user-data stream, requesting a fresh
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
		OnErr: func(err error) { log.Printf("⚠️ futures_usdt: user stream error, reconnecting: %v", err) },
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
							log.Printf("⚠️ futures_usdt: listen key keepalive failed: %v", err)
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
				delta, ok := parseOrderTradeUpdate(g.name, msg)
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
	case strings.Contains(msg, "-2019") || strings.Contains(msg, "Margin is insufficient"):
		return common.NewGatewayError(exchange, common.ErrInsufficientFunds, msg, err)
	case strings.Contains(msg, "-4164") || strings.Contains(msg, "notional"):
		return common.NewGatewayError(exchange, common.ErrMinNotional, msg, err)
	case strings.Contains(msg, "-2022") || strings.Contains(msg, "position side"):
		return common.NewGatewayError(exchange, common.ErrPositionModeMismatch, msg, err)
	case strings.Contains(msg, "-1003") || strings.Contains(msg, "Too many requests"):
		return common.NewGatewayError(exchange, common.ErrThrottled, msg, err)
	case strings.Contains(msg, "status 401") || strings.Contains(msg, "-2015"):
		return common.NewGatewayError(exchange, common.ErrAuthFailed, msg, err)
	case strings.Contains(msg, "-1013") || strings.Contains(msg, "-1100"):
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

func parseMarkPrice(exchange string, msg []byte) (common.PriceTick, bool) {
	var raw struct {
		Data struct {
			Symbol string `json:"s"`
			Price  string `json:"p"`
			Time   int64  `json:"E"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil || raw.Data.Symbol == "" {
		return common.PriceTick{}, false
	}
	return common.PriceTick{
		Exchange: exchange,
		Symbol:   raw.Data.Symbol,
		Mark:     parseFloat(raw.Data.Price),
		Ts:       time.UnixMilli(raw.Data.Time),
	}, true
}

func parseOrderTradeUpdate(exchange string, msg []byte) (common.OrderStatusDelta, bool) {
	var raw struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			OrderID       int64  `json:"i"`
			Status        string `json:"X"`
			FilledQty     string `json:"z"`
			AvgPrice      string `json:"ap"`
			LastFillQty   string `json:"l"`
			LastFillPrice string `json:"L"`
			Time          int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil || raw.EventType != "ORDER_TRADE_UPDATE" {
		return common.OrderStatusDelta{}, false
	}
	o := raw.Order
	return common.OrderStatusDelta{
		Exchange:        exchange,
		Symbol:          o.Symbol,
		ExchangeOrderID: fmt.Sprintf("%d", o.OrderID),
		ClientID:        o.ClientOrderID,
		Status:          mapStatus(o.Status),
		FilledQty:       parseFloat(o.FilledQty),
		AvgPrice:        parseFloat(o.AvgPrice),
		LastFillQty:     parseFloat(o.LastFillQty),
		LastFillPrice:   parseFloat(o.LastFillPrice),
		Ts:              time.UnixMilli(o.Time),
	}, true
}
