package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coretrader/internal/api"
	"coretrader/internal/balance"
	"coretrader/internal/coordination"
	"coretrader/internal/coordinator"
	"coretrader/internal/events"
	"coretrader/internal/monitor"
	"coretrader/internal/order"
	"coretrader/internal/position"
	"coretrader/internal/reconciliation"
	"coretrader/internal/risk"
	coresignal "coretrader/internal/signal"
	"coretrader/internal/sltp"
	"coretrader/pkg/config"
	"coretrader/pkg/db"
	futuresusdt "coretrader/pkg/exchanges/binance/futures_usdt"
	spotex "coretrader/pkg/exchanges/binance/spot"
	exchange "coretrader/pkg/exchanges/common"
)

// gatewayBalanceFetcher adapts an exchange.Gateway's float64 FetchBalance
// to balance.BalanceFetcher's decimal-based shape, so BalanceLedger never
// needs to know about the exchanges package.
type gatewayBalanceFetcher struct {
	gw exchange.Gateway
}

func (f gatewayBalanceFetcher) Name() string { return f.gw.Name() }

func (f gatewayBalanceFetcher) FetchBalance(ctx context.Context) ([]balance.AccountBalance, error) {
	raw, err := f.gw.FetchBalance(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]balance.AccountBalance, 0, len(raw))
	for _, b := range raw {
		out = append(out, balance.AccountBalance{
			Currency:  b.Currency,
			Total:     decimal.NewFromFloat(b.Total),
			Available: decimal.NewFromFloat(b.Available),
			Locked:    decimal.NewFromFloat(b.Locked),
		})
	}
	return out, nil
}

// buildVersion is stamped by the release pipeline; "dev" covers local runs.
var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ db open failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ db migration failed: %v", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	alertMonitor := monitor.NewMonitor(bus, monitor.DefaultAlertSink())

	dedup := coresignal.NewDeduplicator(cfg.DedupWindow)

	var mlClient *coresignal.MLClient
	if cfg.EnableMLPredictor {
		mlClient, err = coresignal.NewMLClient(cfg.MLPredictorAddr, cfg.MLPredictorMethod)
		if err != nil {
			log.Fatalf("❌ ml predictor dial failed: %v", err)
		}
		defer mlClient.Close()
	}

	lease := coordination.NewCoordinator(database, cfg.WorkerLeaseTTL, cfg.WorkerHeartbeatEvery)

	ledger := balance.NewLedger(cfg.BalanceSyncInterval)

	riskCfg := risk.DefaultConfig()
	riskCfg.HedgeMode = cfg.HedgeMode
	riskProfiles, riskCategories, err := risk.LoadProfiles(cfg.RiskProfilesPath)
	if err != nil {
		log.Fatalf("❌ risk profiles load failed: %v", err)
	}
	evaluator := risk.NewEvaluatorWithProfiles(riskCfg, riskProfiles, riskCategories)

	positions := position.NewStore()
	if err := restoreOpenPositions(context.Background(), database, positions); err != nil {
		log.Printf("⚠️ position restore failed: %v", err)
	}

	classLimits := map[string]int{
		"order":   cfg.RateLimitGlobal,
		"account": cfg.RateLimitGlobal / 2,
		"market":  cfg.RateLimitGlobal,
	}
	rateLimiter := exchange.NewRateLimiter(time.Minute, cfg.RateLimitGlobal, classLimits)

	venues := make([]string, 0, 2)
	gateways := make([]exchange.Gateway, 0, 2)

	if cfg.EnableBinanceSpot {
		client := spotex.New(spotex.Config{
			APIKey:     cfg.BinanceAPIKey,
			APISecret:  cfg.BinanceAPISecret,
			Testnet:    cfg.BinanceTestnet,
			RecvWindow: 5000,
		})
		gw := spotex.NewGateway(client, "binance-spot")
		gateways = append(gateways, gw)
		venues = append(venues, gw.Name())
	}
	if cfg.EnableBinanceUSDTFutures {
		client := futuresusdt.NewClient(futuresusdt.Config{
			APIKey:     cfg.BinanceUSDTKey,
			APISecret:  cfg.BinanceUSDTSecret,
			Testnet:    cfg.BinanceTestnet,
			RecvWindow: 5000,
		})
		gw := futuresusdt.NewGateway(client, "binance-usdtfut", cfg.FuturesHedgeMode)
		gateways = append(gateways, gw)
		venues = append(venues, gw.Name())
	}
	if len(gateways) == 0 {
		log.Println("⚠️ no exchange gateways enabled; running with an empty venue set")
	}

	defaultExchange := ""
	if len(venues) > 0 {
		defaultExchange = venues[0]
	}
	executor := order.NewExecutor(database, bus, ledger, rateLimiter, positions, defaultExchange)
	executor.Metrics = metrics
	for _, gw := range gateways {
		executor.RegisterGateway(gw)
		metrics.SetGatewayHealth(gw.Name(), true)
	}

	var orderWAL *order.PersistentQueue
	if cfg.EnableOrderWAL {
		var err error
		orderWAL, err = order.NewPersistentQueue(cfg.OrderWALPath, 256)
		if err != nil {
			log.Fatalf("❌ order WAL init failed: %v", err)
		}
		if err := orderWAL.Recover(); err != nil {
			log.Printf("⚠️ order WAL recovery failed: %v", err)
		}
		defer orderWAL.Close()
		executor.WAL = orderWAL
	}

	sltpEngine := sltp.NewEngine()
	positionMonitor := monitor.NewPositionMonitor(positions, sltpEngine, bus, database)
	positionMonitor.Metrics = metrics
	for _, gw := range gateways {
		positionMonitor.RegisterGateway(gw)
	}

	reconciler := reconciliation.NewService(positions, database, cfg.ReconcileInterval)
	for _, gw := range gateways {
		reconciler.RegisterGateway(gw)
	}

	coord := &coordinator.Coordinator{
		Lease:     lease,
		Dedup:     dedup,
		Risk:      evaluator,
		Executor:  executor,
		Positions: positions,
		Ledger:    ledger,
		Monitor:   positionMonitor,
		Metrics:   metrics,
		Bus:       bus,
		DB:        database,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	candidateID := uuid.NewString()
	go func() {
		if err := coord.Run(ctx, candidateID); err != nil {
			log.Fatalf("❌ coordinator run failed: %v", err)
		}
	}()

	alertMonitor.Start(ctx)
	reconciler.Start(ctx)
	go lease.RunSweeper(ctx, 0)
	if orderWAL != nil {
		go orderWAL.Drain(ctx, func(o order.Order) {
			log.Printf("📒 order WAL: %s %s/%s qty=%s reached terminal state", o.ID, o.Exchange, o.Symbol, o.RequestedQty.String())
		})
	}

	if len(gateways) > 0 {
		ledger.Start(ctx, gatewayBalanceFetcher{gw: gateways[0]})
	}

	if mlClient != nil {
		go runMLPoll(ctx, mlClient, cfg.BinanceSymbols)
	}

	server := api.NewServer(
		bus,
		database,
		metrics,
		positions,
		ledger,
		rateLimiter,
		positionMonitor.Prices,
		orderWAL,
		api.SystemMeta{
			DryRun:  cfg.DryRun,
			Venues:  venues,
			Symbols: cfg.BinanceSymbols,
			Version: buildVersion,
		},
		cfg.JWTSecret,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ api server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("🛑 shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	coord.Shutdown(shutdownCtx)
}

// restoreOpenPositions repopulates position.Store from persisted core_positions
// rows on boot, so a restart doesn't silently drop SL/TP tracking on
// positions the venue still holds open. UNPROTECTED rows come back as
// UNPROTECTED too; PositionMonitor's guaranteed-progress sweep picks up the
// protection retry from there.
func restoreOpenPositions(ctx context.Context, database *db.Database, positions *position.Store) error {
	rows, err := database.ListOpenCorePositions(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		p := &position.Position{
			ID:                    row.ID,
			Exchange:              row.Exchange,
			Symbol:                row.Symbol,
			Side:                  coresignal.Side(row.Side),
			EntryPrice:            decimal.NewFromFloat(row.EntryPrice),
			Qty:                   decimal.NewFromFloat(row.Qty),
			InitialQty:            decimal.NewFromFloat(row.InitialQty),
			Leverage:              row.Leverage,
			StopLoss:              decimal.NewFromFloat(row.StopLoss),
			TakeProfit:            decimal.NewFromFloat(row.TakeProfit),
			HighestFavourablePct:  decimal.NewFromFloat(row.HighWaterPct),
			LadderBitmask:         uint32(row.LadderBitmask),
			LockBitmask:           uint32(row.LockBitmask),
			BreakevenArmed:        row.BreakevenArmed,
			TrailingArmed:         row.TrailingArmed,
			ProtectionUpdateCount: row.ProtectionUpdateCount,
			Status:                position.Status(row.Status),
			Unprotected:           row.Status == string(position.StatusUnprotected),
			Plan:                  position.ProtectionPlan{MaxProtectionUpdates: 10},
			CreatedAt:             row.CreatedAt,
			UpdatedAt:             row.UpdatedAt,
		}
		if err := positions.Create(p); err != nil {
			log.Printf("⚠️ position restore: %v", err)
			continue
		}
		log.Printf("🔁 restored open position %s %s/%s qty=%s status=%s", p.ID, p.Exchange, p.Symbol, p.Qty.String(), p.Status)
	}
	return nil
}

// runMLPoll is a placeholder admission loop for the optional ML predictor
// SignalProducer: nothing in this module calls Predict until a real feature
// pipeline feeds it, so this only keeps the connection warm and logged.
func runMLPoll(ctx context.Context, client *coresignal.MLClient, symbols []string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				if _, err := client.Predict(ctx, sym, nil); err != nil {
					log.Printf("⚠️ ml predictor unreachable for %s: %v", sym, err)
				}
			}
		}
	}
}
