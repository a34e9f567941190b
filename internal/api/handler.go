// Package api exposes the operational HTTP surface: health, status, and
// point-in-time metrics. It is not a control plane — orders, positions, and
// protection all flow through TradingCoordinator; nothing here mutates
// trading state.
package api

import (
	"net/http"
	"time"

	"coretrader/internal/balance"
	"coretrader/internal/coordinator"
	"coretrader/internal/events"
	"coretrader/internal/monitor"
	"coretrader/internal/order"
	"coretrader/internal/position"
	"coretrader/pkg/cache"
	"coretrader/pkg/db"
	exchange "coretrader/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

// Server wires the read-only operational endpoints around the running
// core's shared state.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	DB     *db.Database

	Metrics   *monitor.SystemMetrics
	Positions *position.Store
	Balances  *balance.Ledger
	RateLimit *exchange.RateLimiter
	Prices    *cache.ShardedPriceCache
	OrderWAL  *order.PersistentQueue

	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes static runtime info exposed at /status.
type SystemMeta struct {
	DryRun  bool
	Venues  []string
	Symbols []string
	Version string
}

// NewServer builds the gin router with the ambient middleware stack (recovery,
// request ID, logging, per-IP rate limit, timeout, CORS) and mounts routes.
func NewServer(
	bus *events.Bus,
	database *db.Database,
	metrics *monitor.SystemMetrics,
	positions *position.Store,
	balances *balance.Ledger,
	rateLimit *exchange.RateLimiter,
	prices *cache.ShardedPriceCache,
	orderWAL *order.PersistentQueue,
	meta SystemMeta,
	jwtSecret string,
) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		DB:        database,
		Metrics:   metrics,
		Positions: positions,
		Balances:  balances,
		RateLimit: rateLimit,
		Prices:    prices,
		OrderWAL:  orderWAL,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

// routes mounts the module's only HTTP surface: /healthz and /status, both
// bearer-guarded, matching the teacher's internal/api/auth.go JWT pattern.
func (s *Server) routes() {
	protected := s.Router.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.GET("/healthz", s.healthz)
		protected.GET("/status", s.status)
	}
}

// healthz reports liveness ("ok" plus the current time) and, when metrics
// are wired, the per-gateway health flags and the goroutine count.
func (s *Server) healthz(c *gin.Context) {
	snap := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if s.Metrics != nil {
		m := s.Metrics.GetSnapshot()
		snap["gateway_health"] = m.GatewayHealth
		snap["goroutines"] = m.GoroutineCount
	}
	c.JSON(http.StatusOK, snap)
}

// status reports active positions, open reservations, and rate-bucket
// usage — the read model an operator needs without touching sqlite
// directly.
func (s *Server) status(c *gin.Context) {
	ids := s.Positions.All()
	positions := make([]position.Position, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Positions.Snapshot(id); ok {
			positions = append(positions, snap)
		}
	}

	body := gin.H{
		"dry_run":      s.Meta.DryRun,
		"venues":       s.Meta.Venues,
		"symbols":      s.Meta.Symbols,
		"version":      s.Meta.Version,
		"positions":    positions,
		"reservations": s.Balances.OpenReservations(),
	}
	if s.DB != nil {
		if lease, err := s.DB.GetLease(c.Request.Context(), coordinator.Role); err == nil && lease != nil {
			body["worker_lease"] = gin.H{
				"holder_id":      lease.HolderID,
				"last_heartbeat": lease.LastHeartbeat,
				"status":         lease.Status,
			}
		}
	}
	if s.Metrics != nil {
		body["recent_rejections"] = s.Metrics.RecentRejections()
	}
	if s.RateLimit != nil {
		rates := make(map[string]map[string]int, len(s.Meta.Venues))
		for _, venue := range s.Meta.Venues {
			used, limit := s.RateLimit.Usage(venue, "order")
			rates[venue] = map[string]int{"used": used, "limit": limit}
		}
		body["rate_usage"] = rates
	}
	if s.Prices != nil {
		body["prices"] = s.Prices.GetAll()
	}
	if s.OrderWAL != nil {
		body["order_wal"] = s.OrderWAL.GetMetrics()
	}
	c.JSON(http.StatusOK, body)
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
