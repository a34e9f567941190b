package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"coretrader/internal/monitor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// fixedWindowLimiter counts requests per IP within the current one-second
// window and resets on each tick; this surface serves operators and the
// out-of-scope dashboard, not the public, so a token bucket would be
// overkill.
type fixedWindowLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	limit  int
}

var ipLimiter = &fixedWindowLimiter{counts: make(map[string]int), limit: 50}

func init() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ipLimiter.mu.Lock()
			ipLimiter.counts = make(map[string]int)
			ipLimiter.mu.Unlock()
		}
	}()
}

func (l *fixedWindowLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[ip]++
	return l.counts[ip] <= l.limit
}

// CORSMiddleware handles Cross-Origin Resource Sharing for the dashboard
// consuming this status surface.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware caps requests per client IP per second.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ipLimiter.allow(c.ClientIP()) {
			log.Printf("[rate_limit] ip=%s exceeded status-surface limit", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware aborts requests that run past timeout.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		panicChan := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					panicChan <- p
				}
			}()
			c.Next()
			close(finished)
		}()

		select {
		case p := <-panicChan:
			log.Printf("[panic] %v", p)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{"error": "request timeout"})
		}
	}
}

// RequestLogger logs every request with timing and status, and records
// latency/error counts on metrics when present.
func RequestLogger(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		requestID := c.GetString("RequestID")

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if metrics != nil {
			metrics.DBLatency.RecordDuration(latency)
			if status >= 400 {
				metrics.IncrementErrors()
			}
		}

		id := requestID
		if len(id) > 8 {
			id = id[:8]
		}
		subject := CurrentSubject(c)
		if subject == "" {
			subject = "-"
		}
		log.Printf("[api] %s | %s %s | %d | %v | %s | subject=%s", id, method, path, status, latency, c.ClientIP(), subject)
	}
}
