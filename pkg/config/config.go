package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"coretrader/pkg/crypto"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Binance spot
	BinanceTestnet       bool
	BinanceAPIKey        string
	BinanceAPISecret     string
	BinanceSymbols       []string
	EnableBinanceSpot    bool
	// Binance USDT-margined futures
	EnableBinanceUSDTFutures bool
	BinanceUSDTKey           string
	BinanceUSDTSecret        string
	FuturesHedgeMode         bool

	// External ML predictor (optional SignalProducer over gRPC)
	EnableMLPredictor bool
	MLPredictorAddr   string
	MLPredictorMethod string

	// Execution
	DryRun bool

	// Order persistence (write-ahead log for in-flight submissions)
	EnableOrderWAL bool
	OrderWALPath   string

	// Database
	DBPath string

	// Coordination (WorkerCoordinator lease)
	WorkerLeaseTTL      time.Duration
	WorkerHeartbeatEvery time.Duration

	// Balance reconciliation and position-drift reconciliation cadence
	BalanceSyncInterval  time.Duration
	ReconcileInterval    time.Duration

	// Signal dedup window
	DedupWindow time.Duration

	// Rate limiter: nominal per-minute weight budget per venue
	RateLimitGlobal int

	// Risk
	HedgeMode bool
	// RiskProfilesPath optionally points at a YAML file overriding the
	// built-in risk profile/category tables; blank means defaults only.
	RiskProfilesPath string

	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
// Exchange secrets may be supplied pre-encrypted (an "ENC[v<n>]:..." value
// produced by crypto.KeyManager.Encrypt); they are decrypted here, once, if
// MASTER_ENCRYPTION_KEY is set, so nothing downstream ever has to know a
// secret was ever anything but plaintext.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var km *crypto.KeyManager
	if os.Getenv("MASTER_ENCRYPTION_KEY") != "" {
		var err error
		km, err = crypto.NewKeyManager()
		if err != nil {
			return nil, fmt.Errorf("load encryption keys: %w", err)
		}
	}

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:                     getEnv("PORT", "8080"),
		BinanceTestnet:           getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:            os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:         decryptSecret(km, os.Getenv("BINANCE_API_SECRET")),
		BinanceSymbols:           splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
		EnableBinanceSpot:        getEnv("ENABLE_BINANCE_SPOT", "false") == "true",
		EnableBinanceUSDTFutures: getEnv("ENABLE_BINANCE_USDT_FUTURES", "false") == "true",
		BinanceUSDTKey:           os.Getenv("BINANCE_USDT_KEY"),
		BinanceUSDTSecret:        decryptSecret(km, os.Getenv("BINANCE_USDT_SECRET")),
		FuturesHedgeMode:         getEnv("FUTURES_HEDGE_MODE", "false") == "true",
		EnableMLPredictor:        getEnv("ENABLE_ML_PREDICTOR", "false") == "true",
		MLPredictorAddr:          getEnv("ML_PREDICTOR_ADDR", "localhost:50052"),
		MLPredictorMethod:        getEnv("ML_PREDICTOR_METHOD", "/mlpredictor.Predictor/Score"),
		DryRun:                   getEnv("DRY_RUN", "true") == "true",
		EnableOrderWAL:           getEnv("ENABLE_ORDER_WAL", "true") == "true",
		OrderWALPath:             getEnv("ORDER_WAL_PATH", "./data/order_wal"),
		DBPath:                   dbPath,
		WorkerLeaseTTL:           getEnvDuration("WORKER_LEASE_TTL", 15*time.Second),
		WorkerHeartbeatEvery:     getEnvDuration("WORKER_HEARTBEAT_EVERY", 5*time.Second),
		BalanceSyncInterval:      getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		DedupWindow:              getEnvDuration("DEDUP_WINDOW", 2*time.Minute),
		RateLimitGlobal:          getEnvInt("RATE_LIMIT_GLOBAL", 1200),
		HedgeMode:                getEnv("HEDGE_MODE", "false") == "true",
		RiskProfilesPath:         getEnv("RISK_PROFILES_PATH", ""),
		JWTSecret:                getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

// decryptSecret passes raw through unchanged unless it carries crypto's
// "ENC[v<n>]:" prefix, in which case km must be non-nil (MASTER_ENCRYPTION_KEY
// set) to unwrap it. A raw plaintext secret is the common case in local/dev
// setups without a key manager configured.
func decryptSecret(km *crypto.KeyManager, raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "ENC[v") {
		return raw
	}
	if km == nil {
		return raw
	}
	plain, err := km.Decrypt(raw)
	if err != nil {
		return raw
	}
	return plain
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
