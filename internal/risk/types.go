// Package risk implements the RiskEvaluator: profile resolution, asset
// category adjustment, base position sizing, optional ML confidence
// modulation, and portfolio-level admission checks.
package risk

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Failure mode constants carried over from the pre-trade soft-limit model.
// Config.FailureMode and Config.FallbackSize hold them, but Evaluate reads
// neither: a failed check always rejects, and no size is shrunk to
// FallbackSize.
const (
	FailModeClose = "FAIL_CLOSE"
	FailModeLimit = "FAIL_LIMIT"
)

// Profile is a named risk appetite; each carries a size multiplier applied
// on top of the base risk-per-trade calculation.
type Profile struct {
	Name       string
	Multiplier decimal.Decimal
}

var defaultProfiles = map[string]Profile{
	"standard":         {Name: "standard", Multiplier: decimal.NewFromInt(1)},
	"conservative":     {Name: "conservative", Multiplier: decimal.NewFromFloat(0.6)},
	"very_conservative": {Name: "very_conservative", Multiplier: decimal.NewFromFloat(0.3)},
}

// Category classifies a symbol for category-specific multiplier and max
// leverage. Classification is an exact-symbol lookup (majorSymbols,
// memeSymbols, everything else alts); the per-category multiplier and
// leverage cap can be overridden through LoadProfiles.
type Category struct {
	Name       string
	Multiplier decimal.Decimal
	MaxLeverage int
}

var defaultCategories = map[string]Category{
	"stable_majors": {Name: "stable_majors", Multiplier: decimal.NewFromFloat(1.0), MaxLeverage: 20},
	"majors":        {Name: "majors", Multiplier: decimal.NewFromFloat(0.9), MaxLeverage: 10},
	"alts":          {Name: "alts", Multiplier: decimal.NewFromFloat(0.6), MaxLeverage: 5},
	"meme_coins":    {Name: "meme_coins", Multiplier: decimal.NewFromFloat(0.3), MaxLeverage: 3},
}

var majorSymbols = map[string]bool{
	"BTCUSDT": true, "ETHUSDT": true,
}

var memeSymbols = map[string]bool{
	"DOGEUSDT": true, "SHIBUSDT": true, "PEPEUSDT": true, "WIFUSDT": true,
}

// ClassifySymbol returns a coarse asset category for a symbol. This is a
// deliberately simple table; a production deployment would source it from
// configuration or a reference-data service, which is out of scope here.
func ClassifySymbol(symbol string) Category {
	switch {
	case majorSymbols[symbol]:
		return defaultCategories["majors"]
	case memeSymbols[symbol]:
		return defaultCategories["meme_coins"]
	default:
		return defaultCategories["alts"]
	}
}

// Config holds the portfolio-level limits consulted by the evaluator's
// step-5 checks, plus the risk-basis numbers used for base sizing.
type Config struct {
	RiskPerTradeFraction decimal.Decimal // fraction of RiskBasisBalance risked per trade
	RiskBasisBalance     decimal.Decimal
	MinConfidence        float64

	MaxPositions            int
	MaxTotalRisk            decimal.Decimal
	MaxPositionsPerDirection int
	DailyLossLimit          decimal.Decimal
	HedgeMode               bool

	FailureMode  string
	FallbackSize decimal.Decimal
}

// DefaultConfig mirrors the conservative defaults the platform shipped with
// historically, translated to the sized-intent model.
func DefaultConfig() Config {
	return Config{
		RiskPerTradeFraction:    decimal.NewFromFloat(0.01),
		RiskBasisBalance:        decimal.NewFromInt(10000),
		MinConfidence:           0.55,
		MaxPositions:            10,
		MaxTotalRisk:            decimal.NewFromFloat(0.2),
		MaxPositionsPerDirection: 6,
		DailyLossLimit:          decimal.NewFromInt(2000),
		HedgeMode:               false,
		FailureMode:             FailModeClose,
		FallbackSize:            decimal.NewFromInt(100),
	}
}

// profilesFileSchema is the on-disk YAML shape for operator-tunable
// profiles/categories. Numeric fields are plain float64 and converted to
// decimal.Decimal on load — yaml.v3 has no native decimal support.
type profilesFileSchema struct {
	Profiles []struct {
		Name       string  `yaml:"name"`
		Multiplier float64 `yaml:"multiplier"`
	} `yaml:"profiles"`
	Categories []struct {
		Name        string  `yaml:"name"`
		Multiplier  float64 `yaml:"multiplier"`
		MaxLeverage int     `yaml:"max_leverage"`
	} `yaml:"categories"`
}

// LoadProfiles reads operator-supplied profile/category overrides from a
// YAML file and merges them over the built-in defaults. A blank path is not
// an error — the defaults apply untouched, so this is safe to call
// unconditionally at startup.
func LoadProfiles(path string) (map[string]Profile, map[string]Category, error) {
	profiles := make(map[string]Profile, len(defaultProfiles))
	for k, v := range defaultProfiles {
		profiles[k] = v
	}
	categories := make(map[string]Category, len(defaultCategories))
	for k, v := range defaultCategories {
		categories[k] = v
	}
	if path == "" {
		return profiles, categories, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read risk profiles file: %w", err)
	}
	var schema profilesFileSchema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return nil, nil, fmt.Errorf("parse risk profiles file: %w", err)
	}
	for _, p := range schema.Profiles {
		profiles[p.Name] = Profile{Name: p.Name, Multiplier: decimal.NewFromFloat(p.Multiplier)}
	}
	for _, c := range schema.Categories {
		categories[c.Name] = Category{Name: c.Name, Multiplier: decimal.NewFromFloat(c.Multiplier), MaxLeverage: c.MaxLeverage}
	}
	return profiles, categories, nil
}

// PortfolioState is the snapshot the evaluator consults for step-5 checks.
// The caller (TradingCoordinator) fills OpenPositions, OpenPositionsByDir
// and AsOf from the position store; it leaves AggregateRiskFraction and
// DailyRealizedLoss at zero, so the checks on those two fields see no prior
// risk or loss. The evaluator does not fetch any of it itself.
type PortfolioState struct {
	OpenPositions        int
	OpenPositionsByDir   map[string]int // "LONG" / "SHORT" -> count
	AggregateRiskFraction decimal.Decimal
	DailyRealizedLoss    decimal.Decimal
	AsOf                 time.Time
}
