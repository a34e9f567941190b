package risk

import (
	"log"

	"github.com/shopspring/decimal"
	"coretrader/internal/signal"
)

// RejectKind is the error taxonomy a rejected signal is tagged with.
type RejectKind string

const (
	RejectBelowConfidence   RejectKind = "BELOW_CONFIDENCE"
	RejectProfileExceeded   RejectKind = "RISK_PROFILE_EXCEEDED"
	RejectPortfolioFull     RejectKind = "PORTFOLIO_FULL"
	RejectCategoryDisallowed RejectKind = "CATEGORY_DISALLOWED"
	RejectInvalidProtection RejectKind = "INVALID_PROTECTION"
	RejectDailyLossLimit    RejectKind = "DAILY_LOSS_LIMIT"
)

// RejectionError carries the taxonomy and a human-readable reason.
type RejectionError struct {
	Kind   RejectKind
	Reason string
}

func (e *RejectionError) Error() string { return string(e.Kind) + ": " + e.Reason }

// SizedIntent is the evaluator's output on acceptance: a quantity and
// effective SL/TP ready for OrderExecutor.
type SizedIntent struct {
	Symbol     string
	Side       signal.Side
	Quantity   decimal.Decimal
	Leverage   int
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Profile    string
	Category   string
}

// Evaluator is the RiskEvaluator component. It is stateless across calls
// except for the config/profiles/categories it was built with; portfolio
// state is passed in by the caller so the evaluator never needs its own
// view of open positions.
type Evaluator struct {
	cfg        Config
	profiles   map[string]Profile
	categories map[string]Category
}

func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg, profiles: defaultProfiles, categories: defaultCategories}
}

// NewEvaluatorWithProfiles builds an Evaluator against operator-supplied
// profile/category overrides (see LoadProfiles) instead of the built-in
// defaults.
func NewEvaluatorWithProfiles(cfg Config, profiles map[string]Profile, categories map[string]Category) *Evaluator {
	return &Evaluator{cfg: cfg, profiles: profiles, categories: categories}
}

// Evaluate runs the full pipeline: profile resolution, category adjustment,
// base sizing, ML modulation, portfolio checks, and protection invariants.
func (e *Evaluator) Evaluate(sig signal.Signal, portfolio PortfolioState) (*SizedIntent, error) {
	profile := e.resolveProfile(sig.RiskProfile)
	category := e.classifySymbol(sig.Symbol)

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if leverage > category.MaxLeverage {
		leverage = category.MaxLeverage
	}

	stopLoss := sig.StopLoss.Resolve(sig.EntryPrice, sig.Side, true)
	takeProfit := sig.TakeProfit.Resolve(sig.EntryPrice, sig.Side, false)

	if err := e.checkProtection(sig.Side, sig.EntryPrice, stopLoss, takeProfit); err != nil {
		return nil, err
	}

	if sig.Confidence < e.cfg.MinConfidence {
		return nil, &RejectionError{Kind: RejectBelowConfidence, Reason: "confidence below threshold"}
	}

	qty := e.baseSize(sig.EntryPrice, stopLoss, profile, category)

	if sig.ML != nil {
		qty = e.applyMLAdjustment(qty, *sig.ML)
	}

	if err := e.portfolioChecks(sig, portfolio); err != nil {
		return nil, err
	}

	log.Printf("✅ risk accepted: symbol=%s side=%s qty=%s profile=%s category=%s",
		sig.Symbol, sig.Side, qty.String(), profile.Name, category.Name)

	return &SizedIntent{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   qty,
		Leverage:   leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Profile:    profile.Name,
		Category:   category.Name,
	}, nil
}

func (e *Evaluator) resolveProfile(name string) Profile {
	if p, ok := e.profiles[name]; ok {
		return p
	}
	return e.profiles["standard"]
}

// classifySymbol mirrors ClassifySymbol but looks up the multiplier/leverage
// cap in this Evaluator's own category table, so an operator-supplied
// override (LoadProfiles) actually takes effect.
func (e *Evaluator) classifySymbol(symbol string) Category {
	switch {
	case majorSymbols[symbol]:
		return e.categories["majors"]
	case memeSymbols[symbol]:
		return e.categories["meme_coins"]
	default:
		return e.categories["alts"]
	}
}

// baseSize converts target risk amount into quantity via
// risk_amount / stop_distance, scaled by profile and category multipliers.
func (e *Evaluator) baseSize(entry, stopLoss decimal.Decimal, profile Profile, category Category) decimal.Decimal {
	stopDistance := entry.Sub(stopLoss).Abs()
	if stopDistance.IsZero() {
		return decimal.Zero
	}
	riskAmount := e.cfg.RiskBasisBalance.Mul(e.cfg.RiskPerTradeFraction).
		Mul(profile.Multiplier).Mul(category.Multiplier)
	return riskAmount.Div(stopDistance)
}

// applyMLAdjustment scales qty by a bounded factor in [0.5, 1.5] derived
// from the hint's confidence, never overriding rejection rules — only
// modulating within the size envelope already computed by baseSize.
func (e *Evaluator) applyMLAdjustment(qty decimal.Decimal, hints signal.MLHints) decimal.Decimal {
	factor := 0.5 + hints.Confidence
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}
	return qty.Mul(decimal.NewFromFloat(factor))
}

func (e *Evaluator) portfolioChecks(sig signal.Signal, p PortfolioState) error {
	if e.cfg.DailyLossLimit.GreaterThan(decimal.Zero) && p.DailyRealizedLoss.GreaterThanOrEqual(e.cfg.DailyLossLimit) {
		return &RejectionError{Kind: RejectDailyLossLimit, Reason: "daily realized loss limit tripped"}
	}
	if e.cfg.MaxPositions > 0 && p.OpenPositions+1 > e.cfg.MaxPositions {
		return &RejectionError{Kind: RejectPortfolioFull, Reason: "max_positions would be exceeded"}
	}
	if e.cfg.MaxTotalRisk.GreaterThan(decimal.Zero) {
		projected := p.AggregateRiskFraction.Add(e.cfg.RiskPerTradeFraction)
		if projected.GreaterThan(e.cfg.MaxTotalRisk) {
			return &RejectionError{Kind: RejectProfileExceeded, Reason: "max_total_risk would be exceeded"}
		}
	}
	if e.cfg.HedgeMode && e.cfg.MaxPositionsPerDirection > 0 {
		dir := string(sig.Side)
		if p.OpenPositionsByDir[dir]+1 > e.cfg.MaxPositionsPerDirection {
			return &RejectionError{Kind: RejectPortfolioFull, Reason: "max_positions_per_direction would be exceeded"}
		}
	}
	return nil
}

// checkProtection enforces: LONG requires stop_loss < entry < take_profit;
// SHORT requires take_profit < entry < stop_loss.
func (e *Evaluator) checkProtection(side signal.Side, entry, stopLoss, takeProfit decimal.Decimal) error {
	switch side {
	case signal.SideLong:
		if !(stopLoss.LessThan(entry) && entry.LessThan(takeProfit)) {
			return &RejectionError{Kind: RejectInvalidProtection, Reason: "LONG requires stop_loss < entry < take_profit"}
		}
	case signal.SideShort:
		if !(takeProfit.LessThan(entry) && entry.LessThan(stopLoss)) {
			return &RejectionError{Kind: RejectInvalidProtection, Reason: "SHORT requires take_profit < entry < stop_loss"}
		}
	}
	return nil
}
