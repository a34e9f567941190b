// Package signal defines the external signal contract and the
// fingerprint-based deduplication gate in front of the trading pipeline.
package signal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the canonical direction tag. Producers may emit any casing; ParseSide
// normalizes on ingress (see §9 design notes on string-valued enums).
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide normalizes a producer-supplied side string to the canonical tag.
func ParseSide(raw string) (Side, error) {
	switch Side(normalizeUpper(raw)) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	default:
		return "", fmt.Errorf("signal: unknown side %q", raw)
	}
}

func normalizeUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// SpecKind distinguishes the two ways a signal may express SL/TP.
type SpecKind string

const (
	SpecAbsolute SpecKind = "ABSOLUTE"
	SpecPercent  SpecKind = "PERCENT"
)

// PriceSpec is a sum type over an absolute price or a percent offset from
// entry. Exactly one form is populated; see Signal.Validate.
type PriceSpec struct {
	Kind  SpecKind
	Value decimal.Decimal // absolute price, or percent as a fraction (0.03 == 3%)
}

// Resolve turns the spec into an absolute price given an entry and the
// signal side (percent offsets are signed by side: SL below entry for LONG,
// above for SHORT; TP the reverse).
func (p PriceSpec) Resolve(entry decimal.Decimal, side Side, isStop bool) decimal.Decimal {
	if p.Kind == SpecAbsolute {
		return p.Value
	}
	sign := decimal.NewFromInt(1)
	switch {
	case side == SideLong && isStop, side == SideShort && !isStop:
		sign = decimal.NewFromInt(-1)
	}
	return entry.Add(entry.Mul(p.Value).Mul(sign))
}

// MLHints carries the optional prediction metadata a producer may attach.
// The raw components are kept alongside the scalar confidence so that any
// future diagnosis of a producer's scoring does not require re-deriving
// them (see design notes on ML_CONFIDENCE_FIX).
type MLHints struct {
	ProfitProbability float64
	LossProbability   float64
	Confidence        float64
}

// Signal is produced externally and is immutable once accepted.
type Signal struct {
	Symbol       string
	Side         Side
	StrategyID   string
	EntryPrice   decimal.Decimal
	StopLoss     PriceSpec
	TakeProfit   PriceSpec
	Confidence   float64
	Timestamp    time.Time
	Leverage     int // values <= 0 are treated as 1x
	RiskProfile  string
	ML           *MLHints
}

// Validate enforces the invariants from the data model: non-empty symbol,
// confidence in [0,1]. PriceSpec population is enforced at the parse
// boundary, not here, since a zero-value PriceSpec is indistinguishable
// from an absolute-zero price without a producer-side tag.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal: empty symbol")
	}
	if s.Side != SideLong && s.Side != SideShort {
		return fmt.Errorf("signal: invalid side %q", s.Side)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal: confidence %.4f out of [0,1]", s.Confidence)
	}
	if s.StrategyID == "" {
		return fmt.Errorf("signal: empty strategy id")
	}
	return nil
}
