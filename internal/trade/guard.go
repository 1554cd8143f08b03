package trade

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier buckets a proposed intent by how much autonomy it's allowed:
// a low-confidence signal still gets logged and considered, but only a
// high-confidence one is allowed to open without a human in the loop.
// Grounded on the confidence-gated Tier1/2/3 handling pattern and the
// spread guardrail used to size autonomous execution.
type Tier int

const (
	// TierReject never opens; confidence too low to act on at all.
	TierReject Tier = iota
	// TierReviewOnly does not place a trade; Engine rejects it with
	// RejectGuardTier just as it does TierReject.
	TierReviewOnly
	// TierAutoReduced opens, but at a reduced size.
	TierAutoReduced
	// TierAutoFull opens at the requested size.
	TierAutoFull
)

func (t Tier) String() string {
	switch t {
	case TierReject:
		return "reject"
	case TierReviewOnly:
		return "review_only"
	case TierAutoReduced:
		return "auto_reduced"
	case TierAutoFull:
		return "auto_full"
	default:
		return "unknown"
	}
}

// GuardConfig sets the confidence thresholds and spread ceiling an
// autonomy gate checks an intent against before C7 is allowed to open.
type GuardConfig struct {
	ReviewOnlyConfidence float64         // below this, don't even review
	ReducedConfidence    float64         // below this, full-size auto is not allowed
	FullConfidence       float64         // at or above this, full-size auto is allowed
	ReducedSizeFraction  decimal.Decimal // size multiplier for TierAutoReduced
	MaxSpreadFraction    decimal.Decimal // bid/ask spread above this rejects regardless of confidence
}

// DefaultGuardConfig mirrors the thresholds observed in the pack's
// confidence-tiered trading guard: reject below 0.4, review only below
// 0.55, reduced size below 0.7, full size at or above 0.7, reject above
// a 0.5% spread.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ReviewOnlyConfidence: 0.4,
		ReducedConfidence:    0.55,
		FullConfidence:       0.7,
		ReducedSizeFraction:  decimal.NewFromFloat(0.5),
		MaxSpreadFraction:    decimal.NewFromFloat(0.005),
	}
}

// Guard evaluates a proposed intent's confidence and market spread and
// decides how much autonomy to grant it, independent of C1's kill-switch
// check (which Engine applies separately and unconditionally).
type Guard struct {
	cfg GuardConfig
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

// Evaluate classifies an intent by confidence and spread. size is the
// originally requested quantity; the returned quantity is the one C7
// should actually use (reduced for TierAutoReduced, untouched for
// TierAutoFull, zero otherwise).
func (g *Guard) Evaluate(confidence float64, bid, ask, size decimal.Decimal) (Tier, decimal.Decimal, string) {
	return g.evaluate(confidence, bid, ask, size, nil)
}

// EvaluateWithSizeFraction behaves like Evaluate but, for TierAutoReduced,
// sizes the reduction against override instead of cfg.ReducedSizeFraction
// when override is non-nil. The regime adapter (C9) persists a per-symbol
// override through the store; the engine looks it up and passes it in here
// rather than Guard depending on the store itself.
func (g *Guard) EvaluateWithSizeFraction(confidence float64, bid, ask, size decimal.Decimal, override *decimal.Decimal) (Tier, decimal.Decimal, string) {
	return g.evaluate(confidence, bid, ask, size, override)
}

func (g *Guard) evaluate(confidence float64, bid, ask, size decimal.Decimal, override *decimal.Decimal) (Tier, decimal.Decimal, string) {
	if !ask.IsZero() {
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		if !mid.IsZero() {
			spread := ask.Sub(bid).Div(mid).Abs()
			if spread.GreaterThan(g.cfg.MaxSpreadFraction) {
				return TierReject, decimal.Zero, fmt.Sprintf("spread %s exceeds guardrail %s", spread.String(), g.cfg.MaxSpreadFraction.String())
			}
		}
	}

	switch {
	case confidence < g.cfg.ReviewOnlyConfidence:
		return TierReject, decimal.Zero, fmt.Sprintf("confidence %.2f below review threshold %.2f", confidence, g.cfg.ReviewOnlyConfidence)
	case confidence < g.cfg.ReducedConfidence:
		return TierReviewOnly, decimal.Zero, fmt.Sprintf("confidence %.2f below auto-execution threshold %.2f", confidence, g.cfg.ReducedConfidence)
	case confidence < g.cfg.FullConfidence:
		fraction := g.cfg.ReducedSizeFraction
		if override != nil {
			fraction = *override
		}
		return TierAutoReduced, size.Mul(fraction), ""
	default:
		return TierAutoFull, size, ""
	}
}
