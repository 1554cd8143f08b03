package trade_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"botcore/internal/trade"
)

func TestGuardEvaluate_Tiers(t *testing.T) {
	g := trade.NewGuard(trade.DefaultGuardConfig())
	bid := decimal.NewFromFloat(100.0)
	ask := decimal.NewFromFloat(100.1)
	size := decimal.NewFromFloat(10)

	cases := []struct {
		name       string
		confidence float64
		wantTier   trade.Tier
	}{
		{"below review threshold rejects", 0.2, trade.TierReject},
		{"below reduced threshold is review only", 0.45, trade.TierReviewOnly},
		{"below full threshold auto-reduces", 0.6, trade.TierAutoReduced},
		{"at or above full threshold opens full size", 0.9, trade.TierAutoFull},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tier, _, _ := g.Evaluate(c.confidence, bid, ask, size)
			if tier != c.wantTier {
				t.Errorf("confidence %.2f: got tier %s, want %s", c.confidence, tier, c.wantTier)
			}
		})
	}
}

func TestGuardEvaluate_ReducedSizeFraction(t *testing.T) {
	g := trade.NewGuard(trade.DefaultGuardConfig())
	bid := decimal.NewFromFloat(100.0)
	ask := decimal.NewFromFloat(100.1)
	size := decimal.NewFromFloat(10)

	_, reducedSize, _ := g.Evaluate(0.6, bid, ask, size)
	wantDefault := size.Mul(decimal.NewFromFloat(0.5))
	if !reducedSize.Equal(wantDefault) {
		t.Errorf("default reduced size = %s, want %s", reducedSize, wantDefault)
	}

	override := decimal.NewFromFloat(0.25)
	_, overriddenSize, _ := g.EvaluateWithSizeFraction(0.6, bid, ask, size, &override)
	wantOverride := size.Mul(override)
	if !overriddenSize.Equal(wantOverride) {
		t.Errorf("overridden reduced size = %s, want %s", overriddenSize, wantOverride)
	}
}

func TestGuardEvaluate_SpreadGuardrail(t *testing.T) {
	g := trade.NewGuard(trade.DefaultGuardConfig())
	wideBid := decimal.NewFromFloat(100.0)
	wideAsk := decimal.NewFromFloat(103.0) // 3% spread, well over the 0.5% ceiling
	size := decimal.NewFromFloat(10)

	tier, qty, reason := g.Evaluate(0.95, wideBid, wideAsk, size)
	if tier != trade.TierReject {
		t.Errorf("wide spread: got tier %s, want reject", tier)
	}
	if !qty.IsZero() {
		t.Errorf("wide spread: got nonzero size %s", qty)
	}
	if reason == "" {
		t.Error("wide spread: expected a non-empty reject reason")
	}
}
