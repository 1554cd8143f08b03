package trade

import (
	"testing"

	"github.com/shopspring/decimal"

	"botcore/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestApplyTrailingLong_StopNeverDecreases(t *testing.T) {
	params := DefaultTrailingParams()
	p := &store.Position{
		Side:          "long",
		EntryPrice:    d(100),
		PeakPrice:     d(100),
		StopLossPrice: d(90),
	}

	applyTrailingLong(p, d(105), params) // +5%, below breakeven threshold
	if !p.StopLossPrice.Equal(d(90)) {
		t.Errorf("below breakeven: stop moved to %s, want unchanged at 90", p.StopLossPrice)
	}

	applyTrailingLong(p, d(112), params) // +12%, crosses breakeven, below trail
	if !p.StopLossPrice.Equal(d(100)) {
		t.Errorf("breakeven band: stop = %s, want 100 (entry)", p.StopLossPrice)
	}

	applyTrailingLong(p, d(120), params) // +20%, now trailing peak
	wantStop := d(120).Mul(d(1).Sub(params.TrailPct))
	if !p.StopLossPrice.Equal(wantStop) {
		t.Errorf("trailing band: stop = %s, want %s", p.StopLossPrice, wantStop)
	}

	// price pulls back; stop must not retreat even though it's no longer
	// the trail-from-peak value for this lower price.
	prevStop := p.StopLossPrice
	applyTrailingLong(p, d(115), params)
	if p.StopLossPrice.LessThan(prevStop) {
		t.Errorf("pullback lowered stop from %s to %s", prevStop, p.StopLossPrice)
	}
}

func TestApplyTrailingShort_Mirrors(t *testing.T) {
	params := DefaultTrailingParams()
	p := &store.Position{
		Side:          "short",
		EntryPrice:    d(100),
		StopLossPrice: d(110),
	}

	applyTrailingShort(p, d(95), params) // +5% favorable, below breakeven
	if !p.StopLossPrice.Equal(d(110)) {
		t.Errorf("below breakeven: stop moved to %s, want unchanged at 110", p.StopLossPrice)
	}

	applyTrailingShort(p, d(80), params) // +20% favorable, now trailing
	wantStop := p.PeakPrice.Mul(d(1).Add(params.TrailPct))
	if !p.StopLossPrice.Equal(wantStop) {
		t.Errorf("trailing band: stop = %s, want %s", p.StopLossPrice, wantStop)
	}
}

func TestTriggerReason_EmergencyFloorBeforeStop(t *testing.T) {
	params := DefaultTrailingParams()
	p := store.Position{
		Side:          "long",
		EntryPrice:    d(100),
		StopLossPrice: d(95),
	}
	// price crashes past the emergency floor; even though this is also
	// below the ordinary stop, emergency_floor must win.
	reason := triggerReason(p, d(5), params)
	if reason != "emergency_floor" {
		t.Errorf("got reason %q, want emergency_floor", reason)
	}
}

func TestTriggerReason_StopWinsTie(t *testing.T) {
	params := DefaultTrailingParams()
	p := store.Position{
		Side:            "long",
		EntryPrice:      d(100),
		StopLossPrice:   d(100),
		TakeProfitPrice: d(100),
	}
	reason := triggerReason(p, d(100), params)
	if reason != "stop_loss" {
		t.Errorf("tie resolved to %q, want stop_loss", reason)
	}
}

func TestTriggerReason_NoTriggerWithinBand(t *testing.T) {
	params := DefaultTrailingParams()
	p := store.Position{
		Side:            "long",
		EntryPrice:      d(100),
		StopLossPrice:   d(90),
		TakeProfitPrice: d(150),
	}
	if reason := triggerReason(p, d(105), params); reason != "" {
		t.Errorf("got reason %q, want none", reason)
	}
}
