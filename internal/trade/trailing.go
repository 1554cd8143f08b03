package trade

import (
	"github.com/shopspring/decimal"

	"botcore/internal/store"
)

// TrailingParams configures the breakeven/trail thresholds and the
// emergency floor, grounded on the pack's stagnation/guardrail trailing
// logic but expressed against two gain thresholds and a single trail
// percentage.
type TrailingParams struct {
	BreakEvenGain decimal.Decimal // gain at which stop locks to entry (e.g. 0.10)
	TrailGain     decimal.Decimal // gain at which stop starts trailing peak (e.g. 0.15)
	TrailPct      decimal.Decimal // trail distance below peak once trailing (e.g. 0.05)
	EmergencyFloor decimal.Decimal // absolute loss fraction that always closes (e.g. 0.90)
}

// DefaultTrailingParams mirrors the example thresholds named in the
// trailing-stop algorithm: 10% breakeven, 15% trail activation, 5% trail
// distance, -90% emergency floor.
func DefaultTrailingParams() TrailingParams {
	return TrailingParams{
		BreakEvenGain:  decimal.NewFromFloat(0.10),
		TrailGain:      decimal.NewFromFloat(0.15),
		TrailPct:       decimal.NewFromFloat(0.05),
		EmergencyFloor: decimal.NewFromFloat(0.90),
	}
}

// applyTrailingLong advances p's PeakPrice and StopLossPrice in place
// according to price, for a long position. StopLossPrice is strictly
// non-decreasing: every branch below only raises it via decimal.Max,
// never lowers it.
func applyTrailingLong(p *store.Position, price decimal.Decimal, params TrailingParams) {
	if price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
	}

	gain := price.Sub(p.EntryPrice).Div(p.EntryPrice)

	switch {
	case gain.LessThan(params.BreakEvenGain):
		// stop stays at its initial value
	case gain.LessThan(params.TrailGain):
		p.StopLossPrice = decimalMax(p.StopLossPrice, p.EntryPrice)
	default:
		trailStop := p.PeakPrice.Mul(decimal.NewFromInt(1).Sub(params.TrailPct))
		p.StopLossPrice = decimalMax(p.StopLossPrice, trailStop)
	}
}

// applyTrailingShort mirrors applyTrailingLong with gain and stop
// direction inverted: PeakPrice tracks the lowest price seen, and
// StopLossPrice is strictly non-increasing.
func applyTrailingShort(p *store.Position, price decimal.Decimal, params TrailingParams) {
	if p.PeakPrice.IsZero() || price.LessThan(p.PeakPrice) {
		p.PeakPrice = price
	}

	gain := p.EntryPrice.Sub(price).Div(p.EntryPrice)

	switch {
	case gain.LessThan(params.BreakEvenGain):
	case gain.LessThan(params.TrailGain):
		p.StopLossPrice = decimalMin(p.StopLossPrice, p.EntryPrice)
	default:
		trailStop := p.PeakPrice.Mul(decimal.NewFromInt(1).Add(params.TrailPct))
		p.StopLossPrice = decimalMin(p.StopLossPrice, trailStop)
	}
}

// triggerReason reports why price should close p right now, if any. A
// tie between stop and take-profit resolves in favor of the stop
// (risk-first), and the emergency floor overrides trailing state
// entirely regardless of where StopLossPrice currently sits.
func triggerReason(p store.Position, price decimal.Decimal, params TrailingParams) string {
	if p.Side == "short" {
		loss := price.Sub(p.EntryPrice).Div(p.EntryPrice)
		if loss.GreaterThanOrEqual(params.EmergencyFloor) {
			return "emergency_floor"
		}
		if !p.StopLossPrice.IsZero() && price.GreaterThanOrEqual(p.StopLossPrice) {
			return "stop_loss"
		}
		if !p.TakeProfitPrice.IsZero() && price.LessThanOrEqual(p.TakeProfitPrice) {
			return "take_profit"
		}
		return ""
	}

	loss := p.EntryPrice.Sub(price).Div(p.EntryPrice)
	if loss.GreaterThanOrEqual(params.EmergencyFloor) {
		return "emergency_floor"
	}
	if !p.StopLossPrice.IsZero() && price.LessThanOrEqual(p.StopLossPrice) {
		return "stop_loss"
	}
	if !p.TakeProfitPrice.IsZero() && price.GreaterThanOrEqual(p.TakeProfitPrice) {
		return "take_profit"
	}
	return ""
}

func decimalMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func decimalMin(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return b
	}
	if a.LessThan(b) {
		return a
	}
	return b
}
