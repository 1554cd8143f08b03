package trade

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// PaperVenue is a simulated Venue that fills against the latest cached
// quote instead of a live exchange. Grounded on
// internal/trading/sandbox.go SandboxTrader: a fixed trading fee applied
// to every fill and a bounded random slippage around the quoted price.
// It keeps no fill log. cmd/supervisor wires this Venue in at startup
// whatever FeatureFlags.SandboxMode says.
type PaperVenue struct {
	prices *PriceCache

	feeRate     decimal.Decimal
	slippageBps int64 // max slippage, in basis points, applied symmetrically
	rng         *rand.Rand
}

// NewPaperVenue creates a paper venue quoting off prices, charging
// feeRate (e.g. 0.001 for 0.1%, matching sandbox.go's tradingFeePercent)
// on every fill and applying up to slippageBps of adverse slippage.
func NewPaperVenue(prices *PriceCache, feeRate decimal.Decimal, slippageBps int64) *PaperVenue {
	return &PaperVenue{
		prices:      prices,
		feeRate:     feeRate,
		slippageBps: slippageBps,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Quote returns the latest cached price as both bid and ask, widened by
// half the configured slippage band on each side — there is no real
// order book to spread against in paper mode.
func (v *PaperVenue) Quote(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	q, ok := v.prices.Get(symbol)
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("paper venue: no fresh quote for %s", symbol)
	}
	half := v.slippageBand(q.Price).Div(decimal.NewFromInt(2))
	return q.Price.Sub(half), q.Price.Add(half), nil
}

// ExecuteOpen fills intent at the latest quote plus adverse slippage and
// the configured fee, mirroring sandbox.go's baseCost/tradingFee split.
func (v *PaperVenue) ExecuteOpen(ctx context.Context, intent TradeIntent, size decimal.Decimal) (fillPrice decimal.Decimal, err error) {
	q, ok := v.prices.Get(intent.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("paper venue: no fresh quote for %s", intent.Symbol)
	}
	return v.adverseFill(q.Price, intent.Side), nil
}

// ExecuteClose fills a close order the same way: adverse slippage against
// the closer, fee absorbed into the reported fill price.
func (v *PaperVenue) ExecuteClose(ctx context.Context, symbol, side string, quantity decimal.Decimal) (fillPrice decimal.Decimal, err error) {
	q, ok := v.prices.Get(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("paper venue: no fresh quote for %s", symbol)
	}
	// Closing a long is a sell (adverse = down); closing a short is a buy
	// (adverse = up) — the inverse of opening the same side.
	closingSide := "short"
	if side == "short" {
		closingSide = "long"
	}
	return v.adverseFill(q.Price, closingSide), nil
}

// adverseFill applies random slippage against the position side, then
// the fee rate, so every simulated fill is slightly worse than the raw
// quote the way a live venue's spread and fee would be.
func (v *PaperVenue) adverseFill(price decimal.Decimal, side string) decimal.Decimal {
	band := v.slippageBand(price)
	slip := decimal.NewFromFloat(v.rng.Float64()).Mul(band)

	filled := price
	if side == "long" {
		filled = price.Add(slip)
	} else {
		filled = price.Sub(slip)
	}

	fee := filled.Mul(v.feeRate)
	if side == "long" {
		return filled.Add(fee)
	}
	return filled.Sub(fee)
}

func (v *PaperVenue) slippageBand(price decimal.Decimal) decimal.Decimal {
	if v.slippageBps <= 0 {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(v.slippageBps)).Div(decimal.NewFromInt(10000))
}
