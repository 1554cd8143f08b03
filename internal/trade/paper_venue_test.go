package trade_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"botcore/internal/logger"
	"botcore/internal/trade"
)

func TestPaperVenue_QuoteFailsWithoutFreshPrice(t *testing.T) {
	prices := trade.NewPriceCache(time.Minute, logger.NewLogger("test", nil))
	venue := trade.NewPaperVenue(prices, decimal.NewFromFloat(0.001), 10)

	if _, _, err := venue.Quote(context.Background(), "BTC-USD"); err == nil {
		t.Fatal("expected error quoting a symbol with no cached price")
	}
}

func TestPaperVenue_ExecuteOpenAppliesFeeAndSlippage(t *testing.T) {
	prices := trade.NewPriceCache(time.Minute, logger.NewLogger("test", nil))
	prices.Set("BTC-USD", decimal.NewFromFloat(100))
	venue := trade.NewPaperVenue(prices, decimal.NewFromFloat(0.01), 100)

	intent := trade.TradeIntent{Symbol: "BTC-USD", Side: "long"}
	fill, err := venue.ExecuteOpen(context.Background(), intent, decimal.NewFromFloat(1))
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}

	// A long fill must land at or above the quoted price: adverse
	// slippage plus fee both push it up.
	if fill.LessThan(decimal.NewFromFloat(100)) {
		t.Fatalf("expected fill >= 100, got %s", fill)
	}
	// Slippage band is 1% of price (100bps), fee adds another 1% on top
	// of the slipped price, so the fill stays at or below
	// 100 * 1.01 * 1.01 = 102.01.
	if fill.GreaterThan(decimal.NewFromFloat(102.01)) {
		t.Fatalf("fill %s exceeds expected slippage+fee bound", fill)
	}
}

func TestPaperVenue_ExecuteCloseIsAdverseToTheCloser(t *testing.T) {
	prices := trade.NewPriceCache(time.Minute, logger.NewLogger("test", nil))
	prices.Set("BTC-USD", decimal.NewFromFloat(100))
	venue := trade.NewPaperVenue(prices, decimal.NewFromFloat(0), 50)

	// Closing a long is a sell: adverse means the fill should land at or
	// below the quote.
	fill, err := venue.ExecuteClose(context.Background(), "BTC-USD", "long", decimal.NewFromFloat(1))
	if err != nil {
		t.Fatalf("ExecuteClose: %v", err)
	}
	if fill.GreaterThan(decimal.NewFromFloat(100)) {
		t.Fatalf("expected close fill <= 100 for closing a long, got %s", fill)
	}
}

func TestPaperVenue_ZeroSlippageIsDeterministic(t *testing.T) {
	prices := trade.NewPriceCache(time.Minute, logger.NewLogger("test", nil))
	prices.Set("ETH-USD", decimal.NewFromFloat(50))
	venue := trade.NewPaperVenue(prices, decimal.NewFromFloat(0), 0)

	fill, err := venue.ExecuteOpen(context.Background(), trade.TradeIntent{Symbol: "ETH-USD", Side: "long"}, decimal.NewFromFloat(1))
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}
	if !fill.Equal(decimal.NewFromFloat(50)) {
		t.Fatalf("expected exact fill at quote with zero fee/slippage, got %s", fill)
	}
}
