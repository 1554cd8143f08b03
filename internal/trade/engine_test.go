package trade_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"botcore/internal/eventbus"
	"botcore/internal/lockmanager"
	"botcore/internal/logger"
	"botcore/internal/store"
	"botcore/internal/trade"
)

// fakeVenue is an in-memory Venue stub: fixed quotes, fills at the ask
// for opens and a configurable price for closes.
type fakeVenue struct {
	mu         sync.Mutex
	bid, ask   decimal.Decimal
	openCalls  int
	closeCalls int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{bid: decimal.NewFromFloat(100), ask: decimal.NewFromFloat(100.05)}
}

func (v *fakeVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bid, v.ask, nil
}

func (v *fakeVenue) ExecuteOpen(ctx context.Context, intent trade.TradeIntent, size decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.openCalls++
	return v.ask, nil
}

func (v *fakeVenue) ExecuteClose(ctx context.Context, symbol, side string, quantity decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeCalls++
	return v.bid, nil
}

func newTestEngine(t *testing.T) (*trade.Engine, *fakeVenue, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	locks, err := lockmanager.New(dir+"/locks", time.Minute)
	if err != nil {
		t.Fatalf("lockmanager.New: %v", err)
	}
	log := logger.NewLogger("test", nil)
	bus := eventbus.New(log)
	venue := newFakeVenue()
	prices := trade.NewPriceCache(time.Minute, log)

	eng, err := trade.New(st, locks, bus, venue, prices, trade.Config{}, log)
	if err != nil {
		t.Fatalf("trade.New: %v", err)
	}
	return eng, venue, st
}

func TestEngineOpen_IdempotentOnRetry(t *testing.T) {
	eng, venue, _ := newTestEngine(t)
	intent := trade.TradeIntent{
		IntentID: "intent-1", Symbol: "BTC-USD", Side: "long",
		Size: decimal.NewFromFloat(1), Confidence: 0.9,
	}

	first, err := eng.Open(context.Background(), intent)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if first.AlreadyProcessed {
		t.Error("first Open reported AlreadyProcessed")
	}

	second, err := eng.Open(context.Background(), intent)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("retried Open did not report AlreadyProcessed")
	}
	if second.PositionID != first.PositionID {
		t.Errorf("retried Open returned a different position: %s vs %s", second.PositionID, first.PositionID)
	}
	if venue.openCalls != 1 {
		t.Errorf("venue.ExecuteOpen called %d times, want 1", venue.openCalls)
	}
}

func TestEngineOpen_RejectsLowConfidence(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	intent := trade.TradeIntent{
		IntentID: "intent-low", Symbol: "BTC-USD", Side: "long",
		Size: decimal.NewFromFloat(1), Confidence: 0.1,
	}

	_, err := eng.Open(context.Background(), intent)
	if err == nil {
		t.Fatal("expected a rejection error for low confidence")
	}
	rejected, ok := err.(*trade.RejectedError)
	if !ok {
		t.Fatalf("got error type %T, want *trade.RejectedError", err)
	}
	if rejected.Reason != trade.RejectGuardTier {
		t.Errorf("got reject reason %s, want %s", rejected.Reason, trade.RejectGuardTier)
	}
}

func TestEngineOpenClose_RoundTrip(t *testing.T) {
	eng, venue, _ := newTestEngine(t)
	intent := trade.TradeIntent{
		IntentID: "intent-rt", Symbol: "ETH-USD", Side: "long",
		Size: decimal.NewFromFloat(2), Confidence: 0.95,
	}

	handle, err := eng.Open(context.Background(), intent)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	report, err := eng.Close(context.Background(), handle.PositionID, "manual")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if report.Reason != "manual" {
		t.Errorf("got close reason %q, want manual", report.Reason)
	}
	if venue.closeCalls != 1 {
		t.Errorf("venue.ExecuteClose called %d times, want 1", venue.closeCalls)
	}

	if _, err := eng.Close(context.Background(), handle.PositionID, "manual"); err == nil {
		t.Error("expected closing an already-closed position to fail")
	}
}

func TestEngineOnPrice_TriggersStopLoss(t *testing.T) {
	eng, _, st := newTestEngine(t)
	intent := trade.TradeIntent{
		IntentID: "intent-stop", Symbol: "SOL-USD", Side: "long",
		Size: decimal.NewFromFloat(5), Confidence: 0.95,
		StopLossPrice: decimal.NewFromFloat(95),
	}

	handle, err := eng.Open(context.Background(), intent)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	eng.OnPrice(context.Background(), "SOL-USD", decimal.NewFromFloat(90))

	pos, ok := st.GetPosition(handle.PositionID)
	if !ok {
		t.Fatal("position not found after OnPrice")
	}
	if pos.Status != "closed" {
		t.Errorf("got status %q after stop-loss tick, want closed", pos.Status)
	}
	if pos.CloseReason != "stop_loss" {
		t.Errorf("got close reason %q, want stop_loss", pos.CloseReason)
	}
}
