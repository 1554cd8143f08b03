package trade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"botcore/internal/eventbus"
	"botcore/internal/lockmanager"
	"botcore/internal/logger"
	"botcore/internal/store"
)

type workerFakeVenue struct {
	bid, ask decimal.Decimal
}

func (v *workerFakeVenue) Quote(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return v.bid, v.ask, nil
}

func (v *workerFakeVenue) ExecuteOpen(ctx context.Context, intent TradeIntent, size decimal.Decimal) (decimal.Decimal, error) {
	return v.ask, nil
}

func (v *workerFakeVenue) ExecuteClose(ctx context.Context, symbol, side string, quantity decimal.Decimal) (decimal.Decimal, error) {
	return v.bid, nil
}

func newTestWorker(t *testing.T) (*Worker, *Engine, *eventbus.Bus) {
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
	venue := &workerFakeVenue{bid: decimal.NewFromFloat(100), ask: decimal.NewFromFloat(100.1)}
	prices := NewPriceCache(time.Minute, log)

	eng, err := New(st, locks, bus, venue, prices, Config{}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := NewWorker(eng, bus, log, WorkerConfig{PricePollInterval: 10 * time.Millisecond})
	return w, eng, bus
}

func TestWorker_BuySignalOpensAPosition(t *testing.T) {
	w, eng, bus := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let Run subscribe

	bus.Publish(eventbus.TopicBuySignal, eventbus.PriorityHigh, "BTC-USD",
		eventbus.NewBuySignalEvent("BTC-USD", 0.9, "test", "momentum"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		positions, err := eng.Positions(PositionFilter{Symbol: "BTC-USD"})
		if err != nil {
			t.Fatalf("Positions: %v", err)
		}
		if len(positions) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a position to be opened from the buy signal within the deadline")
}

func TestWorker_Health_ReportsUnhealthyBeforeRun(t *testing.T) {
	w, _, _ := newTestWorker(t)
	if err := w.Health(context.Background()); err == nil {
		t.Fatal("expected Health to report unhealthy before Run subscribes")
	}
}
