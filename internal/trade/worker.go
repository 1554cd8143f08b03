package trade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"botcore/internal/eventbus"
	"botcore/internal/logger"
)

// WorkerConfig sizes the positions a buy_signal turns into and sets the
// cadence OnPrice is driven at for every open position, since no wire
// protocol for an inbound price feed is specified — C7's boundary names
// only quote/execute/status/cancel against the venue.
type WorkerConfig struct {
	PositionNotional      decimal.Decimal // quote-currency size of every opened position
	InitialStopFraction   decimal.Decimal // stop-loss distance below entry at open time
	InitialTargetFraction decimal.Decimal // take-profit distance above entry at open time
	PricePollInterval     time.Duration
}

func (c *WorkerConfig) setDefaults() {
	if c.PositionNotional.IsZero() {
		c.PositionNotional = decimal.NewFromFloat(100)
	}
	if c.InitialStopFraction.IsZero() {
		c.InitialStopFraction = decimal.NewFromFloat(0.05)
	}
	if c.InitialTargetFraction.IsZero() {
		c.InitialTargetFraction = decimal.NewFromFloat(0.20)
	}
	if c.PricePollInterval == 0 {
		c.PricePollInterval = 5 * time.Second
	}
}

// Worker drives Engine from the outside: it turns buy_signal events into
// Open calls and polls the venue for every open position's symbol so
// on_price (and the trailing-stop/TP triggering it drives) actually
// advances. Grounded on SandboxTrader.SimulateMarketMovement
// ticker idiom, repurposed here to poll a real Venue.Quote instead of a
// self-contained synthetic price table. Implements supervisor.Worker so
// C8 can register, restart and health-poll C7 identically to every other
// component.
type Worker struct {
	engine *Engine
	bus    *eventbus.Bus
	log    *logger.Logger
	cfg    WorkerConfig

	sub *eventbus.Subscription
}

// NewWorker builds a Worker ready to Run.
func NewWorker(engine *Engine, bus *eventbus.Bus, log *logger.Logger, cfg WorkerConfig) *Worker {
	cfg.setDefaults()
	return &Worker{engine: engine, bus: bus, log: log, cfg: cfg}
}

// Run subscribes to buy_signal and polls open-position prices until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.sub = w.bus.Subscribe(eventbus.TopicBuySignal, eventbus.SubscribeOptions{QueueSize: 64}, func(msg eventbus.Message) {
		w.handleBuySignal(ctx, msg)
	})
	defer w.bus.Unsubscribe(w.sub)

	ticker := time.NewTicker(w.cfg.PricePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollPrices(ctx)
		}
	}
}

// Health reports unhealthy until Run has subscribed to buy_signal; once
// subscribed it stays healthy, also after Run exits.
func (w *Worker) Health(ctx context.Context) error {
	if w.sub == nil {
		return fmt.Errorf("trade worker not subscribed to %s", eventbus.TopicBuySignal)
	}
	return nil
}

func (w *Worker) handleBuySignal(ctx context.Context, msg eventbus.Message) {
	var event eventbus.BuySignalEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.log.Warn("trade worker: failed to unmarshal buy signal", "error", err.Error())
		return
	}

	bid, ask, err := w.engine.venue.Quote(ctx, event.Data.Symbol)
	if err != nil {
		w.log.Warn("trade worker: quote failed, dropping signal", "symbol", event.Data.Symbol, "error", err.Error())
		return
	}
	entry := bid.Add(ask).Div(decimal.NewFromInt(2))
	if entry.IsZero() {
		w.log.Warn("trade worker: zero quote, dropping signal", "symbol", event.Data.Symbol)
		return
	}

	size := w.cfg.PositionNotional.Div(entry)
	intent := TradeIntent{
		IntentID:        buySignalIntentID(event),
		Symbol:          event.Data.Symbol,
		Side:            "long",
		Size:            size,
		StopLossPrice:   entry.Mul(decimal.NewFromInt(1).Sub(w.cfg.InitialStopFraction)),
		TakeProfitPrice: entry.Mul(decimal.NewFromInt(1).Add(w.cfg.InitialTargetFraction)),
		Confidence:      event.Data.Confidence,
	}

	if _, err := w.engine.Open(ctx, intent); err != nil {
		w.log.Info("trade worker: signal did not open a position", "symbol", event.Data.Symbol, "reason", err.Error())
	}
}

func (w *Worker) pollPrices(ctx context.Context) {
	positions, err := w.engine.Positions(PositionFilter{Status: "open"})
	if err != nil {
		w.log.Warn("trade worker: failed to list open positions", "error", err.Error())
		return
	}

	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true

		bid, ask, err := w.engine.venue.Quote(ctx, p.Symbol)
		if err != nil {
			w.log.Warn("trade worker: quote failed during price poll", "symbol", p.Symbol, "error", err.Error())
			continue
		}
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		w.engine.OnPrice(ctx, p.Symbol, mid)
	}
}

// buySignalIntentID derives a stable idempotency key from the signal's
// identity (symbol + proposer + timestamp), so a redelivered buy_signal
// message — the event bus guarantees at-least-once, never exactly-once —
// resolves to the same intent instead of opening a second position.
func buySignalIntentID(event eventbus.BuySignalEvent) string {
	data := fmt.Sprintf("%s|%s|%s", event.Data.Symbol, event.Data.ProposedBy, event.Timestamp.Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
