package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"botcore/internal/eventbus"
	"botcore/internal/logger"
	"botcore/internal/store"
)

// RegimeBand classifies a symbol's current sentiment-driven market
// regime, the trading-domain analogue of the market-condition features
// (RSI/volume/moving-average bands) internal/trading/reflector.go
// extracts per trade -- here extracted per sentiment update instead of
// per closed trade, and used prospectively to widen or narrow risk
// tunables rather than retrospectively to grade a rule.
type RegimeBand string

const (
	RegimeBearish RegimeBand = "bearish"
	RegimeNeutral RegimeBand = "neutral"
	RegimeBullish RegimeBand = "bullish"
)

// RegimeConfig bounds the sentiment score bands and the guard-tier
// parameter nudges applied per band.
type RegimeConfig struct {
	BearishBelow float64 // score < BearishBelow -> RegimeBearish
	BullishAbove float64 // score > BullishAbove -> RegimeBullish

	// BearishReducedSizeFraction overrides trade.GuardConfig's
	// ReducedSizeFraction while a symbol is bearish, tightening
	// position sizing until sentiment recovers.
	BearishReducedSizeFraction float64
	NeutralReducedSizeFraction float64
	BullishReducedSizeFraction float64
}

func (c *RegimeConfig) setDefaults() {
	if c.BearishBelow == 0 {
		c.BearishBelow = -0.3
	}
	if c.BullishAbove == 0 {
		c.BullishAbove = 0.3
	}
	if c.BearishReducedSizeFraction == 0 {
		c.BearishReducedSizeFraction = 0.25
	}
	if c.NeutralReducedSizeFraction == 0 {
		c.NeutralReducedSizeFraction = 0.5
	}
	if c.BullishReducedSizeFraction == 0 {
		c.BullishReducedSizeFraction = 0.75
	}
}

// RegimeLoop consumes sentiment_changed events and maps each symbol's
// score into a RegimeBand, persisting both the band and a derived
// sizing tunable the trade engine's guard reads back on its next
// Evaluate call.
type RegimeLoop struct {
	bus *eventbus.Bus
	st  *store.Store
	log *logger.Logger
	cfg RegimeConfig

	mu      sync.Mutex
	current map[string]RegimeBand

	sub *eventbus.Subscription
}

// NewRegimeLoop builds a loop ready to Run.
func NewRegimeLoop(bus *eventbus.Bus, st *store.Store, log *logger.Logger, cfg RegimeConfig) *RegimeLoop {
	cfg.setDefaults()
	return &RegimeLoop{
		bus:     bus,
		st:      st,
		log:     log,
		cfg:     cfg,
		current: make(map[string]RegimeBand),
	}
}

// Run subscribes to sentiment_changed, coalesced per symbol so a burst
// of sentiment updates for one symbol collapses to its latest score.
func (r *RegimeLoop) Run(ctx context.Context) error {
	r.sub = r.bus.Subscribe(eventbus.TopicSentimentChanged, eventbus.SubscribeOptions{
		QueueSize:    128,
		Backpressure: eventbus.CoalesceByKey,
	}, r.handle)
	defer r.bus.Unsubscribe(r.sub)

	<-ctx.Done()
	return nil
}

// Health reports unhealthy only if the loop never subscribed.
func (r *RegimeLoop) Health(ctx context.Context) error {
	if r.sub == nil {
		return fmt.Errorf("regime loop not subscribed")
	}
	return nil
}

func (r *RegimeLoop) handle(msg eventbus.Message) {
	var evt eventbus.SentimentChangedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		r.log.Warn("regime: failed to decode sentiment_changed", "error", err.Error())
		return
	}

	band := bandFor(evt.Data.Score, r.cfg)

	r.mu.Lock()
	prev, known := r.current[evt.Data.Symbol]
	r.current[evt.Data.Symbol] = band
	r.mu.Unlock()

	if known && prev == band {
		return
	}

	fraction := r.sizeFraction(band)
	key := "guard." + evt.Data.Symbol + ".reduced_size_fraction"
	if err := r.st.SetParam(key, fraction); err != nil {
		r.log.Warn("regime: failed to persist sizing tunable", "symbol", evt.Data.Symbol, "error", err.Error())
	}
	if err := r.st.SetParam("regime."+evt.Data.Symbol, string(band)); err != nil {
		r.log.Warn("regime: failed to persist regime band", "symbol", evt.Data.Symbol, "error", err.Error())
	}

	r.log.Info("regime changed", "symbol", evt.Data.Symbol, "from", prev, "to", band, "score", evt.Data.Score, "reduced_size_fraction", fraction)
	if _, err := r.st.AppendAudit("regime", "band_changed", map[string]interface{}{
		"symbol": evt.Data.Symbol,
		"from":   string(prev),
		"to":     string(band),
		"score":  evt.Data.Score,
	}); err != nil {
		r.log.Error("regime: failed to persist audit entry", err, "symbol", evt.Data.Symbol)
	}
}

func bandFor(score float64, cfg RegimeConfig) RegimeBand {
	switch {
	case score < cfg.BearishBelow:
		return RegimeBearish
	case score > cfg.BullishAbove:
		return RegimeBullish
	default:
		return RegimeNeutral
	}
}

func (r *RegimeLoop) sizeFraction(band RegimeBand) float64 {
	switch band {
	case RegimeBearish:
		return r.cfg.BearishReducedSizeFraction
	case RegimeBullish:
		return r.cfg.BullishReducedSizeFraction
	default:
		return r.cfg.NeutralReducedSizeFraction
	}
}

// Current returns the last known band for symbol, for status reporting.
func (r *RegimeLoop) Current(symbol string) (RegimeBand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.current[symbol]
	return b, ok
}
