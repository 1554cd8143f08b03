package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"botcore/internal/breaker"
	"botcore/internal/concurrency"
	"botcore/internal/errs"
	"botcore/internal/eventbus"
	"botcore/internal/lockmanager"
	"botcore/internal/logger"
	"botcore/internal/store"
	"botcore/internal/tracing"
)

const lockHolder = "trade-engine"

// RejectedError is the Rejected{reason} arm of Open/Close's contract.
type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return string(e.Reason)
}

// ErrNotOpen is returned by Close when position_id names no open position.
var ErrNotOpen = errors.New("position not open")

// Config tunes an Engine.
type Config struct {
	MaxPositions int
	Trailing     TrailingParams
	Guard        GuardConfig
	LockTTL      time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxPositions == 0 {
		c.MaxPositions = 20
	}
	if c.LockTTL == 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.Guard == (GuardConfig{}) {
		c.Guard = DefaultGuardConfig()
	}
	if c.Trailing == (TrailingParams{}) {
		c.Trailing = DefaultTrailingParams()
	}
}

// Engine is C7's single entry point: idempotent open/close of positions
// with durable state in store.Store and a single named breaker guarding
// every venue call. Concurrency across symbols is unbounded; within one
// symbol, the lockmanager lease serializes Open/Close/on_price so two
// goroutines never race on the same position.
type Engine struct {
	store  *store.Store
	locks  *lockmanager.Manager
	bus    *eventbus.Bus
	venue  Venue
	prices *PriceCache

	venueBreaker *breaker.Breaker
	guard        *Guard
	trailing     TrailingParams
	maxPositions int

	activeCount *concurrency.AtomicCounter
	intentIndex *concurrency.LockFreeMap[string, string] // intent_id -> position_id

	log    *logger.Logger
	tracer trace.Tracer
}

// New builds an Engine and reconciles in-flight state left over from a
// previous run: every open Position seeds intentIndex and activeCount,
// and every still-pending intent (crashed between persist and venue
// confirmation) is logged rather than silently dropped.
func New(st *store.Store, locks *lockmanager.Manager, bus *eventbus.Bus, venue Venue, prices *PriceCache, cfg Config, log *logger.Logger) (*Engine, error) {
	cfg.setDefaults()

	e := &Engine{
		store:        st,
		locks:        locks,
		bus:          bus,
		venue:        venue,
		prices:       prices,
		venueBreaker: breaker.New(breaker.Config{Name: "trade:venue"}),
		guard:        NewGuard(cfg.Guard),
		trailing:     cfg.Trailing,
		maxPositions: cfg.MaxPositions,
		activeCount:  concurrency.NewAtomicCounter(0),
		intentIndex:  concurrency.NewLockFreeMap[string, string](64),
		log:          log,
		tracer:       tracing.Tracer("botcore/trade"),
	}

	if err := e.reconcile(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) reconcile() error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		return errs.Wrap(errs.Persistence, "trade.Engine.reconcile", err)
	}
	for _, p := range positions {
		if p.Status == "open" || p.Status == "closing" {
			e.intentIndex.Put(p.IntentID, p.ID)
			e.activeCount.Increment()
		}
	}

	pending, err := e.store.LoadPending()
	if err != nil {
		return errs.Wrap(errs.Persistence, "trade.Engine.reconcile", err)
	}
	for _, pi := range pending {
		if _, ok := e.intentIndex.Get(pi.IntentID); ok {
			// a Position already exists for this intent; the pending
			// record is stale bookkeeping from before the final write.
			e.store.RemovePendingIntent(pi.IntentID)
			continue
		}
		e.log.Warn("pending intent orphaned by restart, venue outcome unknown",
			"intent_id", pi.IntentID, "symbol", pi.Symbol, "created_at", pi.CreatedAt)
	}
	return nil
}

func (e *Engine) reject(intent TradeIntent, reason RejectReason, detail string) (PositionHandle, error) {
	e.store.AppendAudit("trade", "intent_rejected", map[string]interface{}{
		"intent_id": intent.IntentID, "symbol": intent.Symbol, "reason": string(reason), "detail": detail,
	})
	return PositionHandle{}, &RejectedError{Reason: reason, Detail: detail}
}

// sizeFractionOverride looks up a per-symbol reduced-size fraction the
// regime adapter (C9) may have persisted, returning nil if none is set
// or it's malformed so the guard falls back to its configured default.
func (e *Engine) sizeFractionOverride(symbol string) *decimal.Decimal {
	v, ok := e.store.GetParam("guard." + symbol + ".reduced_size_fraction")
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	d := decimal.NewFromFloat(f)
	return &d
}

// Open places intent, returning the same handle without re-executing if
// IntentID has already been processed (AlreadyProcessed=true).
func (e *Engine) Open(ctx context.Context, intent TradeIntent) (handle PositionHandle, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.Engine.Open", trace.WithAttributes(
		attribute.String("intent_id", intent.IntentID),
		attribute.String("symbol", intent.Symbol),
		attribute.String("side", intent.Side),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return e.open(ctx, intent)
}

func (e *Engine) open(ctx context.Context, intent TradeIntent) (PositionHandle, error) {
	if intent.IntentID == "" || intent.Symbol == "" {
		return PositionHandle{}, errs.Wrap(errs.Contract, "trade.Engine.Open", fmt.Errorf("intent_id and symbol are required"))
	}

	if posID, ok := e.intentIndex.Get(intent.IntentID); ok {
		return PositionHandle{PositionID: posID, IntentID: intent.IntentID, AlreadyProcessed: true}, nil
	}

	if v, ok := e.store.GetParam("kill_switch"); ok {
		if tripped, _ := v.(bool); tripped {
			return e.reject(intent, RejectKillSwitch, "")
		}
	}

	if _, err := e.locks.Acquire(intent.Symbol, lockHolder); err != nil {
		return e.reject(intent, RejectSymbolLocked, "")
	}
	defer e.locks.Release(intent.Symbol)

	// re-check under the lock: a concurrent Open for the same intent
	// may have completed between the first check and Acquire.
	if posID, ok := e.intentIndex.Get(intent.IntentID); ok {
		return PositionHandle{PositionID: posID, IntentID: intent.IntentID, AlreadyProcessed: true}, nil
	}

	if int(e.activeCount.Load()) >= e.maxPositions {
		return e.reject(intent, RejectMaxPositions, "")
	}
	if e.venueBreaker.State() == breaker.StateOpen {
		return e.reject(intent, RejectBreakerOpen, "")
	}

	if err := e.store.AddPendingIntent(store.PendingIntent{
		IntentID: intent.IntentID, Symbol: intent.Symbol, Side: intent.Side, CreatedAt: time.Now(),
	}); err != nil {
		return e.reject(intent, RejectPersistenceFail, err.Error())
	}

	bid, ask, err := e.venue.Quote(ctx, intent.Symbol)
	if err != nil {
		e.store.RemovePendingIntent(intent.IntentID)
		return e.reject(intent, RejectVenueError, err.Error())
	}

	tier, size, tierReason := e.guard.EvaluateWithSizeFraction(intent.Confidence, bid, ask, intent.Size, e.sizeFractionOverride(intent.Symbol))
	if tier == TierReject || tier == TierReviewOnly {
		e.store.RemovePendingIntent(intent.IntentID)
		return e.reject(intent, RejectGuardTier, tierReason)
	}

	var fill decimal.Decimal
	callErr := e.venueBreaker.Call(func() error {
		var innerErr error
		fill, innerErr = e.venue.ExecuteOpen(ctx, intent, size)
		return innerErr
	})
	if callErr != nil {
		e.store.RemovePendingIntent(intent.IntentID)
		return e.reject(intent, RejectVenueError, callErr.Error())
	}

	now := time.Now()
	pos := store.Position{
		ID:              uuid.NewString(),
		IntentID:        intent.IntentID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		Status:          "open",
		Quantity:        size,
		EntryPrice:      fill,
		CurrentPrice:    fill,
		PeakPrice:       fill,
		StopLossPrice:   intent.StopLossPrice,
		TakeProfitPrice: intent.TakeProfitPrice,
		OpenedAt:        now,
		UpdatedAt:       now,
	}

	if err := e.store.UpsertPosition(pos); err != nil {
		// The venue has already filled this order; losing the write here
		// means the position is live but unrecorded. Leave the pending
		// record in place so a restart's reconcile surfaces it loudly
		// instead of the engine silently forgetting a filled order.
		e.log.Error("position persist failed after venue fill", err, "intent_id", intent.IntentID, "position_id", pos.ID)
		return PositionHandle{}, errs.Wrap(errs.Persistence, "trade.Engine.Open", err)
	}

	e.intentIndex.Put(intent.IntentID, pos.ID)
	e.activeCount.Increment()
	e.store.RemovePendingIntent(intent.IntentID)

	e.store.AppendAudit("trade", "open", map[string]interface{}{
		"intent_id": intent.IntentID, "position_id": pos.ID, "symbol": pos.Symbol,
		"side": pos.Side, "size": size.String(), "fill_price": fill.String(), "tier": tier.String(),
	})
	e.bus.Publish(eventbus.TopicTradeExecuted, eventbus.PriorityHigh, "",
		eventbus.NewTradeExecutedEvent(intent.IntentID, pos.Symbol, pos.Side, mustFloat(size), mustFloat(fill), now.Format(time.RFC3339), pos.ID, "open", 0))

	return PositionHandle{PositionID: pos.ID, IntentID: intent.IntentID}, nil
}

// Close moves positionID from Open to Closed, executing the venue-side
// close and persisting the result atomically. A venue report of "already
// closed" is treated as a successful reconciliation, not a failure.
func (e *Engine) Close(ctx context.Context, positionID, reason string) (report ClosedReport, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.Engine.Close", trace.WithAttributes(
		attribute.String("position_id", positionID),
		attribute.String("reason", reason),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return e.close(ctx, positionID, reason)
}

func (e *Engine) close(ctx context.Context, positionID, reason string) (ClosedReport, error) {
	pos, ok := e.store.GetPosition(positionID)
	if !ok || pos.Status == "closed" {
		return ClosedReport{}, errs.Wrap(errs.Contract, "trade.Engine.Close", ErrNotOpen)
	}

	if _, err := e.locks.Acquire(pos.Symbol, lockHolder); err != nil {
		return ClosedReport{}, errs.Wrap(errs.Safety, "trade.Engine.Close", fmt.Errorf("symbol %q locked by another writer", pos.Symbol))
	}
	defer e.locks.Release(pos.Symbol)

	pos, ok = e.store.GetPosition(positionID)
	if !ok || pos.Status == "closed" {
		return ClosedReport{}, errs.Wrap(errs.Contract, "trade.Engine.Close", ErrNotOpen)
	}

	pos.Status = "closing"
	pos.UpdatedAt = time.Now()
	if err := e.store.UpsertPosition(pos); err != nil {
		return ClosedReport{}, errs.Wrap(errs.Persistence, "trade.Engine.Close", err)
	}

	var fill decimal.Decimal
	callErr := e.venueBreaker.Call(func() error {
		var innerErr error
		fill, innerErr = e.venue.ExecuteClose(ctx, pos.Symbol, pos.Side, pos.Quantity)
		return innerErr
	})

	if callErr != nil {
		if errors.Is(callErr, ErrAlreadyClosed) {
			fill = pos.CurrentPrice
			e.store.AppendAudit("trade", "reconciled_already_closed", map[string]interface{}{
				"position_id": pos.ID, "symbol": pos.Symbol,
			})
		} else {
			pos.Status = "open"
			pos.UpdatedAt = time.Now()
			e.store.UpsertPosition(pos)
			e.store.AppendAudit("trade", "close_failed", map[string]interface{}{
				"position_id": pos.ID, "symbol": pos.Symbol, "error": callErr.Error(),
			})
			return ClosedReport{}, errs.Wrap(errs.ExternalUnavailable, "trade.Engine.Close", callErr)
		}
	}

	pnl := positionPnL(pos, fill)
	now := time.Now()
	pos.Status = "closed"
	pos.CloseReason = reason
	pos.CurrentPrice = fill
	pos.ClosedAt = now
	pos.UpdatedAt = now
	if err := e.store.UpsertPosition(pos); err != nil {
		return ClosedReport{}, errs.Wrap(errs.Persistence, "trade.Engine.Close", err)
	}
	e.activeCount.Decrement()

	e.store.AppendAudit("trade", "close", map[string]interface{}{
		"position_id": pos.ID, "symbol": pos.Symbol, "reason": reason,
		"exit_price": fill.String(), "pnl": pnl.String(),
	})
	e.bus.Publish(eventbus.TopicTradeClosed, eventbus.PriorityHigh, "",
		eventbus.NewTradeClosedEvent(pos.ID, pos.Symbol, reason, mustFloat(pnl), now.Format(time.RFC3339)))

	return ClosedReport{
		PositionID: pos.ID, Symbol: pos.Symbol, Reason: reason,
		EntryPrice: pos.EntryPrice, ExitPrice: fill, PnL: pnl, ClosedAt: now,
	}, nil
}

// OnPrice feeds a fresh quote through every open position on symbol,
// advancing trailing stops and closing any position whose stop or
// take-profit has now triggered. On a price-feed gap it only ever
// evaluates against this single tick, never synthesizing the missed
// ones in between.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	e.prices.Set(symbol, price)

	positions, err := e.store.LoadPositions()
	if err != nil {
		e.log.Error("on_price: failed to load positions", err, "symbol", symbol)
		return
	}

	for _, p := range positions {
		if p.Symbol != symbol || p.Status != "open" {
			continue
		}

		if _, err := e.locks.Acquire(symbol, lockHolder); err != nil {
			continue // another writer owns this symbol right now; skip this tick
		}

		cur, ok := e.store.GetPosition(p.ID)
		if !ok || cur.Status != "open" {
			e.locks.Release(symbol)
			continue
		}

		if cur.Side == "short" {
			applyTrailingShort(&cur, price, e.trailing)
		} else {
			applyTrailingLong(&cur, price, e.trailing)
		}
		cur.CurrentPrice = price
		cur.UpdatedAt = time.Now()
		e.store.UpsertPosition(cur)

		reason := triggerReason(cur, price, e.trailing)
		e.locks.Release(symbol)

		if reason != "" {
			if _, err := e.Close(ctx, cur.ID, reason); err != nil {
				e.log.Error("on_price: triggered close failed", err, "position_id", cur.ID, "reason", reason)
			}
		}
	}
}

// Positions returns every position matching filter, unfiltered fields
// matching everything.
func (e *Engine) Positions(filter PositionFilter) ([]store.Position, error) {
	all, err := e.store.LoadPositions()
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "trade.Engine.Positions", err)
	}
	out := make([]store.Position, 0, len(all))
	for _, p := range all {
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func positionPnL(p store.Position, exit decimal.Decimal) decimal.Decimal {
	if p.Side == "short" {
		return p.EntryPrice.Sub(exit).Mul(p.Quantity)
	}
	return exit.Sub(p.EntryPrice).Mul(p.Quantity)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
