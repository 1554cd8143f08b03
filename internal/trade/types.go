// Package trade implements the Trade Engine (C7): idempotent open/close
// of market positions with stop-loss, take-profit and trailing-stop
// management, durable through internal/store. Grounded on
// internal/services/trading_service.go for the lock-free active-trade
// bookkeeping and single-writer-per-symbol discipline, and on
// internal/trading/authorization.go and the pack's confidence-tiered
// risk gating for the autonomy guard.
package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeIntent is a caller's request to open a position. IntentID is the
// idempotency key: opening the same IntentID twice is a no-op on the
// second call, unlike a time-seeded hash identifier which
// can't serve that role since it's never the same twice for retries of
// the same logical request.
type TradeIntent struct {
	IntentID        string
	Symbol          string
	Side            string // "long" or "short"
	Size            decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	Confidence      float64
	TTL             time.Duration
}

// PositionHandle is what Open returns on success or replay.
type PositionHandle struct {
	PositionID       string
	IntentID         string
	AlreadyProcessed bool
}

// RejectReason explains why Open refused to place a trade.
type RejectReason string

const (
	RejectKillSwitch      RejectReason = "kill_switch_engaged"
	RejectMaxPositions    RejectReason = "max_positions_reached"
	RejectBreakerOpen     RejectReason = "venue_breaker_open"
	RejectGuardTier       RejectReason = "autonomy_guard_declined"
	RejectVenueError      RejectReason = "venue_rejected"
	RejectPersistenceFail RejectReason = "persistence_failure"
	RejectSymbolLocked    RejectReason = "symbol_locked"
)

// ClosedReport is what Close returns once a position has been confirmed
// closed, whether by explicit request or by a triggered stop/TP.
type ClosedReport struct {
	PositionID string
	Symbol     string
	Reason     string
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	ClosedAt   time.Time
}

// PositionFilter narrows the set positions() returns; a zero value
// matches everything.
type PositionFilter struct {
	Symbol string
	Status string
}
