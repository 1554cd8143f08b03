package trade

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrAlreadyClosed is returned by Venue.ExecuteClose when the external
// venue reports the position was already closed on its side (e.g. a
// liquidation the engine hadn't yet observed). Engine treats this as a
// successful reconciliation rather than a failure.
var ErrAlreadyClosed = errors.New("venue reports position already closed")

// Venue is the external execution surface C7 drives. Its shape is
// intentionally minimal: quoting and fill confirmation only, with no
// wire protocol specified here — that boundary is left to whatever
// concrete adapter is wired in.
type Venue interface {
	// Quote returns the current bid/ask for symbol.
	Quote(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	// ExecuteOpen places the order for intent and returns its fill price.
	ExecuteOpen(ctx context.Context, intent TradeIntent, size decimal.Decimal) (fillPrice decimal.Decimal, err error)
	// ExecuteClose closes quantity of side on symbol and returns its fill price.
	ExecuteClose(ctx context.Context, symbol, side string, quantity decimal.Decimal) (fillPrice decimal.Decimal, err error)
}
