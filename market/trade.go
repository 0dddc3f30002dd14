package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents a normalized public trade; Side is the taker side.
type Trade struct {
	Pair      TradingPair
	TradeID   string
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}
