package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrSequenceGap    = errors.New("sequence gap")
	ErrStaleSequence  = errors.New("stale sequence")
	ErrCrossedBook    = errors.New("crossed book")
	ErrNotInitialized = errors.New("order book has no snapshot")
	ErrUnknownPair    = errors.New("unknown trading pair")
)

// SequenceGapError 增量序号不连续，需重新拉取快照。
type SequenceGapError struct {
	Pair     TradingPair
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: sequence gap on %s: expected %d, got %d", ErrSequenceGap, e.Pair, e.Expected, e.Got)
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }

// CrossedBookError 记录一次交叉盘口的就地修复，仅用于日志，不作为失败返回。
type CrossedBookError struct {
	Pair     TradingPair
	Sequence uint64
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	// Yielded 每次被裁掉的档位所在侧，按裁剪顺序。
	Yielded []BookSide
	Trimmed []PriceLevel
}

func (e *CrossedBookError) Error() string {
	return fmt.Sprintf("%s: %s at seq %d bid=%s ask=%s, trimmed %d level(s)",
		ErrCrossedBook, e.Pair, e.Sequence, e.BestBid, e.BestAsk, len(e.Trimmed))
}

func (e *CrossedBookError) Is(target error) bool { return target == ErrCrossedBook }
