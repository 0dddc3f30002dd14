package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trading-engine-go/connector"
)

var (
	ErrUnknownOrder        = errors.New("unknown order")
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmbiguousOrderState = errors.New("ambiguous order state")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrInvalidIntent       = errors.New("invalid order intent")
	ErrConstraintViolation = errors.New("symbol constraint violated")
	ErrTrackerStopped      = errors.New("order tracker stopped")
	ErrAuthentication      = connector.ErrAuthentication

	errNotFoundAfterCreate = errors.New("order not found on exchange after create")
	errRejectedOnExchange  = errors.New("rejected by exchange")
)

// InsufficientBalanceError 本地可用余额不足以锁定下单所需资产。
type InsufficientBalanceError struct {
	Exchange  string
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s %s requires %s, available %s", ErrInsufficientBalance, e.Exchange, e.Asset, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// AmbiguousOrderStateError 请求结果未知，订单正在核实。
type AmbiguousOrderStateError struct {
	ClientOrderID string
	Op            string
	Cause         error
}

func (e *AmbiguousOrderStateError) Error() string {
	return fmt.Sprintf("%s: %s during %s: %v", ErrAmbiguousOrderState, e.ClientOrderID, e.Op, e.Cause)
}

func (e *AmbiguousOrderStateError) Is(target error) bool { return target == ErrAmbiguousOrderState }

func (e *AmbiguousOrderStateError) Unwrap() error { return e.Cause }
