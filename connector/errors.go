package connector

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 交易所调用失败的分类
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindRateLimit
	KindAuth
	KindRejected
	KindInsufficientFunds
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	ErrNetwork           = errors.New("network error")
	ErrRateLimit         = errors.New("rate limited")
	ErrAuthentication    = errors.New("authentication failed")
	ErrRejected          = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds on exchange")
	ErrNotFound          = errors.New("order not found")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindRateLimit:
		return ErrRateLimit
	case KindAuth:
		return ErrAuthentication
	case KindRejected:
		return ErrRejected
	case KindInsufficientFunds:
		return ErrInsufficientFunds
	case KindNotFound:
		return ErrNotFound
	}
	return nil
}

// Error 连接器边界返回的统一错误。
type Error struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Err      error
	// RetryAfter 交易所给出的等待时间（限流时），0 表示未知
	RetryAfter time.Duration
}

func NewError(kind ErrorKind, exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Exchange, e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Exchange, e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrAuthentication) 等判断按 Kind 生效。
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf 提取错误分类；非连接器错误返回 false。
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	for _, k := range []ErrorKind{KindNetwork, KindRateLimit, KindAuth, KindRejected, KindInsufficientFunds, KindNotFound} {
		if errors.Is(err, k.sentinel()) {
			return k, true
		}
	}
	return 0, false
}

// Retryable 网络与限流错误可以重试。
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindNetwork || k == KindRateLimit)
}

// Fatal 认证失败需要人工介入。
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
