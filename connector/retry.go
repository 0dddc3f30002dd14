package connector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/backoff"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// RetryConfig 交易所调用的限速与重试参数
type RetryConfig struct {
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	MaxAttempts       int             `yaml:"max_attempts"`
	Backoff           backoff.Backoff `yaml:"backoff"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RequestsPerSecond: 10,
		Burst:             5,
		MaxAttempts:       4,
		Backoff:           backoff.Default(),
	}
}

// Retrying 在交易所边界统一做限速、重试和埋点。
// 下单只在限流时重试：网络错误下订单可能已经创建，交给订单跟踪器查询核实。
type Retrying struct {
	Exchange
	cfg     RetryConfig
	limiter *rate.Limiter
	log     *logger.Logger
	mon     *monitor.Monitor
}

func WithRetry(ex Exchange, cfg RetryConfig, log *logger.Logger, mon *monitor.Monitor) *Retrying {
	def := DefaultRetryConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Retrying{
		Exchange: ex,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:      log.Named("connector").With(zap.String("exchange", ex.Name())),
		mon:      mon,
	}
}

func (r *Retrying) do(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return NewError(KindNetwork, r.Name(), op, err)
		}
		start := time.Now()
		err := fn(ctx)
		r.mon.RecordRESTRequest(r.Name(), op, time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		kind, _ := KindOf(err)
		r.mon.RecordRESTError(r.Name(), op, kind.String())
		if !retryable(err) || attempt >= r.cfg.MaxAttempts || ctx.Err() != nil {
			return err
		}
		wait := r.cfg.Backoff.Next(attempt)
		var ce *Error
		if errors.As(err, &ce) && ce.RetryAfter > wait {
			wait = ce.RetryAfter
		}
		r.log.Warn("retrying exchange call", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func rateLimitedOnly(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRateLimit
}

func (r *Retrying) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	var id string
	err := r.do(ctx, "place", rateLimitedOnly, func(ctx context.Context) error {
		var err error
		id, err = r.Exchange.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

func (r *Retrying) CancelOrder(ctx context.Context, ref OrderRef) error {
	return r.do(ctx, "cancel", Retryable, func(ctx context.Context) error {
		return r.Exchange.CancelOrder(ctx, ref)
	})
}

func (r *Retrying) QueryOrder(ctx context.Context, ref OrderRef) (OrderState, error) {
	var st OrderState
	err := r.do(ctx, "query", Retryable, func(ctx context.Context) error {
		var err error
		st, err = r.Exchange.QueryOrder(ctx, ref)
		return err
	})
	return st, err
}

func (r *Retrying) GetBalances(ctx context.Context) (map[string]inventory.Balance, error) {
	var out map[string]inventory.Balance
	err := r.do(ctx, "balances", Retryable, func(ctx context.Context) error {
		var err error
		out, err = r.Exchange.GetBalances(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error) {
	var snap market.Snapshot
	err := r.do(ctx, "snapshot", Retryable, func(ctx context.Context) error {
		var err error
		snap, err = r.Exchange.FetchSnapshot(ctx, pair)
		return err
	})
	return snap, err
}
