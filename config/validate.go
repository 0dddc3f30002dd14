package config

import (
	"fmt"

	"trading-engine-go/strategy"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if len(cfg.Exchanges) == 0 {
		return invalid("at least one exchange is required")
	}
	for name, ex := range cfg.Exchanges {
		switch ex.Type {
		case ExchangeBinance:
			if !cfg.DryRun && (ex.APIKey == "" || ex.APISecret == "") {
				return invalid("exchange %s apiKey/apiSecret is required (or env overrides)", name)
			}
		case ExchangeJSON:
			if ex.WSEndpoint == "" {
				return invalid("exchange %s wsEndpoint is required", name)
			}
		default:
			return invalid("exchange %s: unknown type %q", name, ex.Type)
		}
		if ex.MakerFee.IsNegative() || ex.TakerFee.IsNegative() {
			return invalid("exchange %s fees must be >= 0", name)
		}
		for asset, v := range ex.Balances {
			if v.IsNegative() {
				return invalid("exchange %s balance %s must be >= 0", name, asset)
			}
		}
	}

	for _, pc := range cfg.Pairs {
		p, err := pc.Pair()
		if err != nil {
			return invalid("pair %q: %v", pc.Market, err)
		}
		if _, ok := cfg.Exchanges[p.Exchange]; !ok {
			return invalid("pair %s references unknown exchange", pc.Market)
		}
		for field, v := range map[string]interface{ IsNegative() bool }{
			"tickSize":    pc.TickSize,
			"stepSize":    pc.StepSize,
			"minQty":      pc.MinQty,
			"maxQty":      pc.MaxQty,
			"minNotional": pc.MinNotional,
		} {
			if v.IsNegative() {
				return invalid("pair %s %s must be >= 0", pc.Market, field)
			}
		}
	}

	names := make(map[string]bool, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		if err := sc.Validate(); err != nil {
			return invalid("strategy: %v", err)
		}
		if names[sc.Name] {
			return invalid("duplicate strategy name %q", sc.Name)
		}
		names[sc.Name] = true
		for _, m := range []string{sc.Market, sc.SecondMarket} {
			if m == "" {
				continue
			}
			p, _ := strategy.ParseMarket(m)
			if _, ok := cfg.Exchanges[p.Exchange]; !ok {
				return invalid("strategy %s references unknown exchange %q", sc.Name, p.Exchange)
			}
		}
	}

	if cfg.Orders.AckTimeout < 0 || cfg.Reconciler.Interval < 0 {
		return invalid("orders.ack_timeout and reconciler.interval must be >= 0")
	}
	return nil
}
