package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trading-engine-go/connector"
	"trading-engine-go/gateway"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
)

// 交易所接入方式
const (
	// ExchangeBinance 签名 REST 下单 + combined stream 行情与用户流
	ExchangeBinance = "binance"
	// ExchangeJSON 统一 JSON 行情网关，只支持 dry-run 下单
	ExchangeJSON = "json"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                    `yaml:"env"`
	DryRun     bool                      `yaml:"dryRun"`
	Logger     logger.Config             `yaml:"logger"`
	Monitor    MonitorConfig             `yaml:"monitor"`
	Alerts     AlertConfig               `yaml:"alerts"`
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Pairs      []PairConfig              `yaml:"pairs"`
	Orders     order.Config              `yaml:"orders"`
	Reconciler order.ReconcilerConfig    `yaml:"reconciler"`
	Strategies []strategy.Config         `yaml:"strategies"`
}

type MonitorConfig struct {
	monitor.Config `yaml:",inline"`
	// Addr 指标 HTTP 监听地址，空表示不启动
	Addr string `yaml:"addr"`
}

type AlertConfig struct {
	ThrottleSeconds int `yaml:"throttleSeconds"`
}

func (c AlertConfig) Throttle() time.Duration {
	if c.ThrottleSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.ThrottleSeconds) * time.Second
}

type ExchangeConfig struct {
	Type       string                `yaml:"type"`
	APIKey     string                `yaml:"apiKey"`
	APISecret  string                `yaml:"apiSecret"`
	BaseURL    string                `yaml:"baseURL"`
	WSEndpoint string                `yaml:"wsEndpoint"`
	MakerFee   decimal.Decimal       `yaml:"makerFee"`
	TakerFee   decimal.Decimal       `yaml:"takerFee"`
	Retry      connector.RetryConfig `yaml:"retry"`
	// Balances dry-run 模式下的初始余额
	Balances map[string]decimal.Decimal `yaml:"balances"`
}

func (c ExchangeConfig) Fees() connector.FeeSchedule {
	return connector.FeeSchedule{Maker: c.MakerFee, Taker: c.TakerFee}
}

// Binance 网关参数，未填的地址使用正式环境
func (c ExchangeConfig) Binance() gateway.Config {
	gc := gateway.DefaultConfig()
	if c.BaseURL != "" {
		gc.BaseURL = c.BaseURL
	}
	if c.WSEndpoint != "" {
		gc.WSEndpoint = c.WSEndpoint
	}
	gc.APIKey = c.APIKey
	gc.APISecret = c.APISecret
	gc.Fees = c.Fees()
	return gc
}

// PairConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type PairConfig struct {
	Market      string          `yaml:"market"`
	TickSize    decimal.Decimal `yaml:"tickSize"`
	StepSize    decimal.Decimal `yaml:"stepSize"`
	MinQty      decimal.Decimal `yaml:"minQty"`
	MaxQty      decimal.Decimal `yaml:"maxQty"`
	MinNotional decimal.Decimal `yaml:"minNotional"`
}

func (p PairConfig) Pair() (market.TradingPair, error) {
	return strategy.ParseMarket(p.Market)
}

func (p PairConfig) Constraints() order.SymbolConstraints {
	return order.SymbolConstraints{
		TickSize:    p.TickSize,
		StepSize:    p.StepSize,
		MinQty:      p.MinQty,
		MaxQty:      p.MaxQty,
		MinNotional: p.MinNotional,
	}
}

// Markets 需要订阅盘口的全部交易对：pairs 与策略引用的市场去重合并。
func (c AppConfig) Markets() []market.TradingPair {
	seen := make(map[string]bool)
	var out []market.TradingPair
	add := func(s string) {
		p, err := strategy.ParseMarket(s)
		if err != nil || seen[p.Key()] {
			return
		}
		seen[p.Key()] = true
		out = append(out, p)
	}
	for _, pc := range c.Pairs {
		add(pc.Market)
	}
	for _, sc := range c.Strategies {
		add(sc.Market)
		if sc.SecondMarket != "" {
			add(sc.SecondMarket)
		}
	}
	return out
}

// Default 未在文件中出现的字段使用各组件默认值。
func Default() AppConfig {
	return AppConfig{
		Env:        "dev",
		Logger:     logger.DefaultConfig(),
		Monitor:    MonitorConfig{Config: monitor.DefaultConfig()},
		Orders:     order.DefaultConfig(),
		Reconciler: order.ReconcilerConfig{Interval: 30 * time.Second, SyncBalances: true},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides API keys from
// TE_<EXCHANGE>_API_KEY / TE_<EXCHANGE>_API_SECRET if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnvOverrides(&cfg)
	return cfg, Validate(cfg)
}

func ApplyEnvOverrides(cfg *AppConfig) {
	for name, ex := range cfg.Exchanges {
		prefix := "TE_" + envName(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = v
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			ex.APISecret = v
		}
		cfg.Exchanges[name] = ex
	}
}

// envName binance-us -> BINANCE_US
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
