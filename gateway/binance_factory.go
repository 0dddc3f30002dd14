// Package gateway 交易所协议适配：签名 REST 与 websocket 消息解码，
// 对外只暴露 connector 包的接口。
package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"trading-engine-go/connector"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/market"
)

const (
	BinanceRESTEndpoint = "https://api.binance.com"
	BinanceWSEndpoint   = "wss://stream.binance.com:9443"
)

// Config Binance 连接参数
type Config struct {
	BaseURL    string                `yaml:"baseURL"`
	WSEndpoint string                `yaml:"wsEndpoint"`
	APIKey     string                `yaml:"apiKey"`
	APISecret  string                `yaml:"apiSecret"`
	RecvWindow time.Duration         `yaml:"recvWindow"`
	DepthLimit int                   `yaml:"depthLimit"`
	Fees       connector.FeeSchedule `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:    BinanceRESTEndpoint,
		WSEndpoint: BinanceWSEndpoint,
		RecvWindow: 5 * time.Second,
		DepthLimit: 1000,
	}
}

// NewBinance 调用方可传入自定义 http.Client（带代理/超时），否则使用默认。
func NewBinance(name string, cfg Config, httpCli *http.Client, log *logger.Logger) *Binance {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.WSEndpoint == "" {
		cfg.WSEndpoint = def.WSEndpoint
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = def.DepthLimit
	}
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Binance{
		name:       name,
		cfg:        cfg,
		httpClient: httpCli,
		log:        log.Named("binance").WithFields(map[string]interface{}{"exchange": name}),
		nowMillis:  func() int64 { return time.Now().UnixMilli() },
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// DepthStreamURL 组合订阅各交易对的 depth20@100ms 部分盘口与逐笔成交。
func DepthStreamURL(endpoint string, pairs []market.TradingPair) string {
	streams := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		sym := strings.ToLower(Symbol(p))
		streams = append(streams, sym+"@depth20@100ms", sym+"@trade")
	}
	return combined(endpoint, streams)
}

// UserStreamURL 用户数据流
func UserStreamURL(endpoint, listenKey string) string {
	return combined(endpoint, []string{listenKey})
}

func combined(endpoint string, streams []string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "wss", Host: strings.TrimPrefix(endpoint, "wss://")}
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String()
}
