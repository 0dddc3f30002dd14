package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/connector"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// Binance 现货 REST 接口的 connector.Exchange 实现，HTTPClient 可注入 httptest。
type Binance struct {
	name       string
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger

	// nowMillis 签名时间戳，测试可替换
	nowMillis func() int64
}

// apiError 交易所返回的错误体 {"code":-2010,"msg":"..."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e apiError) Error() string { return fmt.Sprintf("code %d: %s", e.Code, e.Msg) }

func (b *Binance) Name() string                { return b.name }
func (b *Binance) Fees() connector.FeeSchedule { return b.cfg.Fees }
func (b *Binance) Config() Config              { return b.cfg }

// Symbol BTC-USDT -> BTCUSDT
func Symbol(pair market.TradingPair) string { return pair.Base + pair.Quote }

type orderResp struct {
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Status              string          `json:"status"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	UpdateTime          int64           `json:"updateTime"`
}

// PlaceOrder 限价单；PostOnly 使用 LIMIT_MAKER，会吃单时交易所直接拒绝。
func (b *Binance) PlaceOrder(ctx context.Context, req connector.PlaceRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(req.Pair))
	params.Set("side", req.Side.String())
	params.Set("price", req.Price.String())
	params.Set("quantity", req.Amount.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "ACK")
	if req.PostOnly {
		params.Set("type", "LIMIT_MAKER")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
	}
	var resp orderResp
	if err := b.signed(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", b.classify("place", err)
	}
	if resp.OrderID == 0 {
		return "", connector.NewError(connector.KindNetwork, b.name, "place", errors.New("empty orderId"))
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder 优先按交易所 id 撤单，下单结果不明时按 clientOrderId。
func (b *Binance) CancelOrder(ctx context.Context, ref connector.OrderRef) error {
	params := refParams(ref)
	if err := b.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return b.classify("cancel", err)
	}
	return nil
}

func (b *Binance) QueryOrder(ctx context.Context, ref connector.OrderRef) (connector.OrderState, error) {
	var resp orderResp
	if err := b.signed(ctx, http.MethodGet, "/api/v3/order", refParams(ref), &resp); err != nil {
		return connector.OrderState{}, b.classify("query", err)
	}
	st := connector.OrderState{
		Ref:       ref,
		Status:    remoteStatus(resp.Status),
		Filled:    resp.ExecutedQty,
		UpdatedAt: time.UnixMilli(resp.UpdateTime),
	}
	if st.Ref.ExchangeOrderID == "" && resp.OrderID != 0 {
		st.Ref.ExchangeOrderID = strconv.FormatInt(resp.OrderID, 10)
	}
	if resp.ExecutedQty.IsPositive() {
		st.AveragePrice = resp.CummulativeQuoteQty.Div(resp.ExecutedQty)
	}
	if st.Status == 0 {
		return st, connector.NewError(connector.KindNetwork, b.name, "query", fmt.Errorf("unknown order status %q", resp.Status))
	}
	return st, nil
}

func refParams(ref connector.OrderRef) url.Values {
	params := url.Values{}
	params.Set("symbol", Symbol(ref.Pair))
	if ref.ExchangeOrderID != "" {
		params.Set("orderId", ref.ExchangeOrderID)
	} else {
		params.Set("origClientOrderId", ref.ClientOrderID)
	}
	return params
}

func remoteStatus(s string) connector.RemoteStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return connector.RemoteOpen
	case "FILLED":
		return connector.RemoteFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "PENDING_CANCEL":
		return connector.RemoteCancelled
	case "REJECTED":
		return connector.RemoteRejected
	}
	return 0
}

func (b *Binance) GetBalances(ctx context.Context) (map[string]inventory.Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := b.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, b.classify("balances", err)
	}
	out := make(map[string]inventory.Balance, len(resp.Balances))
	for _, bal := range resp.Balances {
		total := bal.Free.Add(bal.Locked)
		if total.IsZero() {
			continue
		}
		out[bal.Asset] = inventory.Balance{Asset: bal.Asset, Total: total, Locked: bal.Locked}
	}
	return out, nil
}

// FetchSnapshot 全量盘口，lastUpdateId 作为序号。
func (b *Binance) FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(pair))
	params.Set("limit", strconv.Itoa(b.cfg.DepthLimit))
	var resp struct {
		LastUpdateID uint64           `json:"lastUpdateId"`
		Bids         [][2]json.Number `json:"bids"`
		Asks         [][2]json.Number `json:"asks"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/depth", params, false, &resp); err != nil {
		return market.Snapshot{}, b.classify("snapshot", err)
	}
	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return market.Snapshot{}, err
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return market.Snapshot{}, err
	}
	return market.Snapshot{
		Pair:      pair,
		Sequence:  resp.LastUpdateID,
		Timestamp: time.UnixMilli(b.nowMillis()),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

// ListenKey 创建用户数据流 listenKey
func (b *Binance) ListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := b.keyed(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, &resp); err != nil {
		return "", b.classify("listen_key", err)
	}
	return resp.ListenKey, nil
}

// KeepAlive listenKey 60 分钟过期，需要定期续期
func (b *Binance) KeepAlive(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if err := b.keyed(ctx, http.MethodPut, "/api/v3/userDataStream", params, nil); err != nil {
		return b.classify("keep_alive", err)
	}
	return nil
}

// SignParams 追加 timestamp/recvWindow 并返回 query 与 HMAC-SHA256 签名。
func SignParams(params url.Values, secret string, nowMillis int64, recvWindow time.Duration) (string, string) {
	params.Set("timestamp", strconv.FormatInt(nowMillis, 10))
	if recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return query, hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) signed(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	return b.do(ctx, method, path, params, true, out)
}

// keyed 只需要 API key，不需要签名
func (b *Binance) keyed(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	return b.send(ctx, method, b.cfg.BaseURL+path+"?"+params.Encode(), out)
}

func (b *Binance) do(ctx context.Context, method, path string, params url.Values, sign bool, out interface{}) error {
	query := params.Encode()
	if sign {
		var sig string
		query, sig = SignParams(params, b.cfg.APISecret, b.nowMillis(), b.cfg.RecvWindow)
		query += "&signature=" + sig
	}
	return b.send(ctx, method, b.cfg.BaseURL+path+"?"+query, out)
}

// statusError HTTP 非 2xx
type statusError struct {
	status     int
	api        apiError
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.api.Error())
}

func (b *Binance) send(ctx context.Context, method, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode}
		_ = json.Unmarshal(body, &se.api)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				se.retryAfter = time.Duration(secs) * time.Second
			}
		}
		return se
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// classify 把 HTTP/业务错误码映射到连接器错误分类。
func (b *Binance) classify(op string, err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return connector.NewError(connector.KindNetwork, b.name, op, err)
	}
	kind := connector.KindRejected
	switch {
	case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden ||
		se.api.Code == -2014 || se.api.Code == -2015 || se.api.Code == -1022:
		kind = connector.KindAuth
	case se.status == http.StatusTooManyRequests || se.status == http.StatusTeapot || se.api.Code == -1003:
		kind = connector.KindRateLimit
	case se.status >= 500:
		kind = connector.KindNetwork
	case se.api.Code == -2011 || se.api.Code == -2013:
		kind = connector.KindNotFound
	case se.api.Code == -2010 && strings.Contains(strings.ToLower(se.api.Msg), "insufficient balance"):
		kind = connector.KindInsufficientFunds
	}
	if kind != connector.KindRejected {
		b.log.Debug("binance request failed", zap.String("op", op), zap.String("kind", kind.String()), zap.Error(err))
	}
	ce := connector.NewError(kind, b.name, op, err)
	ce.RetryAfter = se.retryAfter
	return ce
}

func parseLevels(raw [][2]json.Number) ([]market.PriceLevel, error) {
	out := make([]market.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0].String())
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", lv[0], err)
		}
		qty, err := decimal.NewFromString(lv[1].String())
		if err != nil {
			return nil, fmt.Errorf("parse qty %q: %w", lv[1], err)
		}
		out = append(out, market.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
