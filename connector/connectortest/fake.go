// Package connectortest 提供可编排的交易所假实现，供各包测试使用。
package connectortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-engine-go/connector"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// Exchange 默认行为：下单成功并返回递增 id，撤单成功，查询返回本地记录的状态。
// 测试可用 OnPlace/OnCancel/OnQuery 覆盖，覆盖函数里可调用 AcceptPlace 等默认实现。
type Exchange struct {
	name string
	fees connector.FeeSchedule

	mu        sync.Mutex
	nextID    int
	orders    map[string]*connector.OrderState
	balances  map[string]inventory.Balance
	snapshots map[string]market.Snapshot
	calls     map[string]int
	placed    []connector.PlaceRequest
	cancelled []connector.OrderRef

	placeFn  func(context.Context, connector.PlaceRequest) (string, error)
	cancelFn func(context.Context, connector.OrderRef) error
	queryFn  func(context.Context, connector.OrderRef) (connector.OrderState, error)
	balErr   error

	updates chan connector.OrderUpdate
}

func New(name string) *Exchange {
	return &Exchange{
		name:      name,
		orders:    make(map[string]*connector.OrderState),
		balances:  make(map[string]inventory.Balance),
		snapshots: make(map[string]market.Snapshot),
		calls:     make(map[string]int),
		updates:   make(chan connector.OrderUpdate, 256),
	}
}

func (e *Exchange) Name() string { return e.name }

func (e *Exchange) SetFees(maker, taker string) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = connector.FeeSchedule{Maker: decimal.RequireFromString(maker), Taker: decimal.RequireFromString(taker)}
	return e
}

func (e *Exchange) Fees() connector.FeeSchedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees
}

func (e *Exchange) SetBalance(asset, total string) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = inventory.Balance{Asset: asset, Total: decimal.RequireFromString(total), Locked: decimal.Zero}
	return e
}

func (e *Exchange) SetBalanceError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balErr = err
}

func (e *Exchange) SetSnapshot(s market.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots[s.Pair.Key()] = s
}

func (e *Exchange) OnPlace(fn func(context.Context, connector.PlaceRequest) (string, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeFn = fn
}

func (e *Exchange) OnCancel(fn func(context.Context, connector.OrderRef) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelFn = fn
}

func (e *Exchange) OnQuery(fn func(context.Context, connector.OrderRef) (connector.OrderState, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryFn = fn
}

func (e *Exchange) PlaceOrder(ctx context.Context, req connector.PlaceRequest) (string, error) {
	e.mu.Lock()
	e.calls["place"]++
	e.placed = append(e.placed, req)
	fn := e.placeFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return e.AcceptPlace(req), nil
}

// AcceptPlace 默认下单实现：登记为 open 并返回交易所 id。
func (e *Exchange) AcceptPlace(req connector.PlaceRequest) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("%s-%d", e.name, e.nextID)
	e.orders[req.ClientOrderID] = &connector.OrderState{
		Ref:       connector.OrderRef{ClientOrderID: req.ClientOrderID, ExchangeOrderID: id, Pair: req.Pair},
		Status:    connector.RemoteOpen,
		Filled:    decimal.Zero,
		UpdatedAt: time.Now(),
	}
	return id
}

func (e *Exchange) CancelOrder(ctx context.Context, ref connector.OrderRef) error {
	e.mu.Lock()
	e.calls["cancel"]++
	e.cancelled = append(e.cancelled, ref)
	fn := e.cancelFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}
	return e.AcceptCancel(ref)
}

// AcceptCancel 默认撤单实现。
func (e *Exchange) AcceptCancel(ref connector.OrderRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[ref.ClientOrderID]
	if !ok {
		return connector.NewError(connector.KindNotFound, e.name, "cancel", fmt.Errorf("client order %s", ref.ClientOrderID))
	}
	if o.Status == connector.RemoteOpen {
		o.Status = connector.RemoteCancelled
	}
	return nil
}

func (e *Exchange) QueryOrder(ctx context.Context, ref connector.OrderRef) (connector.OrderState, error) {
	e.mu.Lock()
	e.calls["query"]++
	fn := e.queryFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}
	return e.RemoteState(ref.ClientOrderID)
}

// RemoteState 默认查询实现。
func (e *Exchange) RemoteState(clientOrderID string) (connector.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return connector.OrderState{}, connector.NewError(connector.KindNotFound, e.name, "query", fmt.Errorf("client order %s", clientOrderID))
	}
	return *o, nil
}

func (e *Exchange) GetBalances(ctx context.Context) (map[string]inventory.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["balances"]++
	if e.balErr != nil {
		return nil, e.balErr
	}
	out := make(map[string]inventory.Balance, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["snapshot"]++
	s, ok := e.snapshots[pair.Key()]
	if !ok {
		return market.Snapshot{}, connector.NewError(connector.KindNotFound, e.name, "snapshot", fmt.Errorf("no snapshot for %s", pair))
	}
	return s, nil
}

func (e *Exchange) Updates() <-chan connector.OrderUpdate { return e.updates }

// SetRemoteStatus 修改交易所侧状态（不推送事件）。
func (e *Exchange) SetRemoteStatus(clientOrderID string, status connector.RemoteStatus, filled string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		o = &connector.OrderState{Ref: connector.OrderRef{ClientOrderID: clientOrderID}}
		e.orders[clientOrderID] = o
	}
	o.Status = status
	if filled != "" {
		o.Filled = decimal.RequireFromString(filled)
	}
}

// Fill 推送一笔成交并更新交易所侧累计成交量。
func (e *Exchange) Fill(clientOrderID, tradeID, price, amount string) connector.OrderUpdate {
	e.mu.Lock()
	o, ok := e.orders[clientOrderID]
	ref := connector.OrderRef{ClientOrderID: clientOrderID}
	if ok {
		o.Filled = o.Filled.Add(decimal.RequireFromString(amount))
		ref = o.Ref
	}
	e.mu.Unlock()
	u := connector.OrderUpdate{
		Exchange:  e.name,
		Kind:      connector.UpdateFill,
		Ref:       ref,
		TradeID:   tradeID,
		Price:     decimal.RequireFromString(price),
		Amount:    decimal.RequireFromString(amount),
		Fee:       decimal.Zero,
		Timestamp: time.Now(),
	}
	e.updates <- u
	return u
}

// Push 推送任意用户流事件
func (e *Exchange) Push(u connector.OrderUpdate) {
	if u.Exchange == "" {
		u.Exchange = e.name
	}
	e.updates <- u
}

// Calls 某类调用的次数：place / cancel / query / balances / snapshot
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Exchange) Placed() []connector.PlaceRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]connector.PlaceRequest(nil), e.placed...)
}

func (e *Exchange) CancelRequests() []connector.OrderRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]connector.OrderRef(nil), e.cancelled...)
}
