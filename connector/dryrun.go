package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// DryRun 不发真实请求的交易所：下单、撤单只记录日志并立即确认，不模拟成交。
// 行情快照可委托给只读的公开数据源。
type DryRun struct {
	name     string
	fees     FeeSchedule
	snapshot market.SnapshotSource
	log      *logger.Logger

	mu       sync.Mutex
	balances map[string]inventory.Balance
	orders   map[string]*OrderState
	updates  chan OrderUpdate
}

func NewDryRun(name string, fees FeeSchedule, balances map[string]decimal.Decimal, snapshots market.SnapshotSource, log *logger.Logger) *DryRun {
	if log == nil {
		log = logger.NewNop()
	}
	bal := make(map[string]inventory.Balance, len(balances))
	for asset, total := range balances {
		bal[asset] = inventory.Balance{Asset: asset, Total: total, Locked: decimal.Zero}
	}
	return &DryRun{
		name:     name,
		fees:     fees,
		snapshot: snapshots,
		log:      log.Named("dry_run").With(zap.String("exchange", name)),
		balances: bal,
		orders:   make(map[string]*OrderState),
		updates:  make(chan OrderUpdate, 64),
	}
}

func (d *DryRun) Name() string { return d.name }

func (d *DryRun) Fees() FeeSchedule { return d.fees }

func (d *DryRun) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError(KindNetwork, d.name, "place", err)
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.orders[req.ClientOrderID] = &OrderState{
		Ref:       OrderRef{ClientOrderID: req.ClientOrderID, ExchangeOrderID: id, Pair: req.Pair},
		Status:    RemoteOpen,
		Filled:    decimal.Zero,
		UpdatedAt: time.Now(),
	}
	d.mu.Unlock()
	d.log.Info("order_place_dry_run",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("pair", req.Pair.Key()),
		zap.Stringer("side", req.Side),
		zap.Stringer("price", req.Price),
		zap.Stringer("amount", req.Amount))
	return id, nil
}

func (d *DryRun) CancelOrder(ctx context.Context, ref OrderRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[ref.ClientOrderID]
	if !ok {
		return NewError(KindNotFound, d.name, "cancel", fmt.Errorf("client order %s", ref.ClientOrderID))
	}
	o.Status = RemoteCancelled
	o.UpdatedAt = time.Now()
	d.log.Info("order_cancel_dry_run", zap.String("client_order_id", ref.ClientOrderID))
	return nil
}

func (d *DryRun) QueryOrder(ctx context.Context, ref OrderRef) (OrderState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[ref.ClientOrderID]
	if !ok {
		return OrderState{}, NewError(KindNotFound, d.name, "query", fmt.Errorf("client order %s", ref.ClientOrderID))
	}
	return *o, nil
}

func (d *DryRun) GetBalances(ctx context.Context) (map[string]inventory.Balance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]inventory.Balance, len(d.balances))
	for k, v := range d.balances {
		out[k] = v
	}
	return out, nil
}

func (d *DryRun) FetchSnapshot(ctx context.Context, pair market.TradingPair) (market.Snapshot, error) {
	if d.snapshot == nil {
		return market.Snapshot{}, NewError(KindNotFound, d.name, "snapshot", fmt.Errorf("no snapshot source for %s", pair))
	}
	return d.snapshot.FetchSnapshot(ctx, pair)
}

// Updates 模拟模式不产生成交，通道保持为空。
func (d *DryRun) Updates() <-chan OrderUpdate { return d.updates }
