package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine-go/connector"
	"trading-engine-go/event"
	"trading-engine-go/infrastructure/alert"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/backoff"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
)

// Config 订单跟踪器配置
type Config struct {
	AckTimeout   time.Duration   `yaml:"ack_timeout"`
	QueryBackoff backoff.Backoff `yaml:"query_backoff"`
	// QueryAlertAfter 核实查询连续失败多少次后告警
	QueryAlertAfter int           `yaml:"query_alert_after"`
	ArchiveSize     int           `yaml:"archive_size"`
	FillHistory     int           `yaml:"fill_history"`
	FillWindow      time.Duration `yaml:"fill_window"`
	CommandBuffer   int           `yaml:"command_buffer"`
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:      5 * time.Second,
		QueryBackoff:    backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2},
		QueryAlertAfter: 5,
		ArchiveSize:     10000,
		FillHistory:     1000,
		FillWindow:      5 * time.Minute,
		CommandBuffer:   1024,
	}
}

// Stats 跟踪器计数
type Stats struct {
	Live           int
	Submitted      int64
	Filled         int64
	Cancelled      int64
	Failed         int64
	Ambiguous      int64
	Rejected       int64
	DuplicateFills int64
	Overfills      int64
}

type queryMode int

const (
	queryResolve queryMode = iota
	querySweep
)

// entry 只由 actor goroutine 读写。
type entry struct {
	Order
	exchange      connector.Exchange
	lockAsset     string
	lockRemaining decimal.Decimal
	created       bool
	ambiguousFrom Status
	opSeq         uint64
	querySeq      uint64
	querying      bool
	queryAttempt  int
	sentAt        time.Time
}

func (e *entry) ref() connector.OrderRef {
	return connector.OrderRef{ClientOrderID: e.ClientOrderID, ExchangeOrderID: e.ExchangeOrderID, Pair: e.Pair}
}

// Tracker 订单跟踪器。所有订单状态由单个 actor goroutine 串行修改，
// 网络调用在独立 goroutine 中执行，结果以命令形式回到 actor。
type Tracker struct {
	cfg     Config
	sm      *StateMachine
	bus     *event.Bus
	log     *logger.Logger
	mon     *monitor.Monitor
	alerts  *alert.Manager
	ledger  *inventory.Ledger
	fills   *FillTracker
	archive *Book

	mu          sync.RWMutex
	exchanges   map[string]connector.Exchange
	constraints map[string]SymbolConstraints
	view        map[string]Order
	positions   map[string]*inventory.Position

	cmds     chan func()
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// actor-owned
	live         map[string]*entry
	byExchangeID map[string]string
	unauth       map[string]bool

	submitted, filled, cancelled, failed, ambiguous, rejected, dupFills, overfills atomic.Int64
}

func NewTracker(cfg Config, ledger *inventory.Ledger, bus *event.Bus, log *logger.Logger, mon *monitor.Monitor, alerts *alert.Manager) *Tracker {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.QueryBackoff.Min <= 0 {
		cfg.QueryBackoff = def.QueryBackoff
	}
	if cfg.QueryAlertAfter <= 0 {
		cfg.QueryAlertAfter = def.QueryAlertAfter
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	if cfg.FillWindow <= 0 {
		cfg.FillWindow = def.FillWindow
	}
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		cfg:          cfg,
		sm:           NewStateMachine(),
		bus:          bus,
		log:          log.Named("order"),
		mon:          mon,
		alerts:       alerts,
		ledger:       ledger,
		fills:        NewFillTracker(cfg.FillHistory, cfg.FillWindow),
		archive:      NewBook(cfg.ArchiveSize),
		exchanges:    make(map[string]connector.Exchange),
		constraints:  make(map[string]SymbolConstraints),
		view:         make(map[string]Order),
		positions:    make(map[string]*inventory.Position),
		cmds:         make(chan func(), cfg.CommandBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		live:         make(map[string]*entry),
		byExchangeID: make(map[string]string),
		unauth:       make(map[string]bool),
	}
}

// AddExchange 注册交易所，名称取 ex.Name()。
func (t *Tracker) AddExchange(ex connector.Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[ex.Name()] = ex
}

// SetConstraints 设置交易对的精度/名义限制。
func (t *Tracker) SetConstraints(pair market.TradingPair, c SymbolConstraints) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.constraints[pair.Key()] = c
}

func (t *Tracker) Constraints(pair market.TradingPair) (SymbolConstraints, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.constraints[pair.Key()]
	return c, ok
}

func (t *Tracker) Exchange(name string) (connector.Exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ex, ok := t.exchanges[name]
	return ex, ok
}

func (t *Tracker) Ledger() *inventory.Ledger { return t.ledger }

func (t *Tracker) Fills() *FillTracker { return t.fills }

// Start 启动 actor。
func (t *Tracker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("order tracker already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.run()
	return nil
}

// Stop 停止 actor 并等待在途请求返回。未完成的订单保持原状态。
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
		if !t.started.Load() {
			return
		}
		t.cancel()
		<-t.done
		t.wg.Wait()
	})
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case fn := <-t.cmds:
			fn()
		case <-t.quit:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// post 异步投递命令，actor 已退出时丢弃。
func (t *Tracker) post(fn func()) bool {
	select {
	case t.cmds <- fn:
		return true
	case <-t.quit:
		return false
	case <-t.done:
		return false
	}
}

// do 同步执行命令。命令一旦入队必然执行，之后只等待完成。
func (t *Tracker) do(ctx context.Context, fn func()) error {
	if !t.started.Load() {
		return ErrTrackerStopped
	}
	finished := make(chan struct{})
	select {
	case t.cmds <- func() { defer close(finished); fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.quit:
		return ErrTrackerStopped
	}
	select {
	case <-finished:
		return nil
	case <-t.done:
		return ErrTrackerStopped
	}
}

// launch 在独立 goroutine 中执行一次交易所调用，超时为 AckTimeout。
func (t *Tracker) launch(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.AckTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Submit 校验并登记订单，余额不足或约束不满足时不会发出任何网络请求。
// 返回时订单处于 PENDING_CREATE，确认结果通过事件通知。
func (t *Tracker) Submit(ctx context.Context, in Intent) (Handle, error) {
	var (
		h   Handle
		err error
	)
	if derr := t.do(ctx, func() { h, err = t.submit(in) }); derr != nil {
		return Handle{}, derr
	}
	return h, err
}

// Cancel 撤单。PENDING_CREATE/AMBIGUOUS 状态下记录撤单意图，待确认后再发出。
func (t *Tracker) Cancel(ctx context.Context, clientOrderID string) error {
	var err error
	if derr := t.do(ctx, func() { err = t.cancelOrder(clientOrderID) }); derr != nil {
		return derr
	}
	return err
}

// CancelAll 撤销匹配的全部活动订单，match 为空表示全部，返回发出撤单意图的数量。
func (t *Tracker) CancelAll(ctx context.Context, match func(Order) bool) (int, error) {
	n := 0
	err := t.do(ctx, func() {
		for _, id := range t.liveIDs() {
			e := t.live[id]
			if match != nil && !match(e.Order) {
				continue
			}
			if e.CancelRequested {
				continue
			}
			if err := t.cancelOrder(id); err == nil {
				n++
			}
		}
	})
	return n, err
}

// HandleUpdate 处理用户数据流推送。
func (t *Tracker) HandleUpdate(u connector.OrderUpdate) {
	t.post(func() { t.handleUpdate(u) })
}

// ResetAuthentication 凭证修复后重新允许向该交易所下单。
func (t *Tracker) ResetAuthentication(ctx context.Context, exchange string) error {
	return t.do(ctx, func() { delete(t.unauth, exchange) })
}

// Authenticated 交易所是否可下单
func (t *Tracker) Authenticated(ctx context.Context, exchange string) (bool, error) {
	var ok bool
	err := t.do(ctx, func() { ok = !t.unauth[exchange] })
	return ok, err
}

// Order 查询订单，活动订单优先，其次归档。
func (t *Tracker) Order(clientOrderID string) (Order, bool) {
	t.mu.RLock()
	o, ok := t.view[clientOrderID]
	t.mu.RUnlock()
	if ok {
		return o, true
	}
	return t.archive.Get(clientOrderID)
}

// ActiveOrders 返回未终结订单，按创建时间排序。
func (t *Tracker) ActiveOrders(match func(Order) bool) []Order {
	t.mu.RLock()
	res := make([]Order, 0, len(t.view))
	for _, o := range t.view {
		if match == nil || match(o) {
			res = append(res, o)
		}
	}
	t.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ClientOrderID < res[j].ClientOrderID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

// History 已终结订单
func (t *Tracker) History() []Order { return t.archive.List() }

func (t *Tracker) Balance(exchange, asset string) inventory.Balance {
	return t.ledger.Balance(exchange, asset)
}

// Position 交易对净仓位，未成交过返回 nil。
func (t *Tracker) Position(pair market.TradingPair) *inventory.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[pair.Key()]
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	live := len(t.view)
	t.mu.RUnlock()
	return Stats{
		Live:           live,
		Submitted:      t.submitted.Load(),
		Filled:         t.filled.Load(),
		Cancelled:      t.cancelled.Load(),
		Failed:         t.failed.Load(),
		Ambiguous:      t.ambiguous.Load(),
		Rejected:       t.rejected.Load(),
		DuplicateFills: t.dupFills.Load(),
		Overfills:      t.overfills.Load(),
	}
}

// SyncBalances 拉取各交易所余额覆盖本地总额，锁定部分保持本地计算。
func (t *Tracker) SyncBalances(ctx context.Context) error {
	t.mu.RLock()
	exchanges := make([]connector.Exchange, 0, len(t.exchanges))
	for _, ex := range t.exchanges {
		exchanges = append(exchanges, ex)
	}
	t.mu.RUnlock()

	var errs []error
	for _, ex := range exchanges {
		name := ex.Name()
		balances, err := ex.GetBalances(ctx)
		if err != nil {
			if errors.Is(err, connector.ErrAuthentication) {
				t.post(func() { t.markUnauthenticated(name, err) })
			}
			errs = append(errs, fmt.Errorf("sync balances %s: %w", name, err))
			continue
		}
		deltas := t.ledger.SyncTotals(name, balances)
		for asset, d := range deltas {
			if d.IsZero() {
				continue
			}
			t.log.Info("balance_drift",
				zap.String("exchange", name),
				zap.String("asset", asset),
				zap.String("delta", d.String()))
		}
		for _, b := range t.ledger.Snapshot(name) {
			t.mon.UpdateBalance(name, b.Asset, b.Total.InexactFloat64(), b.Locked.InexactFloat64())
		}
	}
	return errors.Join(errs...)
}

// reconcile 对所有已确认的活动订单发起一次查询，补齐遗漏的推送。
func (t *Tracker) reconcile(ctx context.Context) (int, error) {
	n := 0
	err := t.do(ctx, func() {
		for _, id := range t.liveIDs() {
			e := t.live[id]
			if e.querying || e.ExchangeOrderID == "" {
				continue
			}
			switch e.Status {
			case StatusOpen, StatusPartiallyFilled, StatusPendingCancel:
				t.startQuery(e, querySweep)
				n++
			}
		}
	})
	return n, err
}

// ---- actor side ----

func (t *Tracker) liveIDs() []string {
	ids := make([]string, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validateIntent(in Intent) error {
	if in.Pair.Exchange == "" || in.Pair.Base == "" || in.Pair.Quote == "" {
		return fmt.Errorf("%w: incomplete pair %q", ErrInvalidIntent, in.Pair.Key())
	}
	if in.Side != market.Buy && in.Side != market.Sell {
		return fmt.Errorf("%w: side %s", ErrInvalidIntent, in.Side)
	}
	if !in.Price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrInvalidIntent, in.Price)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidIntent, in.Amount)
	}
	return nil
}

// lockFor 买单锁定 price*amount 计价币，卖单锁定 amount 基础币。
func lockFor(pair market.TradingPair, side market.Side, price, amount decimal.Decimal) (string, decimal.Decimal) {
	if side == market.Buy {
		return pair.Quote, price.Mul(amount)
	}
	return pair.Base, amount
}

func (t *Tracker) submit(in Intent) (Handle, error) {
	if err := validateIntent(in); err != nil {
		return Handle{}, err
	}
	exName := in.Pair.Exchange
	ex, ok := t.Exchange(exName)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownExchange, exName)
	}
	if t.unauth[exName] {
		return Handle{}, fmt.Errorf("%w: %s disabled after authentication failure", ErrAuthentication, exName)
	}
	if c, ok := t.Constraints(in.Pair); ok {
		if err := c.Validate(in.Price, in.Amount); err != nil {
			return Handle{}, err
		}
	}
	asset, need := lockFor(in.Pair, in.Side, in.Price, in.Amount)
	if avail := t.ledger.Available(exName, asset); avail.LessThan(need) {
		t.rejected.Add(1)
		return Handle{}, &InsufficientBalanceError{Exchange: exName, Asset: asset, Required: need, Available: avail}
	}
	cid := in.ClientOrderID
	if cid == "" {
		cid = uuid.NewString()
	}
	if _, dup := t.live[cid]; dup {
		return Handle{}, fmt.Errorf("%w: duplicate client order id %s", ErrInvalidIntent, cid)
	}
	if _, dup := t.archive.Get(cid); dup {
		return Handle{}, fmt.Errorf("%w: duplicate client order id %s", ErrInvalidIntent, cid)
	}

	now := time.Now()
	e := &entry{
		Order: Order{
			ClientOrderID: cid,
			Source:        in.Source,
			Pair:          in.Pair,
			Side:          in.Side,
			Price:         in.Price,
			Amount:        in.Amount,
			Filled:        decimal.Zero,
			AvgFillPrice:  decimal.Zero,
			Fee:           decimal.Zero,
			Status:        StatusPendingCreate,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		exchange:      ex,
		lockAsset:     asset,
		lockRemaining: need,
	}
	t.live[cid] = e
	t.relock(exName)
	t.sync(e)
	t.submitted.Add(1)
	t.mon.RecordOrderSubmitted(exName, in.Side.String())
	t.log.LogOrder("order_submit", cid, map[string]interface{}{
		"pair":   in.Pair.Key(),
		"side":   in.Side.String(),
		"price":  in.Price.String(),
		"amount": in.Amount.String(),
		"source": in.Source,
	})

	t.startPlace(e, in.PostOnly)
	return Handle{ClientOrderID: cid, Pair: in.Pair, Side: in.Side}, nil
}

func (t *Tracker) startPlace(e *entry, postOnly bool) {
	e.opSeq++
	token := e.opSeq
	e.sentAt = time.Now()
	cid, ex := e.ClientOrderID, e.exchange
	req := connector.PlaceRequest{
		ClientOrderID: cid,
		Pair:          e.Pair,
		Side:          e.Side,
		Price:         e.Price,
		Amount:        e.Amount,
		PostOnly:      postOnly,
	}
	t.launch(func(ctx context.Context) {
		id, err := ex.PlaceOrder(ctx, req)
		t.post(func() { t.onPlaceResult(cid, token, id, err) })
	})
	t.armTimeout(cid, token, StatusPendingCreate, "place")
}

func (t *Tracker) startCancel(e *entry) {
	if !t.transition(e, StatusPendingCancel) {
		return
	}
	e.CancelRequested = true
	e.opSeq++
	token := e.opSeq
	e.sentAt = time.Now()
	cid, ex, ref := e.ClientOrderID, e.exchange, e.ref()
	t.launch(func(ctx context.Context) {
		err := ex.CancelOrder(ctx, ref)
		t.post(func() { t.onCancelResult(cid, token, err) })
	})
	t.armTimeout(cid, token, StatusPendingCancel, "cancel")
	t.log.LogOrder("order_cancel_sent", cid, map[string]interface{}{"exchange_order_id": e.ExchangeOrderID})
}

// armTimeout 交易所实现未遵守 ctx 时仍保证在 AckTimeout 后进入 AMBIGUOUS。
func (t *Tracker) armTimeout(cid string, token uint64, awaiting Status, op string) {
	time.AfterFunc(t.cfg.AckTimeout, func() {
		t.post(func() {
			e, ok := t.live[cid]
			if !ok || e.opSeq != token || e.Status != awaiting {
				return
			}
			t.becomeAmbiguous(e, op, context.DeadlineExceeded)
		})
	})
}

func (t *Tracker) onPlaceResult(cid string, token uint64, exchangeOrderID string, err error) {
	e, ok := t.live[cid]
	if !ok || token != e.opSeq {
		return
	}
	if err == nil {
		switch {
		case e.Status == StatusPendingCreate:
			t.acknowledge(e, exchangeOrderID)
		case e.Status == StatusAmbiguous && e.ambiguousFrom == StatusPendingCreate:
			// 迟到的 ACK 直接解除歧义
			t.acknowledge(e, exchangeOrderID)
		default:
			t.setExchangeID(e, exchangeOrderID)
		}
		return
	}
	if e.Status != StatusPendingCreate {
		return
	}
	kind, _ := connector.KindOf(err)
	switch kind {
	case connector.KindAuth:
		t.markUnauthenticated(e.Pair.Exchange, err)
		t.fail(e, err)
	case connector.KindRejected, connector.KindInsufficientFunds, connector.KindNotFound, connector.KindRateLimit:
		t.fail(e, err)
	default:
		// 网络错误或超时：订单可能已经存在
		t.becomeAmbiguous(e, "place", err)
	}
}

func (t *Tracker) onCancelResult(cid string, token uint64, err error) {
	e, ok := t.live[cid]
	if !ok || token != e.opSeq {
		return
	}
	if err == nil {
		if e.Status == StatusPendingCancel || (e.Status == StatusAmbiguous && e.ambiguousFrom == StatusPendingCancel) {
			t.finish(e, StatusCancelled, "cancel acknowledged")
		}
		return
	}
	if e.Status != StatusPendingCancel {
		return
	}
	if errors.Is(err, connector.ErrAuthentication) {
		t.markUnauthenticated(e.Pair.Exchange, err)
	}
	t.becomeAmbiguous(e, "cancel", err)
}

func (t *Tracker) acknowledge(e *entry, exchangeOrderID string) {
	t.setExchangeID(e, exchangeOrderID)
	to := StatusOpen
	if e.Filled.IsPositive() {
		to = StatusPartiallyFilled
	}
	if !t.transition(e, to) {
		return
	}
	t.announceCreated(e)
	if e.CancelRequested {
		t.startCancel(e)
	}
}

func (t *Tracker) announceCreated(e *entry) {
	if e.created {
		return
	}
	e.created = true
	if !e.sentAt.IsZero() {
		t.mon.RecordAckLatency(e.Pair.Exchange, time.Since(e.sentAt).Seconds())
	}
	t.log.LogOrder("order_created", e.ClientOrderID, map[string]interface{}{
		"exchange_order_id": e.ExchangeOrderID,
		"pair":              e.Pair.Key(),
	})
	t.bus.Publish(OrderCreated{Order: e.Order})
}

func (t *Tracker) setExchangeID(e *entry, id string) {
	if id == "" || e.ExchangeOrderID == id {
		return
	}
	e.ExchangeOrderID = id
	t.byExchangeID[e.Pair.Exchange+"|"+id] = e.ClientOrderID
	t.sync(e)
}

func (t *Tracker) becomeAmbiguous(e *entry, op string, cause error) {
	from := e.Status
	if !t.transition(e, StatusAmbiguous) {
		return
	}
	e.ambiguousFrom = from
	e.queryAttempt = 0
	e.LastError = (&AmbiguousOrderStateError{ClientOrderID: e.ClientOrderID, Op: op, Cause: cause}).Error()
	t.sync(e)
	t.ambiguous.Add(1)
	t.mon.RecordOrderAmbiguous(e.Pair.Exchange)
	t.log.Warn("order_ambiguous",
		zap.String("client_order_id", e.ClientOrderID),
		zap.String("op", op),
		zap.String("from", string(from)),
		zap.Error(cause))
	t.startQuery(e, queryResolve)
}

func (t *Tracker) startQuery(e *entry, mode queryMode) {
	e.querySeq++
	e.querying = true
	token := e.querySeq
	cid, ex, ref := e.ClientOrderID, e.exchange, e.ref()
	t.launch(func(ctx context.Context) {
		st, err := ex.QueryOrder(ctx, ref)
		t.post(func() { t.onQueryResult(cid, token, mode, st, err) })
	})
}

func (t *Tracker) onQueryResult(cid string, token uint64, mode queryMode, st connector.OrderState, err error) {
	e, ok := t.live[cid]
	if !ok || token != e.querySeq {
		return
	}
	e.querying = false
	if mode == queryResolve && e.Status != StatusAmbiguous {
		return
	}
	if err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			if mode == querySweep {
				t.log.Warn("order_missing_on_exchange", zap.String("client_order_id", cid))
				return
			}
			if e.ambiguousFrom == StatusPendingCreate {
				t.fail(e, errNotFoundAfterCreate)
			} else {
				t.finish(e, StatusCancelled, "not found after cancel")
			}
			return
		}
		if errors.Is(err, connector.ErrAuthentication) {
			t.markUnauthenticated(e.Pair.Exchange, err)
		}
		if mode == queryResolve {
			t.retryQuery(e, err)
		}
		return
	}
	t.applyRemote(e, st, mode)
}

func (t *Tracker) retryQuery(e *entry, cause error) {
	e.queryAttempt++
	delay := t.cfg.QueryBackoff.Next(e.queryAttempt)
	t.log.Warn("order_query_failed",
		zap.String("client_order_id", e.ClientOrderID),
		zap.Int("attempt", e.queryAttempt),
		zap.Duration("retry_in", delay),
		zap.Error(cause))
	if e.queryAttempt == t.cfg.QueryAlertAfter {
		_ = t.alerts.Error("order_tracker", "order state unresolved", map[string]interface{}{
			"client_order_id": e.ClientOrderID,
			"exchange":        e.Pair.Exchange,
			"error":           cause.Error(),
		})
	}
	cid, token := e.ClientOrderID, e.querySeq
	time.AfterFunc(delay, func() {
		t.post(func() {
			cur, ok := t.live[cid]
			if !ok || cur.Status != StatusAmbiguous || cur.querySeq != token || cur.querying {
				return
			}
			t.startQuery(cur, queryResolve)
		})
	})
}

// applyRemote 以交易所返回的状态为准。
func (t *Tracker) applyRemote(e *entry, st connector.OrderState, mode queryMode) {
	cid := e.ClientOrderID
	t.setExchangeID(e, st.Ref.ExchangeOrderID)

	remoteFilled := st.Filled
	if st.Status == connector.RemoteFilled {
		remoteFilled = e.Amount
	}
	if remoteFilled.GreaterThan(e.Filled) {
		missing := remoteFilled.Sub(e.Filled)
		t.applyFill(e, fillQuery, Fill{
			ClientOrderID:   cid,
			ExchangeOrderID: e.ExchangeOrderID,
			TradeID:         "query:" + cid + ":" + remoteFilled.String(),
			Pair:            e.Pair,
			Side:            e.Side,
			Price:           missingFillPrice(e.Order, st, missing),
			Amount:          missing,
			Fee:             decimal.Zero,
			Timestamp:       time.Now(),
		})
		if _, still := t.live[cid]; !still {
			return
		}
	}

	switch st.Status {
	case connector.RemoteOpen:
		if mode == querySweep {
			return
		}
		to := StatusOpen
		if e.Filled.IsPositive() {
			to = StatusPartiallyFilled
		}
		if !t.transition(e, to) {
			return
		}
		t.announceCreated(e)
		t.log.LogOrder("order_resolved", cid, map[string]interface{}{"status": string(to)})
		if e.CancelRequested || e.ambiguousFrom == StatusPendingCancel {
			t.startCancel(e)
		}
	case connector.RemoteCancelled:
		t.finish(e, StatusCancelled, "cancelled on exchange")
	case connector.RemoteRejected:
		t.fail(e, errRejectedOnExchange)
	}
}

// missingFillPrice 用交易所均价反推漏掉部分的成交价，无均价时取挂单价。
func missingFillPrice(o Order, st connector.OrderState, missing decimal.Decimal) decimal.Decimal {
	if !st.AveragePrice.IsPositive() || !missing.IsPositive() {
		return o.Price
	}
	total := st.AveragePrice.Mul(o.Filled.Add(missing))
	known := o.AvgFillPrice.Mul(o.Filled)
	p := total.Sub(known).Div(missing)
	if !p.IsPositive() {
		return o.Price
	}
	return p
}

func (t *Tracker) cancelOrder(cid string) error {
	e, ok := t.live[cid]
	if !ok {
		if _, archived := t.archive.Get(cid); archived {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownOrder, cid)
	}
	e.CancelRequested = true
	switch e.Status {
	case StatusOpen, StatusPartiallyFilled:
		t.startCancel(e)
	case StatusPendingCreate, StatusAmbiguous:
		t.sync(e)
		t.log.LogOrder("order_cancel_queued", cid, map[string]interface{}{"status": string(e.Status)})
	}
	return nil
}

func (t *Tracker) handleUpdate(u connector.OrderUpdate) {
	exName := u.Exchange
	if exName == "" {
		exName = u.Ref.Pair.Exchange
	}
	e := t.lookup(exName, u.Ref)
	if e == nil {
		if u.Kind == connector.UpdateFill {
			t.lateFill(u)
			return
		}
		t.log.Debug("order_update_unknown",
			zap.String("client_order_id", u.Ref.ClientOrderID),
			zap.String("kind", u.Kind.String()))
		return
	}
	switch u.Kind {
	case connector.UpdateFill:
		if e.Status == StatusPendingCreate {
			// 成交推送先于下单 ACK 到达，视为已确认
			t.acknowledge(e, u.Ref.ExchangeOrderID)
		}
		t.applyFill(e, fillStream, fillFromUpdate(e.Order, u))
	case connector.UpdateCancelled:
		t.finish(e, StatusCancelled, u.Reason)
	case connector.UpdateRejected:
		t.fail(e, fmt.Errorf("%w: %s", errRejectedOnExchange, u.Reason))
	}
}

func (t *Tracker) lookup(exchange string, ref connector.OrderRef) *entry {
	if e, ok := t.live[ref.ClientOrderID]; ok && ref.ClientOrderID != "" {
		return e
	}
	if ref.ExchangeOrderID != "" {
		if cid, ok := t.byExchangeID[exchange+"|"+ref.ExchangeOrderID]; ok {
			return t.live[cid]
		}
	}
	return nil
}

func fillFromUpdate(o Order, u connector.OrderUpdate) Fill {
	exID := u.Ref.ExchangeOrderID
	if exID == "" {
		exID = o.ExchangeOrderID
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Fill{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: exID,
		TradeID:         u.TradeID,
		Pair:            o.Pair,
		Side:            o.Side,
		Price:           u.Price,
		Amount:          u.Amount,
		Fee:             u.Fee,
		FeeAsset:        u.FeeAsset,
		Timestamp:       ts,
	}
}

type fillSource int

const (
	fillStream fillSource = iota
	// 查询发现的成交，TradeID 为合成值，之后推送的真实成交需要先抵扣
	fillQuery
)

// absorbInferred 推送成交先抵扣查询补记过的数量，返回仍需记账的部分。
func absorbInferred(o *Order, amount decimal.Decimal) decimal.Decimal {
	if !o.inferred.IsPositive() {
		return amount
	}
	used := decimal.Min(o.inferred, amount)
	o.inferred = o.inferred.Sub(used)
	return amount.Sub(used)
}

// applyFill 记账一笔成交。累计成交量不超过订单数量，重复 TradeID 忽略。
func (t *Tracker) applyFill(e *entry, src fillSource, f Fill) {
	if t.fills.Seen(f) {
		t.dupFills.Add(1)
		t.log.Debug("fill_duplicate", zap.String("client_order_id", e.ClientOrderID), zap.String("trade_id", f.TradeID))
		return
	}
	reported := f.Amount
	switch src {
	case fillQuery:
		e.inferred = e.inferred.Add(decimal.Min(f.Amount, e.Remaining()))
	case fillStream:
		f.Amount = absorbInferred(&e.Order, f.Amount)
	}
	remaining := e.Remaining()
	requested := f.Amount
	f.Amount = decimal.Min(f.Amount, remaining)
	t.fills.Record(f)
	if requested.IsZero() {
		t.creditedFill(e.Pair, &e.Order, f, reported)
		t.sync(e)
		return
	}
	if f.Amount.LessThan(requested) {
		t.overfills.Add(1)
		t.log.Warn("fill_exceeds_remaining",
			zap.String("client_order_id", e.ClientOrderID),
			zap.String("trade_id", f.TradeID),
			zap.String("reported", requested.String()),
			zap.String("remaining", remaining.String()))
	}
	if !f.Amount.IsPositive() {
		return
	}

	known := e.AvgFillPrice.Mul(e.Filled)
	e.Filled = e.Filled.Add(f.Amount)
	e.AvgFillPrice = known.Add(f.Price.Mul(f.Amount)).Div(e.Filled)
	e.Fee = e.Fee.Add(f.Fee)
	t.settle(e.Pair, e.Side, f)
	_, e.lockRemaining = lockFor(e.Pair, e.Side, e.Price, e.Remaining())

	next := e.Status
	switch {
	case e.Filled.Equal(e.Amount):
		next = StatusFilled
	case e.Status == StatusOpen:
		next = StatusPartiallyFilled
	}
	t.transition(e, next)
	t.mon.RecordFill(e.Pair.Exchange, e.Pair.Symbol(), f.Amount.InexactFloat64())
	t.log.LogOrder("order_fill", e.ClientOrderID, map[string]interface{}{
		"trade_id": f.TradeID,
		"price":    f.Price.String(),
		"amount":   f.Amount.String(),
		"filled":   e.Filled.String(),
		"status":   string(e.Status),
	})
	if e.Status == StatusFilled {
		t.retire(e)
		t.filled.Add(1)
		t.mon.RecordOrderFilled(e.Pair.Exchange)
	} else {
		t.relock(e.Pair.Exchange)
	}
	t.bus.Publish(OrderFilled{Order: e.Order, Fill: f})
}

// lateFill 已终结订单上的成交仍需记账，例如撤单确认前已经成交的部分。
func (t *Tracker) lateFill(u connector.OrderUpdate) {
	o, ok := t.archive.Get(u.Ref.ClientOrderID)
	if !ok {
		t.log.Warn("fill_for_unknown_order",
			zap.String("client_order_id", u.Ref.ClientOrderID),
			zap.String("trade_id", u.TradeID))
		return
	}
	f := fillFromUpdate(o, u)
	if t.fills.Seen(f) {
		t.dupFills.Add(1)
		return
	}
	reported := f.Amount
	f.Amount = absorbInferred(&o, f.Amount)
	requested := f.Amount
	f.Amount = decimal.Min(f.Amount, o.Remaining())
	t.fills.Record(f)
	if requested.IsZero() {
		t.creditedFill(o.Pair, &o, f, reported)
		t.archive.Set(o)
		return
	}
	if f.Amount.LessThan(requested) {
		t.overfills.Add(1)
	}
	if !f.Amount.IsPositive() {
		return
	}
	known := o.AvgFillPrice.Mul(o.Filled)
	o.Filled = o.Filled.Add(f.Amount)
	o.AvgFillPrice = known.Add(f.Price.Mul(f.Amount)).Div(o.Filled)
	o.Fee = o.Fee.Add(f.Fee)
	o.UpdatedAt = time.Now()
	t.settle(o.Pair, o.Side, f)
	t.archive.Set(o)
	t.log.Warn("fill_after_terminal",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("status", string(o.Status)),
		zap.String("amount", f.Amount.String()))
	t.bus.Publish(OrderFilled{Order: o, Fill: f})
}

// creditedFill 推送成交的数量已由查询补记过，只补扣手续费。
func (t *Tracker) creditedFill(pair market.TradingPair, o *Order, f Fill, reported decimal.Decimal) {
	o.Fee = o.Fee.Add(f.Fee)
	t.chargeFee(pair, f)
	t.log.Debug("fill_already_credited",
		zap.String("client_order_id", o.ClientOrderID),
		zap.String("trade_id", f.TradeID),
		zap.String("amount", reported.String()))
}

func (t *Tracker) chargeFee(pair market.TradingPair, f Fill) {
	if !f.Fee.IsPositive() {
		return
	}
	asset := f.FeeAsset
	if asset == "" {
		asset = pair.Quote
	}
	t.ledger.AddTotal(pair.Exchange, asset, f.Fee.Neg())
	b := t.ledger.Balance(pair.Exchange, asset)
	t.mon.UpdateBalance(pair.Exchange, b.Asset, b.Total.InexactFloat64(), b.Locked.InexactFloat64())
}

// settle 成交后更新余额与仓位。手续费未标注币种时按计价币扣除。
func (t *Tracker) settle(pair market.TradingPair, side market.Side, f Fill) {
	exName := pair.Exchange
	notional := f.Notional()
	signed := f.Amount
	if side == market.Buy {
		t.ledger.AddTotal(exName, pair.Base, f.Amount)
		t.ledger.AddTotal(exName, pair.Quote, notional.Neg())
	} else {
		signed = f.Amount.Neg()
		t.ledger.AddTotal(exName, pair.Base, f.Amount.Neg())
		t.ledger.AddTotal(exName, pair.Quote, notional)
	}
	t.chargeFee(pair, f)

	t.mu.Lock()
	pos, ok := t.positions[pair.Key()]
	if !ok {
		pos = &inventory.Position{}
		t.positions[pair.Key()] = pos
	}
	t.mu.Unlock()
	pos.Update(signed, f.Price)

	for _, asset := range []string{pair.Base, pair.Quote} {
		b := t.ledger.Balance(exName, asset)
		t.mon.UpdateBalance(exName, b.Asset, b.Total.InexactFloat64(), b.Locked.InexactFloat64())
	}
}

func (t *Tracker) fail(e *entry, cause error) {
	e.LastError = cause.Error()
	t.finish(e, StatusFailed, cause.Error())
}

// finish 进入 CANCELLED/FAILED 并发布事件。
func (t *Tracker) finish(e *entry, to Status, reason string) {
	if !t.transition(e, to) {
		return
	}
	t.retire(e)
	t.log.LogOrder("order_"+lowerStatus(to), e.ClientOrderID, map[string]interface{}{
		"reason": reason,
		"filled": e.Filled.String(),
	})
	switch to {
	case StatusCancelled:
		t.cancelled.Add(1)
		t.mon.RecordOrderCancelled(e.Pair.Exchange)
		t.bus.Publish(OrderCancelled{Order: e.Order})
	case StatusFailed:
		t.failed.Add(1)
		t.mon.RecordOrderFailed(e.Pair.Exchange)
		t.bus.Publish(OrderFailed{Order: e.Order, Reason: reason})
	}
}

// retire 释放锁定并归档。
func (t *Tracker) retire(e *entry) {
	e.lockRemaining = decimal.Zero
	t.archive.Set(e.Order)
	delete(t.live, e.ClientOrderID)
	if e.ExchangeOrderID != "" {
		delete(t.byExchangeID, e.Pair.Exchange+"|"+e.ExchangeOrderID)
	}
	t.mu.Lock()
	delete(t.view, e.ClientOrderID)
	t.mu.Unlock()
	t.relock(e.Pair.Exchange)
}

func (t *Tracker) transition(e *entry, to Status) bool {
	if err := t.sm.ValidateTransition(e.Status, to); err != nil {
		t.log.Error("order_transition_rejected",
			zap.String("client_order_id", e.ClientOrderID),
			zap.Error(err))
		return false
	}
	if e.Status == to {
		t.sync(e)
		return true
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	t.sync(e)
	return true
}

// sync 刷新只读视图。
func (t *Tracker) sync(e *entry) {
	if _, ok := t.live[e.ClientOrderID]; !ok {
		return
	}
	t.mu.Lock()
	t.view[e.ClientOrderID] = e.Order
	t.mu.Unlock()
}

// relock 按活动订单剩余量重算该交易所的锁定余额。
func (t *Tracker) relock(exchange string) {
	locks := make(map[string]decimal.Decimal)
	open := 0
	for _, e := range t.live {
		if e.Pair.Exchange != exchange {
			continue
		}
		open++
		if e.lockRemaining.IsPositive() {
			locks[e.lockAsset] = locks[e.lockAsset].Add(e.lockRemaining)
		}
	}
	t.ledger.SetLocks(exchange, locks)
	t.mon.SetOpenOrders(exchange, open)
}

func (t *Tracker) markUnauthenticated(exchange string, cause error) {
	if t.unauth[exchange] {
		return
	}
	t.unauth[exchange] = true
	t.log.Error("exchange_unauthenticated", zap.String("exchange", exchange), zap.Error(cause))
	_ = t.alerts.Critical("order_tracker", "exchange authentication failed", map[string]interface{}{
		"exchange": exchange,
		"error":    cause.Error(),
	})
}

func lowerStatus(s Status) string {
	switch s {
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "done"
	}
}
