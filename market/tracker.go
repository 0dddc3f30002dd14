package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/event"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/backoff"
)

// SnapshotSource 按需拉取全量盘口，一般由交易所 REST 实现。
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, pair TradingPair) (Snapshot, error)
}

// TrackerConfig 盘口同步参数
type TrackerConfig struct {
	// MaxBufferedDiffs 等待快照期间最多缓存的增量，溢出时清空缓存。
	MaxBufferedDiffs int
	// ResyncTimeout 单次快照请求的超时，超时后按退避重新请求。
	ResyncTimeout time.Duration
	ResyncBackoff backoff.Backoff
	InboxSize     int
	// TradesMutateBook 增量流不包含成交变化的交易所，成交消息会扣减盘口。
	TradesMutateBook map[string]bool
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxBufferedDiffs: 1000,
		ResyncTimeout:    5 * time.Second,
		ResyncBackoff:    backoff.Default(),
		InboxSize:        1024,
	}
}

// TrackerStats 累计计数
type TrackerStats struct {
	Applied    uint64
	Gaps       uint64
	Resyncs    uint64
	Duplicates uint64
	Crossings  uint64
	Overflows  uint64
}

// Tracker 维护所有已订阅交易对的本地盘口。每个交易对一个 worker goroutine，
// 是该盘口唯一的写入者。
type Tracker struct {
	cfg TrackerConfig
	bus *event.Bus
	log *logger.Logger
	mon *monitor.Monitor

	mu      sync.RWMutex
	sources map[string]SnapshotSource
	workers map[string]*bookWorker

	applied    atomic.Uint64
	gaps       atomic.Uint64
	resyncs    atomic.Uint64
	duplicates atomic.Uint64
	crossings  atomic.Uint64
	overflows  atomic.Uint64
}

func NewTracker(cfg TrackerConfig, bus *event.Bus, log *logger.Logger, mon *monitor.Monitor) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.MaxBufferedDiffs <= 0 {
		cfg.MaxBufferedDiffs = def.MaxBufferedDiffs
	}
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = def.ResyncTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		bus:     bus,
		log:     log.Named("book_tracker"),
		mon:     mon,
		sources: make(map[string]SnapshotSource),
		workers: make(map[string]*bookWorker),
	}
}

// AddSource 注册某交易所的快照来源。
func (t *Tracker) AddSource(exchange string, src SnapshotSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[exchange] = src
}

// Subscribe 创建盘口与 worker，并请求初始快照。重复订阅为空操作。
func (t *Tracker) Subscribe(ctx context.Context, pair TradingPair) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.workers[pair.Key()]; ok {
		return nil
	}
	src, ok := t.sources[pair.Exchange]
	if !ok {
		return fmt.Errorf("subscribe %s: no snapshot source for exchange %q", pair, pair.Exchange)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &bookWorker{
		t:       t,
		pair:    pair,
		book:    NewOrderBook(pair),
		src:     src,
		inbox:   make(chan Message, t.cfg.InboxSize),
		fetched: make(chan fetchResult, 1),
		ctx:     wctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     t.log.With(zap.String("pair", pair.Key())),
		mutate:  t.cfg.TradesMutateBook[pair.Exchange],
	}
	t.workers[pair.Key()] = w
	go w.run()
	t.log.Info("book subscribed", zap.String("pair", pair.Key()))
	return nil
}

// Unsubscribe 停止 worker 并丢弃盘口。
func (t *Tracker) Unsubscribe(pair TradingPair) {
	t.mu.Lock()
	w, ok := t.workers[pair.Key()]
	if ok {
		delete(t.workers, pair.Key())
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	t.log.Info("book unsubscribed", zap.String("pair", pair.Key()))
}

// Stop 退订全部交易对。
func (t *Tracker) Stop() {
	for _, p := range t.Pairs() {
		t.Unsubscribe(p)
	}
}

// Feed 把行情消息交给对应交易对的 worker；未订阅的交易对丢弃并返回 false。
// worker 邮箱满时阻塞，形成对连接器的背压。
func (t *Tracker) Feed(msg Message) bool {
	t.mu.RLock()
	w, ok := t.workers[msg.Pair.Key()]
	t.mu.RUnlock()
	if !ok {
		t.log.Debug("drop message for unknown pair", zap.String("pair", msg.Pair.Key()), zap.Stringer("kind", msg.Kind))
		return false
	}
	select {
	case w.inbox <- msg:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Book 只读访问；返回的盘口可能随后被 worker 修改。
func (t *Tracker) Book(pair TradingPair) (*OrderBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.workers[pair.Key()]
	if !ok {
		return nil, false
	}
	return w.book, true
}

// Pairs 当前订阅的交易对
func (t *Tracker) Pairs() []TradingPair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TradingPair, 0, len(t.workers))
	for _, w := range t.workers {
		out = append(out, w.pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Applied:    t.applied.Load(),
		Gaps:       t.gaps.Load(),
		Resyncs:    t.resyncs.Load(),
		Duplicates: t.duplicates.Load(),
		Crossings:  t.crossings.Load(),
		Overflows:  t.overflows.Load(),
	}
}

type fetchResult struct {
	gen  uint64
	snap Snapshot
	err  error
}

type bookWorker struct {
	t      *Tracker
	pair   TradingPair
	book   *OrderBook
	src    SnapshotSource
	log    *logger.Logger
	mutate bool

	inbox   chan Message
	fetched chan fetchResult
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// 以下字段只在 run goroutine 内访问
	awaiting bool
	pending  []Diff
	gen      uint64
	inFlight bool
	attempt  int
	timer    *time.Timer
	timerC   <-chan time.Time
}

func (w *bookWorker) run() {
	defer close(w.done)
	defer w.stopTimer()

	w.awaiting = true
	w.requestSnapshot()

	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.inbox:
			w.handle(msg)
		case res := <-w.fetched:
			w.handleFetch(res)
		case <-w.timerC:
			w.timerC = nil
			w.onTimer()
		}
	}
}

func (w *bookWorker) handle(msg Message) {
	switch msg.Kind {
	case KindSnapshot:
		if msg.Snapshot == nil {
			return
		}
		// 推送的快照比当前状态旧时忽略，重同步期间也不允许回退
		if w.behind(*msg.Snapshot) {
			w.t.duplicates.Add(1)
			return
		}
		w.applySnapshot(*msg.Snapshot)
	case KindDiff:
		if msg.Diff != nil {
			w.handleDiff(*msg.Diff)
		}
	case KindTrade:
		if msg.Trade != nil {
			w.handleTrade(*msg.Trade)
		}
	}
}

func (w *bookWorker) handleDiff(d Diff) {
	if w.awaiting {
		w.buffer(d)
		return
	}
	res, err := w.book.ApplyDiff(d)
	switch {
	case err == nil:
		w.t.applied.Add(1)
		w.t.mon.RecordBookUpdate(w.pair.Key(), KindDiff.String(), res.Sequence)
		w.reportCross(res)
		w.publish(false)
	case errors.Is(err, ErrStaleSequence):
		w.t.duplicates.Add(1)
	case errors.Is(err, ErrSequenceGap):
		w.t.gaps.Add(1)
		w.log.Warn("sequence gap, resyncing", zap.Error(err))
		w.startResync(d)
	default:
		// 无法应用的增量同样意味着本地状态不可信
		w.log.Error("reject diff, resyncing", zap.Uint64("seq", d.Sequence), zap.Error(err))
		w.startResync()
	}
}

func (w *bookWorker) handleTrade(tr Trade) {
	w.t.bus.Publish(TradeExecuted{Trade: tr})
	if !w.mutate || w.awaiting {
		return
	}
	if w.book.ApplyTrade(tr) {
		w.t.mon.RecordBookUpdate(w.pair.Key(), KindTrade.String(), w.book.Sequence())
		w.publish(false)
	}
}

func (w *bookWorker) buffer(d Diff) {
	if len(w.pending) >= w.t.cfg.MaxBufferedDiffs {
		w.t.overflows.Add(1)
		w.log.Warn("diff buffer overflow, dropping buffered diffs", zap.Int("buffered", len(w.pending)))
		w.pending = w.pending[:0]
	}
	w.pending = append(w.pending, d)
}

func (w *bookWorker) startResync(keep ...Diff) {
	w.awaiting = true
	w.pending = append(w.pending[:0], keep...)
	w.attempt = 0
	w.t.resyncs.Add(1)
	w.t.mon.RecordResync(w.pair.Key())
	w.requestSnapshot()
}

// requestSnapshot 每个缺口同一时间只有一个请求在途。
func (w *bookWorker) requestSnapshot() {
	if w.inFlight {
		return
	}
	w.gen++
	w.inFlight = true
	w.attempt++
	gen := w.gen
	fctx, cancel := context.WithTimeout(w.ctx, w.t.cfg.ResyncTimeout)
	go func() {
		defer cancel()
		snap, err := w.src.FetchSnapshot(fctx, w.pair)
		select {
		case w.fetched <- fetchResult{gen: gen, snap: snap, err: err}:
		case <-w.ctx.Done():
		}
	}()
	w.resetTimer(w.t.cfg.ResyncTimeout)
}

func (w *bookWorker) handleFetch(res fetchResult) {
	if res.gen != w.gen || !w.inFlight {
		return
	}
	w.inFlight = false
	w.stopTimer()
	if res.err != nil {
		w.retryLater(res.err)
		return
	}
	if w.behind(res.snap) {
		if w.awaiting {
			// 落后的 REST 快照不能用，继续缓冲并退避重发
			w.t.duplicates.Add(1)
			w.retryLater(fmt.Errorf("%w: snapshot %d behind book %d", ErrStaleSequence, res.snap.Sequence, w.book.Sequence()))
		}
		return
	}
	res.snap.Pair = w.pair
	w.applySnapshot(res.snap)
}

// behind 快照序号不能让盘口回退；未在重同步时同序号也视为重复。
func (w *bookWorker) behind(s Snapshot) bool {
	cur := w.book.Sequence()
	return s.Sequence < cur || !w.awaiting && s.Sequence == cur
}

func (w *bookWorker) onTimer() {
	if w.inFlight {
		// 请求超时：作废在途请求，退避后重发
		w.inFlight = false
		w.gen++
		w.retryLater(context.DeadlineExceeded)
		return
	}
	if w.awaiting {
		w.requestSnapshot()
	}
}

func (w *bookWorker) retryLater(cause error) {
	wait := w.t.cfg.ResyncBackoff.Next(w.attempt)
	w.log.Warn("snapshot request failed", zap.Int("attempt", w.attempt), zap.Duration("retry_in", wait), zap.Error(cause))
	w.resetTimer(wait)
}

func (w *bookWorker) applySnapshot(s Snapshot) {
	if w.inFlight {
		w.inFlight = false
		w.gen++
	}
	w.stopTimer()
	w.awaiting = false
	w.attempt = 0

	res := w.book.ApplySnapshot(s)
	w.t.applied.Add(1)
	w.t.mon.RecordBookUpdate(w.pair.Key(), KindSnapshot.String(), res.Sequence)
	w.reportCross(res)
	w.publish(true)

	pending := w.pending
	w.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	for _, d := range pending {
		if d.Sequence <= s.Sequence {
			continue
		}
		w.handleDiff(d)
	}
}

func (w *bookWorker) reportCross(res ApplyResult) {
	if res.Cross == nil {
		return
	}
	w.t.crossings.Add(1)
	w.t.mon.RecordCrossedBook(w.pair.Key())
	w.log.Warn("crossed book resolved", zap.Error(res.Cross))
}

func (w *bookWorker) publish(resynced bool) {
	bid, okBid := w.book.BestBid()
	ask, okAsk := w.book.BestAsk()
	if okBid && okAsk {
		mid := bid.Price.Add(ask.Price).Div(two)
		w.t.mon.UpdateTopOfBook(w.pair.Key(), mid.InexactFloat64(), ask.Price.Sub(bid.Price).InexactFloat64())
	}
	w.t.bus.Publish(OrderBookUpdated{
		Pair:      w.pair,
		BestBid:   bid,
		BestAsk:   ask,
		HasBid:    okBid,
		HasAsk:    okAsk,
		Sequence:  w.book.Sequence(),
		Timestamp: w.book.LastUpdate(),
		Resynced:  resynced,
	})
}

func (w *bookWorker) resetTimer(d time.Duration) {
	w.stopTimer()
	w.timer = time.NewTimer(d)
	w.timerC = w.timer.C
}

func (w *bookWorker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerC = nil
}
