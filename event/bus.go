package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
)

// Handler 在订阅自己的投递 goroutine 中被调用。
type Handler func(Event)

type busState int

const (
	stateCreated busState = iota
	stateRunning
	stateStopped
)

// Bus 进程内事件总线。
// 每个订阅有独立的无界 FIFO 邮箱和投递 goroutine：Publish 从不阻塞，
// 单个订阅者按发布顺序收到事件，不同订阅者之间互不等待。
type Bus struct {
	log *logger.Logger
	mon *monitor.Monitor

	mu     sync.RWMutex
	subs   map[Kind]map[uint64]*Subscription
	state  busState
	ctx    context.Context
	cancel context.CancelFunc
	nextID uint64
	wg     sync.WaitGroup

	published atomic.Uint64
	panics    atomic.Uint64
}

// Stats 总线计数
type Stats struct {
	Published     uint64
	Subscriptions int
	Pending       int
	Panics        uint64
}

func NewBus(log *logger.Logger, mon *monitor.Monitor) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{
		log:  log.Named("bus"),
		mon:  mon,
		subs: make(map[Kind]map[uint64]*Subscription),
	}
}

// Start 启动已注册订阅的投递 goroutine；之后新增的订阅立即启动。
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateCreated {
		return fmt.Errorf("event bus already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.state = stateRunning
	for _, sub := range b.uniqueLocked() {
		b.launchLocked(sub)
	}
	return nil
}

// Stop 停止接收事件，等待各邮箱中已排队的事件投递完毕。
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.state == stateStopped {
		b.mu.Unlock()
		return
	}
	wasRunning := b.state == stateRunning
	b.state = stateStopped
	for _, sub := range b.uniqueLocked() {
		sub.close(false)
	}
	b.subs = make(map[Kind]map[uint64]*Subscription)
	b.mu.Unlock()

	if wasRunning {
		b.wg.Wait()
		b.cancel()
	}
}

// Subscribe 订阅单一类型
func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	return b.SubscribeMany([]Kind{kind}, h)
}

// SubscribeMany 用一个邮箱订阅多个类型，保证这些类型之间的相对顺序。
func (b *Bus) SubscribeMany(kinds []Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		bus:     b,
		kinds:   append([]Kind(nil), kinds...),
		handler: h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if b.state == stateStopped {
		sub.closed = true
		close(sub.done)
		return sub
	}
	for _, k := range kinds {
		m, ok := b.subs[k]
		if !ok {
			m = make(map[uint64]*Subscription)
			b.subs[k] = m
		}
		m[sub.id] = sub
	}
	if b.state == stateRunning {
		b.launchLocked(sub)
	}
	return sub
}

// Publish 将事件追加到所有匹配订阅的邮箱。停止后调用为空操作。
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == stateStopped {
		return
	}
	b.published.Add(1)
	b.mon.RecordPublished(ev.Kind().String())
	for _, sub := range b.subs[ev.Kind()] {
		sub.enqueue(ev)
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Published: b.published.Load(), Panics: b.panics.Load()}
	for _, sub := range b.uniqueLocked() {
		st.Subscriptions++
		st.Pending += sub.Pending()
	}
	return st
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range sub.kinds {
		if m, ok := b.subs[k]; ok {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(b.subs, k)
			}
		}
	}
}

func (b *Bus) uniqueLocked() []*Subscription {
	seen := make(map[uint64]*Subscription)
	for _, m := range b.subs {
		for id, sub := range m {
			seen[id] = sub
		}
	}
	out := make([]*Subscription, 0, len(seen))
	for _, sub := range seen {
		out = append(out, sub)
	}
	return out
}

func (b *Bus) launchLocked(sub *Subscription) {
	sub.mu.Lock()
	if sub.started {
		sub.mu.Unlock()
		return
	}
	sub.started = true
	sub.mu.Unlock()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.ctx)
	}()
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.mon.RecordHandlerPanic()
			b.log.Error("event handler panic",
				zap.Uint64("subscription", sub.id),
				zap.String("kind", ev.Kind().String()),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
}

// Subscription 一个订阅者的邮箱。
type Subscription struct {
	id      uint64
	bus     *Bus
	kinds   []Kind
	handler Handler

	mu      sync.Mutex
	queue   []Event
	closed  bool
	started bool
	notify  chan struct{}
	done    chan struct{}

	delivered atomic.Uint64
}

// Unsubscribe 停止投递并丢弃未投递的事件，可重复调用。
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.close(true)
}

// Done 投递 goroutine 退出后关闭。
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close(drop bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if drop {
		s.queue = nil
	}
	started := s.started
	s.mu.Unlock()
	if !started {
		close(s.done)
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.notify:
			case <-ctx.Done():
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.bus.deliver(s, ev)
		s.delivered.Add(1)
	}
}
