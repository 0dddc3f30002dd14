package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/event"
	"trading-engine-go/infrastructure/alert"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/market"
	"trading-engine-go/strategy"
)

// State 策略实例的运行状态
type State int

const (
	// StateIdle 已创建未启动
	StateIdle State = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停：跳过 tick 和盘口事件，订单事件照常投递
	StatePaused
	// StateStopped 正常停止
	StateStopped
	// StateHalted 遇到致命错误后停止，仅影响该实例
	StateHalted
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Config 运行器配置
type Config struct {
	InboxSize       int           // 每个实例的事件队列长度
	ShutdownTimeout time.Duration // Stop 时等待各实例撤单的上限
	Breaker         BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		InboxSize:       1024,
		ShutdownTimeout: 10 * time.Second,
		Breaker:         DefaultBreakerConfig(),
	}
}

// Components 运行器依赖组件
type Components struct {
	Bus     *event.Bus
	Factory *strategy.Factory
	Env     strategy.Env
	Alerts  *alert.Manager
	Logger  *logger.Logger
	Monitor *monitor.Monitor
}

// Statistics 实例统计信息
type Statistics struct {
	Name         string
	Type         strategy.Type
	State        State
	Phase        strategy.Phase
	StartTime    time.Time
	TotalTicks   int64
	BookUpdates  int64
	OrderEvents  int64
	TotalErrors  int64
	LastTickTime time.Time
	LastError    string
}

var (
	ErrUnknownInstance = errors.New("unknown strategy instance")
	ErrNotRunning      = errors.New("strategy instance not running")
)

// Runner 每个策略实例一个 goroutine。总线事件和定时 tick 汇入实例自己的队列，
// 策略回调因此在同一 goroutine 中串行执行。
type Runner struct {
	cfg   Config
	comps Components
	log   *logger.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string
	ctx       context.Context
	started   bool
	stopped   bool
}

// NewRunner 创建运行器
func NewRunner(cfg Config, comps Components) (*Runner, error) {
	if comps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if comps.Factory == nil {
		return nil, errors.New("strategy factory is required")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if comps.Logger == nil {
		comps.Logger = logger.NewNop()
	}
	if comps.Env.Log == nil {
		comps.Env.Log = comps.Logger
	}
	if comps.Env.Mon == nil {
		comps.Env.Mon = comps.Monitor
	}
	return &Runner{
		cfg:       cfg,
		comps:     comps,
		log:       comps.Logger.Named("runner"),
		instances: make(map[string]*instance),
	}, nil
}

// Add 按配置创建实例。运行器已启动时立即开始运行。
func (r *Runner) Add(cfg strategy.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.New("runner stopped")
	}
	if _, ok := r.instances[cfg.Name]; ok {
		return fmt.Errorf("duplicate strategy instance %q", cfg.Name)
	}
	s, err := r.comps.Factory.Create(cfg, r.comps.Env)
	if err != nil {
		return err
	}
	inst := &instance{
		runner:   r,
		name:     cfg.Name,
		strategy: s,
		cfg:      cfg,
		inbox:    make(chan event.Event, r.cfg.InboxSize),
		cmds:     make(chan func(), 8),
		done:     make(chan struct{}),
		log:      r.log.WithFields(map[string]interface{}{"strategy": cfg.Name, "type": string(cfg.Type)}),
		stats:    Statistics{Name: cfg.Name, Type: cfg.Type, State: StateIdle},
		breaker:  newBreaker(r.cfg.Breaker),
	}
	r.instances[cfg.Name] = inst
	r.order = append(r.order, cfg.Name)
	if r.started {
		inst.start(r.ctx)
	}
	r.log.Info("Strategy instance added", zap.String("strategy", cfg.Name), zap.String("type", string(cfg.Type)))
	return nil
}

// Start 启动全部实例
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	if r.stopped {
		return errors.New("runner stopped")
	}
	r.ctx = ctx
	r.started = true
	for _, name := range r.order {
		r.instances[name].start(ctx)
	}
	r.log.Info("Runner started", zap.Int("instances", len(r.order)))
	return nil
}

// Stop 停止全部实例：每个实例撤销自己的挂单后退出。幂等。
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	insts := make([]*instance, 0, len(r.order))
	for _, name := range r.order {
		insts = append(insts, r.instances[name])
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(insts))
	for i, inst := range insts {
		wg.Add(1)
		go func(i int, inst *instance) {
			defer wg.Done()
			errs[i] = inst.stop(ctx)
		}(i, inst)
	}
	wg.Wait()
	r.log.Info("Runner stopped")
	return errors.Join(errs...)
}

// Run 启动并阻塞到 ctx 结束，然后停止全部实例。
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop(context.Background())
}

func (r *Runner) get(name string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return inst, nil
}

// Pause 暂停实例
func (r *Runner) Pause(name string) error {
	inst, err := r.get(name)
	if err != nil {
		return err
	}
	return inst.exec(func() error {
		if inst.state() != StateRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, name, inst.state())
		}
		inst.setState(StatePaused)
		inst.log.Info("Strategy paused")
		return nil
	})
}

// Resume 恢复实例
func (r *Runner) Resume(name string) error {
	inst, err := r.get(name)
	if err != nil {
		return err
	}
	return inst.exec(func() error {
		if inst.state() != StatePaused {
			return fmt.Errorf("%s not paused (state: %s)", name, inst.state())
		}
		inst.setState(StateRunning)
		inst.log.Info("Strategy resumed")
		return nil
	})
}

// Reconfigure 热更新实例参数。市场和类型不可修改。
func (r *Runner) Reconfigure(cfg strategy.Config) error {
	inst, err := r.get(cfg.Name)
	if err != nil {
		return err
	}
	rc, ok := inst.strategy.(strategy.Reconfigurable)
	if !ok {
		return fmt.Errorf("%s does not support reconfiguration", cfg.Name)
	}
	return inst.exec(func() error {
		if err := rc.Reconfigure(cfg); err != nil {
			return err
		}
		if cfg.RefreshInterval() != inst.cfg.RefreshInterval() && inst.ticker != nil {
			inst.ticker.Reset(cfg.RefreshInterval())
		}
		inst.mu.Lock()
		inst.cfg = cfg
		inst.mu.Unlock()
		inst.log.Info("Strategy reconfigured")
		return nil
	})
}

// Stats 实例统计快照
func (r *Runner) Stats(name string) (Statistics, bool) {
	inst, err := r.get(name)
	if err != nil {
		return Statistics{}, false
	}
	return inst.snapshot(), true
}

// Names 按添加顺序返回实例名
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Configs 当前生效的实例配置，按名字排序
func (r *Runner) Configs() []strategy.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]strategy.Config, 0, len(r.instances))
	for _, inst := range r.instances {
		inst.mu.RLock()
		out = append(out, inst.cfg)
		inst.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type instance struct {
	runner   *Runner
	name     string
	strategy strategy.Strategy
	log      *logger.Logger

	inbox   chan event.Event
	cmds    chan func()
	done    chan struct{}
	sub     *event.Subscription
	ticker  *time.Ticker
	breaker *breaker

	mu    sync.RWMutex
	cfg   strategy.Config
	stats Statistics

	cancel context.CancelFunc
}

func (in *instance) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	in.cancel = cancel
	in.setState(StateRunning)
	in.mu.Lock()
	in.stats.StartTime = time.Now()
	in.mu.Unlock()

	kinds := append([]event.Kind{event.OrderBookUpdated}, event.OrderKinds()...)
	in.sub = in.runner.comps.Bus.SubscribeMany(kinds, func(ev event.Event) {
		select {
		case in.inbox <- ev:
		case <-in.done:
		}
	})
	in.ticker = time.NewTicker(in.cfg.RefreshInterval())
	go in.run(ctx)
}

// run 实例主循环
func (in *instance) run(ctx context.Context) {
	defer close(in.done)
	defer in.ticker.Stop()
	defer in.sub.Unsubscribe()

	in.onTick(ctx, in.now())
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-in.cmds:
			cmd()
		case ev := <-in.inbox:
			in.onEvent(ctx, ev)
		case <-in.ticker.C:
			in.onTick(ctx, in.now())
		}
		if st := in.state(); st == StateStopped || st == StateHalted {
			return
		}
	}
}

func (in *instance) now() time.Time {
	if in.runner.comps.Env.Now != nil {
		return in.runner.comps.Env.Now()
	}
	return time.Now()
}

// onTick 定时执行策略
func (in *instance) onTick(ctx context.Context, now time.Time) {
	if in.state() != StateRunning {
		return
	}
	if !in.breaker.allow(now) {
		return
	}
	in.mu.Lock()
	in.stats.TotalTicks++
	in.stats.LastTickTime = now
	in.mu.Unlock()
	in.runner.comps.Monitor.RecordStrategyCycle(in.name)
	err := in.strategy.OnTick(ctx, now)
	if in.breaker.record(now, err) {
		err = fmt.Errorf("%w: connectivity lost: %w", strategy.ErrFatal, err)
	} else if in.breaker.state == breakerOpen && err != nil {
		in.log.Warn("Circuit open, pausing ticks", zap.Duration("cooldown", in.breaker.cfg.Cooldown), zap.Error(err))
	}
	in.handle(ctx, "tick", err)
}

func (in *instance) onEvent(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case market.OrderBookUpdated:
		// 暂停期间丢弃盘口事件，恢复后下一次 tick 会重新评估
		if in.state() != StateRunning {
			return
		}
		in.mu.Lock()
		in.stats.BookUpdates++
		in.mu.Unlock()
		in.handle(ctx, "book_update", in.strategy.OnBookUpdate(ctx, e))
	default:
		if _, ok := strategy.OwnOrder(in.name, ev); !ok {
			return
		}
		in.mu.Lock()
		in.stats.OrderEvents++
		in.mu.Unlock()
		in.handle(ctx, "order_event", in.strategy.OnOrderEvent(ctx, ev))
	}
}

// handle 可恢复错误跳过本轮；致命错误只停止本实例并告警。
func (in *instance) handle(ctx context.Context, where string, err error) {
	if err == nil {
		return
	}
	name := in.name
	in.mu.Lock()
	in.stats.TotalErrors++
	in.stats.LastError = err.Error()
	in.mu.Unlock()
	in.runner.comps.Monitor.RecordStrategyError(name, strategy.Severity(err))

	if !strategy.IsFatal(err) {
		if errors.Is(err, strategy.ErrStaleBook) {
			in.log.Debug("Cycle skipped", zap.String("where", where), zap.Error(err))
		} else {
			in.log.Warn("Cycle skipped", zap.String("where", where), zap.Error(err))
		}
		return
	}

	in.log.Error("Strategy halted", zap.String("where", where), zap.Error(err))
	if serr := in.strategy.Shutdown(ctx); serr != nil {
		in.log.Error("Failed to cancel orders of halted strategy", zap.Error(serr))
	}
	in.setState(StateHalted)
	if a := in.runner.comps.Alerts; a != nil {
		_ = a.Critical(name, "strategy halted", map[string]interface{}{
			"where": where,
			"error": err.Error(),
		})
	}
}

// exec 在实例 goroutine 中执行命令并等待结果。
func (in *instance) exec(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case in.cmds <- func() { reply <- fn() }:
	case <-in.done:
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, in.name, in.state())
	}
	select {
	case err := <-reply:
		return err
	case <-in.done:
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, in.name, in.state())
	}
}

func (in *instance) stop(ctx context.Context) error {
	if in.cancel == nil {
		in.setState(StateStopped)
		return nil
	}
	var shutdownErr error
	err := in.exec(func() error {
		shutdownErr = in.strategy.Shutdown(ctx)
		in.setState(StateStopped)
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	in.cancel()
	select {
	case <-in.done:
	case <-ctx.Done():
		in.log.Warn("Timeout waiting for strategy to stop")
	}
	if shutdownErr != nil {
		in.log.Error("Failed to cancel all orders", zap.Error(shutdownErr))
	}
	return shutdownErr
}

func (in *instance) state() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.stats.State
}

func (in *instance) setState(s State) {
	in.mu.Lock()
	in.stats.State = s
	in.mu.Unlock()
}

func (in *instance) snapshot() Statistics {
	in.mu.RLock()
	defer in.mu.RUnlock()
	st := in.stats
	st.Phase = in.strategy.Phase()
	return st
}
