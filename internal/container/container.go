package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-engine-go/config"
	"trading-engine-go/connector"
	"trading-engine-go/event"
	"trading-engine-go/gateway"
	"trading-engine-go/infrastructure/alert"
	"trading-engine-go/infrastructure/logger"
	"trading-engine-go/infrastructure/monitor"
	"trading-engine-go/internal/backoff"
	"trading-engine-go/internal/engine"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
	"trading-engine-go/order"
	"trading-engine-go/strategy"
	"trading-engine-go/strategy/arbitrage"
	"trading-engine-go/strategy/pmm"
	"trading-engine-go/strategy/xemm"
)

const (
	// listenKey 60 分钟过期
	listenKeyKeepAlive = 30 * time.Minute
	// 用户流连续拨号失败次数上限，超过后换新的 listenKey
	userStreamMaxDials = 5
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 核心服务
	bus        *event.Bus
	books      *market.Tracker
	ledger     *inventory.Ledger
	orders     *order.Tracker
	reconciler *order.Reconciler
	factory    *strategy.Factory
	runner     *engine.Runner

	// 交易所数据流
	streams     []*connector.WSStream
	updates     []connector.UserStream
	userStreams []*binanceUserStream

	// 生命周期管理
	lifecycle *LifecycleManager
}

// Options 命令行对配置文件的覆盖
type Options struct {
	DryRun      bool   // 强制模拟下单
	MetricsAddr string // 非空时覆盖 monitor.addr
}

// New 从配置文件创建 Container
func New(configPath string, opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if opts.DryRun {
		cfg.DryRun = true
	}
	if opts.MetricsAddr != "" {
		cfg.Monitor.Addr = opts.MetricsAddr
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 使用已校验的配置创建 Container
func NewFromConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	c.buildCoreServices()

	if err := c.buildExchanges(); err != nil {
		return fmt.Errorf("build exchanges failed: %w", err)
	}

	if err := c.buildStrategies(); err != nil {
		return fmt.Errorf("build strategies failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.Bool("dry_run", c.cfg.DryRun),
		zap.Int("exchanges", len(c.cfg.Exchanges)),
		zap.Int("strategies", len(c.cfg.Strategies)))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(c.cfg.Monitor.Config)
	c.alerts = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger.Logger)},
		c.cfg.Alerts.Throttle(),
	)
	return nil
}

func (c *Container) buildCoreServices() {
	c.bus = event.NewBus(c.logger, c.monitor)
	c.books = market.NewTracker(market.DefaultTrackerConfig(), c.bus, c.logger, c.monitor)
	c.ledger = inventory.NewLedger()
	c.orders = order.NewTracker(c.cfg.Orders, c.ledger, c.bus, c.logger, c.monitor, c.alerts)
	c.reconciler = order.NewReconciler(c.orders, c.cfg.Reconciler, c.logger)

	for _, pc := range c.cfg.Pairs {
		p, err := pc.Pair()
		if err != nil {
			continue
		}
		c.orders.SetConstraints(p, pc.Constraints())
	}
}

func (c *Container) buildExchanges() error {
	names := make([]string, 0, len(c.cfg.Exchanges))
	for name := range c.cfg.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ex := c.cfg.Exchanges[name]
		pairs := c.pairsOn(name)
		var trading connector.Exchange

		switch ex.Type {
		case config.ExchangeBinance:
			gcfg := ex.Binance()
			rest := gateway.NewBinance(name, gcfg, gateway.NewDefaultHTTPClient(), c.logger)
			retrying := connector.WithRetry(rest, ex.Retry, c.logger, c.monitor)
			c.books.AddSource(name, retrying)
			if len(pairs) > 0 {
				c.streams = append(c.streams, connector.NewWSStream(name, connector.WSConfig{
					URL: gateway.DepthStreamURL(gcfg.WSEndpoint, pairs),
				}, gateway.Decoder(name, pairs), c.logger, c.monitor))
			}
			if c.cfg.DryRun {
				dry := connector.NewDryRun(name, gcfg.Fees, ex.Balances, retrying, c.logger)
				c.updates = append(c.updates, dry)
				trading = dry
			} else {
				c.userStreams = append(c.userStreams, &binanceUserStream{
					rest:      rest,
					endpoint:  gcfg.WSEndpoint,
					pairs:     pairs,
					keepAlive: listenKeyKeepAlive,
					retry:     backoff.Default(),
				})
				trading = retrying
			}

		case config.ExchangeJSON:
			// json 行情源只支持模拟下单，快照来自推送
			dry := connector.NewDryRun(name, ex.Fees(), ex.Balances, nil, c.logger)
			c.books.AddSource(name, dry)
			symbols := make([]string, 0, len(pairs))
			for _, p := range pairs {
				symbols = append(symbols, p.Base+"-"+p.Quote)
			}
			stream := connector.NewWSStream(name, connector.WSConfig{
				URL:       ex.WSEndpoint,
				Subscribe: []interface{}{map[string]interface{}{"op": "subscribe", "symbols": symbols}},
			}, connector.JSONDecoder(name), c.logger, c.monitor)
			c.streams = append(c.streams, stream)
			c.updates = append(c.updates, dry, stream)
			trading = dry

		default:
			return fmt.Errorf("exchange %s: unknown type %q", name, ex.Type)
		}

		c.orders.AddExchange(trading)
		c.logger.Info("exchange registered",
			zap.String("exchange", name),
			zap.String("type", ex.Type),
			zap.Int("pairs", len(pairs)),
			zap.Bool("dry_run", c.cfg.DryRun || ex.Type == config.ExchangeJSON))
	}
	return nil
}

func (c *Container) pairsOn(exchange string) []market.TradingPair {
	var out []market.TradingPair
	for _, p := range c.cfg.Markets() {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

func (c *Container) buildStrategies() error {
	c.factory = strategy.NewFactory().
		Register(strategy.PureMarketMaking, pmm.New).
		Register(strategy.CrossExchangeMarketMaking, xemm.New).
		Register(strategy.Arbitrage, arbitrage.New)

	var err error
	c.runner, err = engine.NewRunner(engine.DefaultConfig(), engine.Components{
		Bus:     c.bus,
		Factory: c.factory,
		Env:     strategy.Env{Books: c.books, Orders: c.orders},
		Alerts:  c.alerts,
		Logger:  c.logger,
		Monitor: c.monitor,
	})
	if err != nil {
		return err
	}
	for _, sc := range c.cfg.Strategies {
		if err := c.runner.Add(sc); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.Name, err)
		}
	}
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&funcComponent{
		name:  "event_bus",
		start: c.bus.Start,
		stop: func() error {
			c.bus.Stop()
			return nil
		},
	})
	c.lifecycle.Register(&funcComponent{
		name: "order_tracker",
		start: func(ctx context.Context) error {
			if err := c.orders.Start(ctx); err != nil {
				return err
			}
			// 首次下单前需要余额
			if err := c.orders.SyncBalances(ctx); err != nil {
				c.logger.Warn("initial balance sync failed", zap.Error(err))
			}
			return nil
		},
		stop: func() error {
			c.orders.Stop()
			return nil
		},
	})
	c.lifecycle.Register(&funcComponent{
		name:  "reconciler",
		start: c.reconciler.Start,
		stop: func() error {
			c.reconciler.Stop()
			return nil
		},
	})
	c.lifecycle.Register(&funcComponent{
		name: "book_tracker",
		stop: func() error {
			c.books.Stop()
			return nil
		},
	})
	if c.cfg.Monitor.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Monitor.Addr,
			logger:  c.logger,
		})
	}
	c.lifecycle.Register(&funcComponent{
		name:   "market_streams",
		health: c.streamHealth,
	})
}

func (c *Container) streamHealth() error {
	var down []string
	for _, s := range c.streams {
		if !s.Connected() {
			down = append(down, s.Name())
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("streams disconnected: %s", strings.Join(down, ","))
	}
	return nil
}

// Run 启动全部组件并阻塞直到 ctx 结束，随后按依赖逆序停止。
// 订单跟踪器和策略使用独立的 context，保证退出时策略还能撤单。
func (c *Container) Run(ctx context.Context) error {
	lifeCtx, lifeCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer lifeCancel()

	c.logger.Info("starting container")
	if err := c.lifecycle.StartAll(lifeCtx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range c.streams {
		s := s
		g.Go(func() error { return s.Run(gctx) })
		g.Go(func() error { return c.pumpMarket(gctx, s) })
	}
	for _, u := range c.updates {
		u := u
		g.Go(func() error { return c.pumpUpdates(gctx, u) })
	}
	for _, us := range c.userStreams {
		us := us
		g.Go(func() error { return us.run(gctx, c) })
	}

	var startErr error
	for _, p := range c.cfg.Markets() {
		if err := c.books.Subscribe(lifeCtx, p); err != nil {
			startErr = err
			break
		}
	}
	if startErr == nil {
		startErr = c.runner.Start(lifeCtx)
	}
	if startErr == nil && c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, 0, c.logger)
		if err != nil {
			c.logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(gctx, c.ApplyConfig) })
		}
	}
	if startErr == nil {
		c.logger.Info("container started", zap.Strings("strategies", c.runner.Names()))
		<-gctx.Done()
	}

	c.logger.Info("stopping container")
	stopErr := c.shutdown()
	runCancel()
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(startErr, runErr, stopErr)
}

func (c *Container) shutdown() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), engine.DefaultConfig().ShutdownTimeout)
	defer cancel()
	if err := c.runner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop strategies: %w", err))
	}
	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		errs = append(errs, err)
	}
	_ = c.logger.Sync()
	return errors.Join(errs...)
}

func (c *Container) pumpMarket(ctx context.Context, src connector.MarketStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-src.Messages():
			if !c.books.Feed(m) {
				c.logger.Debug("market message dropped", zap.String("pair", m.Pair.Key()), zap.String("kind", m.Kind.String()))
			}
		}
	}
}

func (c *Container) pumpUpdates(ctx context.Context, src connector.UserStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-src.Updates():
			c.orders.HandleUpdate(u)
		}
	}
}

// ApplyConfig 热更新：只转发已有策略实例的参数变化，其余部分需要重启生效。
func (c *Container) ApplyConfig(next config.AppConfig) {
	for _, sc := range config.ChangedStrategies(c.cfg, next) {
		if err := c.runner.Reconfigure(sc); err != nil {
			c.logger.Warn("strategy reconfigure rejected", zap.String("strategy", sc.Name), zap.Error(err))
			continue
		}
		c.logger.Info("strategy reconfigured", zap.String("strategy", sc.Name))
	}
	if next.Reconciler.Interval > 0 && next.Reconciler.Interval != c.cfg.Reconciler.Interval {
		c.reconciler.UpdateInterval(next.Reconciler.Interval)
	}
	c.cfg.Strategies = c.runner.Configs()
	c.cfg.Reconciler = next.Reconciler
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Runner 策略运行器
func (c *Container) Runner() *engine.Runner { return c.runner }

// Orders 订单跟踪器
func (c *Container) Orders() *order.Tracker { return c.orders }

// Books 盘口跟踪器
func (c *Container) Books() *market.Tracker { return c.books }

// Logger 容器日志
func (c *Container) Logger() *logger.Logger { return c.logger }

// listenKeyClient 用户流 listenKey 的申请与续期，由 *gateway.Binance 实现
type listenKeyClient interface {
	Name() string
	ListenKey(ctx context.Context) (string, error)
	KeepAlive(ctx context.Context, listenKey string) error
}

var errListenKeyLost = errors.New("listen key lost")

// binanceUserStream 用户数据流：申请 listenKey，连接推送并定期续期。
// 网络故障只影响本条流，listenKey 失效后重新申请，直到 ctx 结束。
type binanceUserStream struct {
	rest      listenKeyClient
	endpoint  string
	pairs     []market.TradingPair
	keepAlive time.Duration
	retry     backoff.Backoff
}

func (u *binanceUserStream) run(ctx context.Context, c *Container) error {
	name := u.rest.Name()
	attempt := 0
	for {
		key, err := u.rest.ListenKey(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			wait := u.retry.Next(attempt)
			c.logger.Warn("listen key request failed",
				zap.String("exchange", name),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0
		err = u.session(ctx, c, key)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("user stream session ended, renewing listen key", zap.String("exchange", name), zap.Error(err))
	}
}

// session 用一个 listenKey 运行推送，续期失败或拨号反复失败时返回。
func (u *binanceUserStream) session(ctx context.Context, c *Container, key string) error {
	stream := connector.NewWSStream(u.rest.Name()+"_user", connector.WSConfig{
		URL:        gateway.UserStreamURL(u.endpoint, key),
		MaxRetries: userStreamMaxDials,
	}, gateway.Decoder(u.rest.Name(), u.pairs), c.logger, c.monitor)
	// 重连期间可能漏掉推送，连接后立即对账
	stream.OnConnected(func() {
		go func() {
			if err := c.reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("reconcile after reconnect failed", zap.Error(err))
			}
		}()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stream.Run(gctx) })
	g.Go(func() error { return c.pumpUpdates(gctx, stream) })
	g.Go(func() error {
		ticker := time.NewTicker(u.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := u.rest.KeepAlive(gctx, key); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return fmt.Errorf("%w: keepalive: %w", errListenKeyLost, err)
				}
			}
		}
	})
	return g.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
