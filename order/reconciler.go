package order

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine-go/infrastructure/logger"
)

// Reconciler 订单对账器：定期查询活动订单并同步余额，补齐遗漏的用户流推送。
type Reconciler struct {
	tracker *Tracker
	log     *logger.Logger

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	interval time.Duration
	balances bool

	// 统计信息
	totalReconciliations int64
	ordersQueried        int64
	balanceErrors        int64
	lastReconcileTime    time.Time
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	SyncBalances bool          `yaml:"sync_balances"`
}

// NewReconciler 创建订单对账器
func NewReconciler(tracker *Tracker, config ReconcilerConfig, log *logger.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second // 默认30秒
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		tracker:  tracker,
		log:      log.Named("reconciler"),
		interval: config.Interval,
		balances: config.SyncBalances,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动对账服务
func (r *Reconciler) Start(ctx context.Context) error {
	go r.reconcileLoop(ctx)
	return nil
}

// Stop 停止对账服务
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	r.mu.RLock()
	interval := r.interval
	r.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Warn("reconcile_failed", zap.Error(err))
			}
			r.mu.RLock()
			if r.interval != interval {
				interval = r.interval
				ticker.Reset(interval)
			}
			r.mu.RUnlock()
		}
	}
}

// Reconcile 执行一次完整对账：余额同步 + 活动订单查询。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	syncBalances := r.balances
	r.mu.Unlock()

	var balErr error
	if syncBalances {
		if balErr = r.tracker.SyncBalances(ctx); balErr != nil {
			r.mu.Lock()
			r.balanceErrors++
			r.mu.Unlock()
		}
	}
	n, err := r.tracker.reconcile(ctx)
	r.mu.Lock()
	r.ordersQueried += int64(n)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return balErr
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		OrdersQueried:        r.ordersQueried,
		BalanceErrors:        r.balanceErrors,
		LastReconcileTime:    r.lastReconcileTime,
		Interval:             r.interval,
	}
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	OrdersQueried        int64
	BalanceErrors        int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}

// UpdateInterval 更新对账间隔，下一次触发后生效
func (r *Reconciler) UpdateInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.interval = interval
	}
}
