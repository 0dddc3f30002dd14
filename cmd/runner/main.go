package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"trading-engine-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dryRun := flag.Bool("dryRun", false, "模拟下单，不向交易所发送订单")
	metricsAddr := flag.String("metricsAddr", "", "Prometheus metrics 监听地址，留空则使用配置文件")
	flag.Parse()

	c, err := container.New(*cfgPath, container.Options{DryRun: *dryRun, MetricsAddr: *metricsAddr})
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// systemd 下运行时上报就绪并按 WatchdogSec 喂狗，其余环境为空操作
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}
	var watchdog <-chan time.Time
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		watchdog = t.C
	}

	sig := ctx.Done()
	for {
		select {
		case err := <-done:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			if err != nil {
				lg.Error("runner exited with error", zap.Error(err))
				os.Exit(1)
			}
			lg.Info("runner exited")
			return
		case <-sig:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			lg.Info("shutdown signal received, cancelling orders")
			sig = nil
		case <-watchdog:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
