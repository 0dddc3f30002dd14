package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"trading-engine-go/config"
	"trading-engine-go/gateway"
	"trading-engine-go/market"
	"trading-engine-go/strategy"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	mkt := flag.String("market", "binance:BTC-USDT", "查询的市场(exchange:BASE-QUOTE)")
	levels := flag.Int("levels", 5, "显示档位数")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	pair, err := strategy.ParseMarket(*mkt)
	if err != nil {
		log.Fatalf("%v", err)
	}
	ex, ok := cfg.Exchanges[pair.Exchange]
	if !ok || ex.Type != config.ExchangeBinance {
		log.Fatalf("%s 不是 binance 类型的交易所", pair.Exchange)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := gateway.NewBinance(pair.Exchange, ex.Binance(), nil, nil)
	snap, err := client.FetchSnapshot(ctx, pair)
	if err != nil {
		log.Fatalf("获取盘口失败: %v", err)
	}

	ob := market.NewOrderBook(pair)
	ob.ApplySnapshot(snap)
	fmt.Printf("%s lastUpdateId=%d\n", pair, ob.Sequence())
	asks := ob.Levels(market.Ask, *levels)
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Printf("  ask %s x %s\n", asks[i].Price, asks[i].Quantity)
	}
	for _, l := range ob.Levels(market.Bid, *levels) {
		fmt.Printf("  bid %s x %s\n", l.Price, l.Quantity)
	}
	if mid, ok := ob.MidPrice(); ok {
		fmt.Printf("mid=%s\n", mid)
	}
	for _, pc := range cfg.Pairs {
		if p, err := pc.Pair(); err == nil && p.Key() == pair.Key() {
			fmt.Printf("tickSize=%s stepSize=%s minNotional=%s\n", pc.TickSize, pc.StepSize, pc.MinNotional)
		}
	}
}
