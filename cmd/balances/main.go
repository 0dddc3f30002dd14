package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"trading-engine-go/config"
	"trading-engine-go/gateway"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	assetFilter := flag.String("asset", "", "optional asset filter (e.g. USDT)")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	filter := strings.ToUpper(strings.TrimSpace(*assetFilter))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for name, ex := range cfg.Exchanges {
		if ex.Type != config.ExchangeBinance {
			continue
		}
		client := gateway.NewBinance(name, ex.Binance(), nil, nil)
		balances, err := client.GetBalances(ctx)
		if err != nil {
			log.Printf("%s: fetch balances: %v", name, err)
			continue
		}
		assets := make([]string, 0, len(balances))
		for a := range balances {
			assets = append(assets, a)
		}
		sort.Strings(assets)
		shown := 0
		for _, a := range assets {
			if filter != "" && a != filter {
				continue
			}
			b := balances[a]
			fmt.Printf("%s %s total=%s available=%s\n", name, a, b.Total, b.Available())
			shown++
		}
		if filter != "" && shown == 0 {
			fmt.Printf("%s: no balances matched asset %s\n", name, filter)
		}
	}
}
