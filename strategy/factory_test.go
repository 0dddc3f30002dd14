package strategy

import (
	"context"
	"testing"
	"time"

	"trading-engine-go/connector"
	"trading-engine-go/event"
	"trading-engine-go/inventory"
	"trading-engine-go/market"
	"trading-engine-go/order"
)

type stubStrategy struct {
	name string
	env  Env
}

func (s *stubStrategy) Name() string                                                { return s.name }
func (s *stubStrategy) OnTick(context.Context, time.Time) error                     { return nil }
func (s *stubStrategy) OnBookUpdate(context.Context, market.OrderBookUpdated) error { return nil }
func (s *stubStrategy) OnOrderEvent(context.Context, event.Event) error             { return nil }
func (s *stubStrategy) Phase() Phase                                                { return PhaseIdle }
func (s *stubStrategy) Shutdown(context.Context) error                              { return nil }

type stubBooks struct{}

func (stubBooks) Book(market.TradingPair) (*market.OrderBook, bool) { return nil, false }

type nopOrders struct{}

func (nopOrders) Submit(context.Context, order.Intent) (order.Handle, error) {
	return order.Handle{}, nil
}
func (nopOrders) Cancel(context.Context, string) error              { return nil }
func (nopOrders) Order(string) (order.Order, bool)                  { return order.Order{}, false }
func (nopOrders) ActiveOrders(func(order.Order) bool) []order.Order { return nil }
func (nopOrders) Balance(string, string) inventory.Balance          { return inventory.Balance{} }
func (nopOrders) Constraints(market.TradingPair) (order.SymbolConstraints, bool) {
	return order.SymbolConstraints{}, false
}
func (nopOrders) Exchange(string) (connector.Exchange, bool) { return nil, false }

func TestFactoryCreatesRegisteredType(t *testing.T) {
	f := NewFactory().Register(PureMarketMaking, func(cfg Config, env Env) (Strategy, error) {
		return &stubStrategy{name: cfg.Name, env: env}, nil
	})
	env := Env{Books: stubBooks{}, Orders: nopOrders{}}

	s, err := f.Create(pmmConfig(), env)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stub, ok := s.(*stubStrategy)
	if !ok || stub.Name() != "mm" {
		t.Fatalf("unexpected strategy %#v", s)
	}
	if stub.env.Log == nil || stub.env.Now == nil {
		t.Fatal("env defaults not applied")
	}
	if got := f.Types(); len(got) != 1 || got[0] != PureMarketMaking {
		t.Fatalf("types %v", got)
	}
}

func TestFactoryRejects(t *testing.T) {
	f := NewFactory()
	env := Env{Books: stubBooks{}, Orders: nopOrders{}}
	if _, err := f.Create(pmmConfig(), env); err == nil {
		t.Fatal("unregistered type should fail")
	}

	f.Register(PureMarketMaking, func(cfg Config, env Env) (Strategy, error) { return &stubStrategy{}, nil })
	bad := pmmConfig()
	bad.OrderAmount = bad.OrderAmount.Neg()
	if _, err := f.Create(bad, env); err == nil {
		t.Fatal("invalid config should fail")
	}
	if _, err := f.Create(pmmConfig(), Env{}); err == nil {
		t.Fatal("missing dependencies should fail")
	}
}
