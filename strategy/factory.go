package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor 由具体策略包提供
type Constructor func(cfg Config, env Env) (Strategy, error)

// Factory 按配置类型创建策略实例。
// 策略包依赖本包，因此由装配层注册构造函数。
type Factory struct {
	mu    sync.RWMutex
	ctors map[Type]Constructor
}

func NewFactory() *Factory {
	return &Factory{ctors: make(map[Type]Constructor)}
}

// Register 重复注册同一类型时覆盖旧值。
func (f *Factory) Register(t Type, c Constructor) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = c
	return f
}

// Types 已注册的策略类型
func (f *Factory) Types() []Type {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Type, 0, len(f.ctors))
	for t := range f.ctors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create 校验配置并创建实例。
func (f *Factory) Create(cfg Config, env Env) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	ctor, ok := f.ctors[cfg.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type: %s", cfg.Type)
	}
	if env.Books == nil || env.Orders == nil {
		return nil, fmt.Errorf("%s: books and orders are required", cfg.Name)
	}
	return ctor(cfg, env.WithDefaults())
}
