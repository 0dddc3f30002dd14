package inventory

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Balance 单个资产余额。Locked 为挂单占用，由订单跟踪器维护。
type Balance struct {
	Asset  string
	Total  decimal.Decimal
	Locked decimal.Decimal
}

// Available = Total - Locked
func (b Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Locked)
}

// Ledger 按交易所、资产记录余额。
// 只有订单跟踪器写入；策略等读者拿到的是拷贝。
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]*Balance
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]map[string]*Balance)}
}

func normAsset(asset string) string { return strings.ToUpper(asset) }

func (l *Ledger) entry(exchange, asset string) *Balance {
	ex, ok := l.balances[exchange]
	if !ok {
		ex = make(map[string]*Balance)
		l.balances[exchange] = ex
	}
	asset = normAsset(asset)
	b, ok := ex[asset]
	if !ok {
		b = &Balance{Asset: asset, Total: decimal.Zero, Locked: decimal.Zero}
		ex[asset] = b
	}
	return b
}

// SetTotal 直接设置总额（初始化/同步）。
func (l *Ledger) SetTotal(exchange, asset string, total decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(exchange, asset).Total = total
}

// AddTotal 成交后调整总额，delta 可为负。
func (l *Ledger) AddTotal(exchange, asset string, delta decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entry(exchange, asset)
	b.Total = b.Total.Add(delta)
}

// SetLocks 用给定的占用替换该交易所全部资产的 Locked，未出现的资产归零。
func (l *Ledger) SetLocks(exchange string, locks map[string]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.balances[exchange] {
		b.Locked = decimal.Zero
	}
	for asset, amt := range locks {
		l.entry(exchange, asset).Locked = amt
	}
}

// Balance 返回拷贝；不存在时为零值余额。
func (l *Ledger) Balance(exchange, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset = normAsset(asset)
	if b, ok := l.balances[exchange][asset]; ok {
		return *b
	}
	return Balance{Asset: asset, Total: decimal.Zero, Locked: decimal.Zero}
}

// Available 可用余额
func (l *Ledger) Available(exchange, asset string) decimal.Decimal {
	return l.Balance(exchange, asset).Available()
}

// Snapshot 某交易所全部资产的拷贝，按资产名排序。
func (l *Ledger) Snapshot(exchange string) []Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Balance, 0, len(l.balances[exchange]))
	for _, b := range l.balances[exchange] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Exchanges 已知交易所
func (l *Ledger) Exchanges() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.balances))
	for ex := range l.balances {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}
