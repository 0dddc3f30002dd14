package inventory

import "github.com/shopspring/decimal"

// SyncTotals 用交易所返回的余额覆盖本地总额。
// Locked 不从交易所读取：本地挂单占用由订单跟踪器重算。
// 返回总额发生变化的资产及差额，便于记录日志。
func (l *Ledger) SyncTotals(exchange string, reported map[string]Balance) map[string]decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := make(map[string]decimal.Decimal)
	for asset, rb := range reported {
		if rb.Asset != "" {
			asset = rb.Asset
		}
		b := l.entry(exchange, asset)
		if delta := rb.Total.Sub(b.Total); !delta.IsZero() {
			changed[b.Asset] = delta
		}
		b.Total = rb.Total
	}
	return changed
}
