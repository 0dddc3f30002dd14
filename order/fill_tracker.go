package order

import (
	"sync"
	"time"
)

// FillTracker 跟踪成交历史：按 TradeID 去重，并统计滑动窗口内的成交率。
type FillTracker struct {
	mu sync.RWMutex

	// 近期成交记录（滑动窗口）
	recentFills []Fill
	maxHistory  int
	windowSize  time.Duration

	seen      map[string]time.Time
	seenOrder []string

	totalFills int
	now        func() time.Time
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}
	return &FillTracker{
		recentFills: make([]Fill, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

func dedupeKey(f Fill) string {
	return f.Pair.Exchange + "|" + f.ClientOrderID + "|" + f.TradeID
}

// Record 记录成交；同一订单同一 TradeID 重复出现返回 false。
func (f *FillTracker) Record(fill Fill) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := dedupeKey(fill)
	if fill.TradeID != "" {
		if _, dup := f.seen[key]; dup {
			return false
		}
		f.seen[key] = f.now()
		f.seenOrder = append(f.seenOrder, key)
		// 去重表保留 maxHistory 的 10 倍
		for len(f.seenOrder) > f.maxHistory*10 {
			delete(f.seen, f.seenOrder[0])
			f.seenOrder = f.seenOrder[1:]
		}
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = f.now()
	}
	f.recentFills = append(f.recentFills, fill)
	f.totalFills++
	f.cleanOldFillsUnsafe()
	return true
}

// Seen 是否已记录过该成交
func (f *FillTracker) Seen(fill Fill) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.seen[dedupeKey(fill)]
	return ok
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe() {
	cutoff := f.now().Add(-f.windowSize)
	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if validStart > 0 {
		f.recentFills = f.recentFills[validStart:]
	}
	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
}

// FillRate 窗口内每分钟成交次数
func (f *FillTracker) FillRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cutoff := f.now().Add(-f.windowSize)
	count := 0
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			count++
		}
	}
	return float64(count) / f.windowSize.Minutes()
}

// Recent 获取近期成交记录（只读副本）
func (f *FillTracker) Recent(duration time.Duration) []Fill {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cutoff := f.now().Add(-duration)
	var result []Fill
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			result = append(result, fill)
		}
	}
	return result
}

// LastFill 某来源最近一次成交时间
func (f *FillTracker) LastFill(source func(Fill) bool) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := len(f.recentFills) - 1; i >= 0; i-- {
		if source == nil || source(f.recentFills[i]) {
			return f.recentFills[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

func (f *FillTracker) Total() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalFills
}
