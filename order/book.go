package order

import "sync"

// Book 终态订单归档，按写入顺序保留最近 capacity 条。
type Book struct {
	mu       sync.RWMutex
	capacity int
	orders   map[string]Order
	order    []string
}

func NewBook(capacity int) *Book {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Book{capacity: capacity, orders: make(map[string]Order)}
}

func (b *Book) Set(o Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[o.ClientOrderID]; !ok {
		b.order = append(b.order, o.ClientOrderID)
	}
	b.orders[o.ClientOrderID] = o
	for len(b.order) > b.capacity {
		delete(b.orders, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// List 返回全部订单（拷贝），按归档顺序。
func (b *Book) List() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]Order, 0, len(b.order))
	for _, id := range b.order {
		res = append(res, b.orders[id])
	}
	return res
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}
