package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	kind Kind
	n    int
}

func (e testEvent) Kind() Kind { return e.kind }

func startBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(nil, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := startBus(t)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.SubscribeMany([]Kind{OrderCreated, OrderFilled}, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(testEvent).n)
		if len(got) == 1000 {
			close(done)
		}
	})

	for i := 0; i < 1000; i++ {
		kind := OrderCreated
		if i%2 == 1 {
			kind = OrderFilled
		}
		b.Publish(testEvent{kind: kind, n: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		require.Equal(t, i, n)
	}
}

func TestSlowSubscriberDoesNotBlockPublisherOrOthers(t *testing.T) {
	b := startBus(t)

	release := make(chan struct{})
	b.Subscribe(TradeExecuted, func(Event) { <-release })

	fast := make(chan int, 10)
	b.Subscribe(TradeExecuted, func(ev Event) { fast <- ev.(testEvent).n })

	published := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(testEvent{kind: TradeExecuted, n: i})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	for i := 0; i < 10; i++ {
		select {
		case n := <-fast:
			assert.Equal(t, i, n)
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}
	close(release)
}

func TestSubscribeBeforeStart(t *testing.T) {
	b := NewBus(nil, nil)
	got := make(chan Event, 1)
	b.Subscribe(OrderFailed, func(ev Event) { got <- ev })

	b.Publish(testEvent{kind: OrderFailed, n: 7})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	select {
	case ev := <-got:
		assert.Equal(t, 7, ev.(testEvent).n)
	case <-time.After(time.Second):
		t.Fatal("queued event not delivered after start")
	}
	assert.Error(t, b.Start(context.Background()))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startBus(t)
	got := make(chan Event, 10)
	sub := b.Subscribe(OrderCancelled, func(ev Event) { got <- ev })
	b.Publish(testEvent{kind: OrderCancelled})
	<-got

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	b.Publish(testEvent{kind: OrderCancelled})
	assert.Equal(t, 0, b.Stats().Subscriptions)
	assert.Len(t, got, 0)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := startBus(t)
	got := make(chan int, 2)
	b.Subscribe(OrderFilled, func(ev Event) {
		n := ev.(testEvent).n
		if n == 0 {
			panic("boom")
		}
		got <- n
	})
	b.Publish(testEvent{kind: OrderFilled, n: 0})
	b.Publish(testEvent{kind: OrderFilled, n: 1})

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("subscriber died after panic")
	}
	assert.Equal(t, uint64(1), b.Stats().Panics)
}

func TestStopDrainsAndIgnoresLaterPublishes(t *testing.T) {
	b := NewBus(nil, nil)
	require.NoError(t, b.Start(context.Background()))

	var mu sync.Mutex
	count := 0
	sub := b.Subscribe(OrderCreated, func(Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := 0; i < 20; i++ {
		b.Publish(testEvent{kind: OrderCreated})
	}
	b.Stop()
	<-sub.Done()

	mu.Lock()
	assert.Equal(t, 20, count)
	mu.Unlock()

	b.Publish(testEvent{kind: OrderCreated})
	late := b.Subscribe(OrderCreated, func(Event) { t.Error("delivered after stop") })
	<-late.Done()
	b.Stop()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "order_book_updated", OrderBookUpdated.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Len(t, OrderKinds(), 4)
}
