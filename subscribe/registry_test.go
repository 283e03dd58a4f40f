package subscribe

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PyRo1121/hetzner-sub000/event"
)

func testRecord(kind event.Kind, id string) event.Record {
	return event.Record{Kind: kind, ID: id, ReceivedAt: time.Now()}
}

func TestRegistry_SubscribePublish(t *testing.T) {
	r := NewRegistry(slog.Default())

	var got []string
	r.Subscribe("market", func(rec event.Record) {
		got = append(got, rec.ID)
	})

	r.Publish("market", testRecord(event.KindMarket, "T4_BAG"))
	r.Publish("market", testRecord(event.KindMarket, "T5_BAG"))
	r.Publish("kills", testRecord(event.KindKills, "evt-1"))

	assert.Equal(t, []string{"T4_BAG", "T5_BAG"}, got)
}

func TestRegistry_RegistrationOrder(t *testing.T) {
	r := NewRegistry(slog.Default())

	var order []int
	for i := 0; i < 5; i++ {
		n := i
		r.Subscribe("market", func(event.Record) {
			order = append(order, n)
		})
	}

	r.Publish("market", testRecord(event.KindMarket, "x"))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry(slog.Default())

	var calls int
	unsub := r.Subscribe("market", func(event.Record) { calls++ })
	require.Equal(t, 1, r.Count("market"))

	r.Publish("market", testRecord(event.KindMarket, "a"))
	unsub()
	r.Publish("market", testRecord(event.KindMarket, "b"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Count("market"))

	// Double unsubscribe is harmless
	unsub()
}

func TestRegistry_UnsubscribeRemovesExactlyOne(t *testing.T) {
	r := NewRegistry(slog.Default())

	var a, b int
	r.Subscribe("market", func(event.Record) { a++ })
	unsubB := r.Subscribe("market", func(event.Record) { b++ })

	unsubB()
	r.Publish("market", testRecord(event.KindMarket, "x"))

	assert.Equal(t, 1, a)
	assert.Equal(t, 0, b)
}

func TestRegistry_PanickingSubscriberIsolated(t *testing.T) {
	r := NewRegistry(slog.Default())

	var after int
	r.Subscribe("market", func(event.Record) { panic("boom") })
	r.Subscribe("market", func(event.Record) { after++ })

	assert.NotPanics(t, func() {
		r.Publish("market", testRecord(event.KindMarket, "x"))
	})
	assert.Equal(t, 1, after)
}

func TestRegistry_UnsubscribeUnderConcurrentPublish(t *testing.T) {
	r := NewRegistry(slog.Default())

	var calls atomic.Int64
	var unsubscribed atomic.Bool
	unsub := r.Subscribe("market", func(event.Record) {
		if unsubscribed.Load() {
			t.Error("callback fired after unsubscribe returned")
		}
		calls.Add(1)
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Publish("market", testRecord(event.KindMarket, "x"))
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	unsub()
	unsubscribed.Store(true)

	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Positive(t, calls.Load())
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(slog.Default())

	var calls int
	r.Subscribe("market", func(event.Record) { calls++ })
	r.Subscribe("kills", func(event.Record) { calls++ })
	require.Equal(t, 2, r.TotalSubscribers())

	r.Clear()

	r.Publish("market", testRecord(event.KindMarket, "x"))
	r.Publish("kills", testRecord(event.KindKills, "y"))
	assert.Zero(t, calls)
	assert.Zero(t, r.TotalSubscribers())
}

func TestRegistry_PublishHook(t *testing.T) {
	var hookTopic string
	var hookCount int
	r := NewRegistry(slog.Default(), WithPublishHook(func(topic string, delivered int) {
		hookTopic = topic
		hookCount = delivered
	}))

	r.Subscribe("battles", func(event.Record) {})
	r.Subscribe("battles", func(event.Record) {})
	r.Publish("battles", testRecord(event.KindBattles, "b-1"))

	assert.Equal(t, "battles", hookTopic)
	assert.Equal(t, 2, hookCount)
}

func TestRegistry_NilCallback(t *testing.T) {
	r := NewRegistry(slog.Default())
	unsub := r.Subscribe("market", nil)
	assert.Zero(t, r.Count("market"))
	assert.NotPanics(t, func() { unsub() })
}
