package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option[string]) *Store[string] {
	t.Helper()
	s, err := New[string](context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)

	_, exists := s.Get("market:T4_BAG")
	assert.False(t, exists)

	isNew, err := s.Put("market:T4_BAG", "order-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, isNew)

	value, exists := s.Get("market:T4_BAG")
	require.True(t, exists)
	assert.Equal(t, "order-1", value)

	// Overwrite is not a new entry
	isNew, err = s.Put("market:T4_BAG", "order-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, isNew)

	value, _ = s.Get("market:T4_BAG")
	assert.Equal(t, "order-2", value)
}

func TestStore_EmptyKeyRejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("", "value", time.Minute)
	assert.Error(t, err)

	_, err = s.Delete("")
	assert.Error(t, err)
}

func TestStore_TTLBoundary(t *testing.T) {
	s := newTestStore(t)

	ttl := 50 * time.Millisecond
	_, err := s.Put("kills:evt-1", "kill", ttl)
	require.NoError(t, err)

	// Just inside the deadline the value is still live
	time.Sleep(ttl - time.Millisecond)
	_, exists := s.Get("kills:evt-1")
	assert.True(t, exists)

	// Just past the deadline it is gone and evicted on read
	time.Sleep(2 * time.Millisecond)
	_, exists = s.Get("kills:evt-1")
	assert.False(t, exists)
	assert.Equal(t, int64(1), s.Stats().Evictions())
}

func TestStore_DefaultTTL(t *testing.T) {
	s := newTestStore(t, WithDefaultTTL[string](20*time.Millisecond))

	_, err := s.Put("guilds:g1", "stats", 0)
	require.NoError(t, err)

	_, exists := s.Get("guilds:g1")
	assert.True(t, exists)

	time.Sleep(30 * time.Millisecond)
	_, exists = s.Get("guilds:g1")
	assert.False(t, exists)
}

func TestStore_GetByPrefix(t *testing.T) {
	s := newTestStore(t)

	_, _ = s.Put(Key("market", "T4_BAG"), "a", time.Minute)
	_, _ = s.Put(Key("market", "T5_BAG"), "b", time.Minute)
	_, _ = s.Put(Key("kills", "evt-1"), "c", time.Minute)
	_, _ = s.Put(Key("market", "expired"), "d", 5*time.Millisecond)

	time.Sleep(10 * time.Millisecond)

	values := s.GetByPrefix("market")
	assert.ElementsMatch(t, []string{"a", "b"}, values)

	// Prefix matching is on whole segments, not substrings
	assert.Empty(t, s.GetByPrefix("mark"))
	assert.Empty(t, s.GetByPrefix("battles"))
}

func TestStore_Sweep(t *testing.T) {
	evicted := make(chan string, 10)
	s := newTestStore(t,
		WithSweepInterval[string](10*time.Millisecond),
		WithEvictionCallback[string](func(key string, _ string) {
			evicted <- key
		}),
	)

	_, _ = s.Put("battles:b1", "battle", 5*time.Millisecond)

	select {
	case key := <-evicted:
		assert.Equal(t, "battles:b1", key)
	case <-time.After(time.Second):
		t.Fatal("sweep did not evict expired entry")
	}
	assert.Equal(t, 0, s.Size())
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, _ = s.Put(Key("market", fmt.Sprintf("item-%d", i)), "v", time.Minute)
	}
	require.Equal(t, 5, s.Size())

	s.Clear()
	assert.Equal(t, 0, s.Size())
	assert.Empty(t, s.Keys())
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	_, _ = s.Put("market:x", "v", time.Minute)

	deleted, err := s.Delete("market:x")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete("market:x")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := Key("market", fmt.Sprintf("item-%d-%d", n, j))
				_, _ = s.Put(key, "v", time.Minute)
				_, _ = s.Get(key)
				_ = s.GetByPrefix("market")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, s.Size())
	assert.Equal(t, int64(1000), s.Stats().Hits())
}

func TestStore_CloseIdempotent(t *testing.T) {
	s, err := New[string](context.Background())
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
