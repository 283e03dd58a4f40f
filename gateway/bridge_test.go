package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/metric"
	"github.com/PyRo1121/hetzner-sub000/subscribe"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func marketRecord(id string) event.Record {
	return event.Record{
		Kind:       event.KindMarket,
		ID:         id,
		Raw:        json.RawMessage(`{"type":"market","ItemTypeId":"` + id + `"}`),
		ReceivedAt: time.Now(),
	}
}

func TestBridge_BroadcastsToClients(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 0, nil)
	b.Start()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	first := dial(t, srv)
	second := dial(t, srv)
	require.Eventually(t, func() bool { return b.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	source.Publish("market", marketRecord("T4_BAG"))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "market", frame.Topic)
		assert.Equal(t, "T4_BAG", frame.ID)
		assert.JSONEq(t, `{"type":"market","ItemTypeId":"T4_BAG"}`, string(frame.Payload))
	}
}

func TestBridge_OnlySubscribedTopics(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 0, nil)
	b.Start()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Not bridged; Publish still succeeds against the registry
	source.Publish("kills", event.Record{Kind: event.KindKills, ID: "k-1"})
	source.Publish("market", marketRecord("T5_BAG"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "market", frame.Topic)
}

func TestBridge_ClientDisconnectCleanup(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 0, nil)
	b.Start()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestBridge_StopUnsubscribes(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market", "kills"}, 0, nil)
	b.Start()
	require.Equal(t, 2, source.TotalSubscribers())

	b.Stop()
	assert.Zero(t, source.TotalSubscribers())
}

func TestBridge_SlowClientDoesNotBlockBroadcast(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 1, nil)
	b.Start()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	// This client never reads; its queue fills and frames drop
	dial(t, srv)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			source.Publish("market", marketRecord("ITEM"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}

func TestBridge_BroadcastDuringDisconnect(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 1, nil)

	// Register clients directly; broadcast and dropClient never touch
	// the connection, only the queue and the client set.
	clients := make([]*client, 200)
	b.mu.Lock()
	for i := range clients {
		c := &client{
			send: make(chan []byte, 1),
			done: make(chan struct{}),
		}
		clients[i] = c
		b.clients[c] = struct{}{}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.broadcast("market", marketRecord("ITEM"))
		}
	}()
	for _, c := range clients {
		b.dropClient(c)
	}
	wg.Wait()

	assert.Zero(t, b.ClientCount())
	for _, c := range clients {
		select {
		case <-c.done:
		default:
			t.Fatal("client not shut down")
		}
	}
}

func TestBridge_ClientGauge(t *testing.T) {
	source := subscribe.NewRegistry(slog.Default())
	b := NewBridge(source, []string{"market"}, 0, nil)
	require.NoError(t, b.RegisterMetrics(metric.NewRegistry()))
	b.Start()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return testutil.ToFloat64(b.clientsGauge) == 1 },
		time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return testutil.ToFloat64(b.clientsGauge) == 0 },
		time.Second, 5*time.Millisecond)
}
