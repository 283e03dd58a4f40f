// Package gateway bridges engine topics to browser websocket clients. It
// is a downstream collaborator of the engine: it subscribes like any other
// consumer and republishes frames, with per-client send queues so one slow
// browser never stalls the fan-out.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/metric"
	"github.com/PyRo1121/hetzner-sub000/subscribe"
)

const (
	// DefaultQueueSize is the per-client send queue depth. A client that
	// falls this far behind starts losing frames.
	DefaultQueueSize = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventSource is the engine surface the bridge consumes.
type EventSource interface {
	Subscribe(topic string, cb subscribe.Callback) subscribe.UnsubscribeFunc
}

// Frame is one message pushed to a websocket client.
type Frame struct {
	Topic      string          `json:"topic"`
	ID         string          `json:"id,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// client holds one websocket connection. The send queue is never
// closed; shutdown is signalled through done so that broadcast can
// keep queueing safely while a disconnect races it.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// trySend queues a frame unless the client is shutting down or its
// queue is full. Reports whether the frame was queued.
func (c *client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Bridge fans engine topics out to websocket clients. Mount it on an HTTP
// mux and call Start to begin republishing.
type Bridge struct {
	source    EventSource
	topics    []string
	queueSize int
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	unsubs  []subscribe.UnsubscribeFunc
	started bool

	clientsGauge prometheus.Gauge
}

// RegisterMetrics registers the bridge's gauges with reg. Call before
// Start.
func (b *Bridge) RegisterMetrics(reg metric.Registrar) error {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "gateway",
		Name:      "clients_connected",
		Help:      "Number of websocket clients currently connected",
	})
	if err := reg.RegisterGauge("gateway", "clients_connected", gauge); err != nil {
		return err
	}
	b.mu.Lock()
	b.clientsGauge = gauge
	b.mu.Unlock()
	return nil
}

// NewBridge creates a Bridge republishing the given topics. A zero
// queueSize uses DefaultQueueSize.
func NewBridge(source EventSource, topics []string, queueSize int, logger *slog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		source:    source,
		topics:    topics,
		queueSize: queueSize,
		logger:    logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served from arbitrary origins in dev
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes the bridge to its topics. Idempotent.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	for _, topic := range b.topics {
		topic := topic
		unsub := b.source.Subscribe(topic, func(rec event.Record) {
			b.broadcast(topic, rec)
		})
		b.unsubs = append(b.unsubs, unsub)
	}
	b.logger.Info("gateway started", "topics", b.topics)
}

// Stop unsubscribes from the engine and disconnects every client.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.started = false
	if b.clientsGauge != nil {
		b.clientsGauge.Set(0)
	}
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, c := range clients {
		c.shutdown()
	}
}

// ClientCount returns the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// broadcast fans one record out to every client. A client with a full
// queue loses this frame rather than blocking the others.
func (b *Bridge) broadcast(topic string, rec event.Record) {
	frame, err := json.Marshal(Frame{
		Topic:      topic,
		ID:         rec.ID,
		ReceivedAt: rec.ReceivedAt,
		Payload:    rec.Raw,
	})
	if err != nil {
		b.logger.Warn("frame marshal failed", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		if !c.trySend(frame) {
			b.logger.Debug("dropping frame for slow client", "topic", topic)
		}
	}
}

// ServeHTTP upgrades the connection and serves it until the client goes
// away.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, b.queueSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	if b.clientsGauge != nil {
		b.clientsGauge.Set(float64(len(b.clients)))
	}
	b.mu.Unlock()
	b.logger.Debug("client connected", "remote", r.RemoteAddr)

	go b.writeLoop(c)
	b.readLoop(c)
}

// writeLoop drains the client's send queue and keeps the connection alive
// with pings.
func (b *Bridge) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound messages; its job is detecting disconnects.
func (b *Bridge) readLoop(c *client) {
	defer b.dropClient(c)

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) dropClient(c *client) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	if b.clientsGauge != nil {
		b.clientsGauge.Set(float64(len(b.clients)))
	}
	b.mu.Unlock()

	if present {
		c.shutdown()
		b.logger.Debug("client disconnected")
	}
}
