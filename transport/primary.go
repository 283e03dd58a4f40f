package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/PyRo1121/hetzner-sub000/errors"
	"github.com/PyRo1121/hetzner-sub000/event"
)

const (
	// DefaultSubjectPrefix is the upstream subject namespace. Each tracked
	// kind maps to "<prefix>.<kind>".
	DefaultSubjectPrefix = "aodp"

	// controlSubject receives the subscribe control messages emitted on
	// connect.
	controlSubject = "aodp.control"
)

// controlMessage is the subscribe announcement sent once per tracked
// logical channel after the primary connects.
type controlMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// NATSPrimary is the primary duplex channel. Reconnection is owned by the
// Connector, so the client's own reconnect machinery stays off.
type NATSPrimary struct {
	url           string
	subjectPrefix string
	handler       MessageHandler
	logger        *slog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	closed chan error
}

// NewNATSPrimary creates the primary channel for url. handler receives
// every inbound payload byte slice.
func NewNATSPrimary(url string, handler MessageHandler, logger *slog.Logger) *NATSPrimary {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPrimary{
		url:           url,
		subjectPrefix: DefaultSubjectPrefix,
		handler:       handler,
		logger:        logger.With("component", "transport.primary"),
	}
}

// Name identifies the channel in logs.
func (p *NATSPrimary) Name() string { return "nats" }

// Open connects, subscribes one subject per tracked kind, and announces
// each subscription with a control message so the upstream begins pushing.
func (p *NATSPrimary) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.conn.IsConnected() {
		return nil
	}

	closed := make(chan error, 1)

	timeout := DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), 0)
	}

	conn, err := nats.Connect(p.url,
		nats.Name("relay"),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(c *nats.Conn) {
			err := c.LastError()
			if err == nil {
				err = errors.ErrConnectionLost
			}
			select {
			case closed <- err:
			default:
			}
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "NATSPrimary", "Open", "connect to "+p.url)
	}

	subs := make([]*nats.Subscription, 0, len(event.Kinds()))
	for _, kind := range event.Kinds() {
		subject := p.subjectPrefix + "." + kind.String()
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			p.handler(msg.Data)
		})
		if err != nil {
			conn.Close()
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscribeFailed, err),
				"NATSPrimary", "Open", "subscribe "+subject)
		}
		subs = append(subs, sub)

		announce, _ := json.Marshal(controlMessage{Type: "subscribe", Channel: kind.String()})
		if err := conn.Publish(controlSubject, announce); err != nil {
			p.logger.Warn("subscribe announcement failed", "channel", kind.String(), "error", err)
		}
	}

	p.conn = conn
	p.subs = subs
	p.closed = closed
	return nil
}

// Closed signals an unexpected connection loss.
func (p *NATSPrimary) Closed() <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == nil {
		p.closed = make(chan error, 1)
	}
	return p.closed
}

// Close unsubscribes and closes the connection.
func (p *NATSPrimary) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Debug("unsubscribe", "error", err)
		}
	}
	p.subs = nil
	p.conn.Close()
	p.conn = nil
	return nil
}
