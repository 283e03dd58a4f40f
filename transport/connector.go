package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PyRo1121/hetzner-sub000/metric"
	"github.com/PyRo1121/hetzner-sub000/pkg/retry"
)

const (
	// DefaultConnectTimeout bounds primary channel establishment before
	// falling back to the secondary.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReconnectDelay is the fixed wait between primary reconnect
	// attempts.
	DefaultReconnectDelay = 5 * time.Second
)

// MessageHandler receives one raw inbound payload.
type MessageHandler func(data []byte)

// Channel is one upstream transport channel. Open establishes the channel
// and returns once it is live; Closed signals an unexpected close
// afterwards.
type Channel interface {
	Name() string
	Open(ctx context.Context) error
	Closed() <-chan error
	Close() error
}

// Options configure a Connector.
type Options struct {
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	// Backoff overrides the fixed reconnect delay with an exponential
	// schedule when set.
	Backoff *retry.Backoff
	Metrics *metric.CoreMetrics
	Logger  *slog.Logger
}

func (o *Options) normalize() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Backoff == nil {
		// Multiplier 1.0 keeps the delay fixed.
		o.Backoff = &retry.Backoff{Initial: o.ReconnectDelay, Max: o.ReconnectDelay, Multiplier: 1.0}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Connector drives the primary/secondary state machine: primary with a
// connect timeout, one secondary attempt per primary failure, indefinite
// primary reconnects at a fixed delay. Never both channels at once.
type Connector struct {
	primary   Channel
	secondary Channel
	opts      Options
	logger    *slog.Logger

	state atomic.Int32

	mu              sync.Mutex
	secondaryActive bool
	secondaryFailed bool

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnector creates a Connector. secondary may be nil when no fallback
// is configured.
func NewConnector(primary Channel, secondary Channel, opts Options) *Connector {
	opts.normalize()
	return &Connector{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		logger:    opts.Logger.With("component", "transport"),
	}
}

// Connect performs the first primary attempt (with fallback) synchronously,
// then keeps reconnecting in the background. It never returns a connection
// error; failures degrade to cached data and show up in State.
func (c *Connector) Connect(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("connect called twice, ignoring")
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.setState(StateConnecting)
	if c.openPrimary() {
		c.setState(StateConnected)
		c.watchPrimary()
		return
	}
	c.tryFallback()

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries the primary indefinitely after the configured
// delay. Each failed attempt permits at most one secondary attempt.
func (c *Connector) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.Backoff.Next()):
		}

		// The secondary keeps serving while the primary retries; state
		// stays Connected in that case.
		if !c.isSecondaryActive() && c.State() != StateConnected {
			c.setState(StateReconnecting)
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.TransportReconnects.Inc()
		}

		if c.openPrimary() {
			c.closeSecondary()
			c.setState(StateConnected)
			c.opts.Backoff.Reset()

			select {
			case <-c.ctx.Done():
				return
			case err := <-c.primary.Closed():
				c.logger.Warn("primary channel closed", "error", err)
				c.setState(StateReconnecting)
			}
			continue
		}

		c.tryFallback()
	}
}

// watchPrimary waits for the primary to close and hands control to the
// reconnect loop. Used after a successful first connect.
func (c *Connector) watchPrimary() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		select {
		case <-c.ctx.Done():
			return
		case err := <-c.primary.Closed():
			c.logger.Warn("primary channel closed", "error", err)
			c.setState(StateReconnecting)
		}

		c.wg.Add(1)
		go c.reconnectLoop()
	}()
}

func (c *Connector) openPrimary() bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.primary.Open(ctx); err != nil {
		c.logger.Warn("primary connect failed", "channel", c.primary.Name(), "error", err)
		return false
	}
	c.logger.Info("primary channel connected", "channel", c.primary.Name())
	return true
}

// tryFallback makes at most one secondary attempt per call. A secondary
// that failed once is never retried; it is a degraded fallback, not a
// primary target.
func (c *Connector) tryFallback() {
	c.mu.Lock()
	eligible := c.secondary != nil && !c.secondaryActive && !c.secondaryFailed
	c.mu.Unlock()
	if !eligible {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := c.secondary.Open(ctx); err != nil {
		c.logger.Warn("secondary connect failed, not retrying",
			"channel", c.secondary.Name(), "error", err)
		c.mu.Lock()
		c.secondaryFailed = true
		c.mu.Unlock()
		return
	}

	c.logger.Info("fell back to secondary channel", "channel", c.secondary.Name())
	if c.opts.Metrics != nil {
		c.opts.Metrics.TransportFallbacks.Inc()
	}
	c.mu.Lock()
	c.secondaryActive = true
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.ctx.Done():
		case err := <-c.secondary.Closed():
			c.mu.Lock()
			wasActive := c.secondaryActive
			c.secondaryActive = false
			c.mu.Unlock()
			// A close event after closeSecondary is deliberate, not a loss.
			if wasActive {
				c.logger.Warn("secondary channel closed", "error", err)
				if c.State() == StateConnected {
					c.setState(StateReconnecting)
				}
			}
		}
	}()
}

// closeSecondary shuts the fallback down when the primary comes back, so
// only one channel is ever active.
func (c *Connector) closeSecondary() {
	c.mu.Lock()
	active := c.secondaryActive
	c.secondaryActive = false
	c.mu.Unlock()

	if active {
		if err := c.secondary.Close(); err != nil {
			c.logger.Debug("secondary close", "error", err)
		}
	}
}

func (c *Connector) isSecondaryActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secondaryActive
}

// Disconnect stops reconnection and closes whichever channel is active.
func (c *Connector) Disconnect() {
	if !c.started.Load() {
		return
	}
	c.cancel()
	c.wg.Wait()

	if err := c.primary.Close(); err != nil {
		c.logger.Debug("primary close", "error", err)
	}
	c.closeSecondary()
	c.setState(StateDisconnected)
}

// State returns the current connection state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether any channel is live.
func (c *Connector) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.Metrics != nil {
		c.opts.Metrics.TransportState.Set(float64(s))
	}
}
