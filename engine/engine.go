// Package engine composes the relay: transport connector, batch processor,
// cache store, subscriber registry, and pattern predictor behind one
// facade. The application's composition root constructs an Engine and
// passes the handle to consumers; there is no package-level instance.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/PyRo1121/hetzner-sub000/aodp"
	"github.com/PyRo1121/hetzner-sub000/batch"
	"github.com/PyRo1121/hetzner-sub000/config"
	"github.com/PyRo1121/hetzner-sub000/errors"
	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/metric"
	"github.com/PyRo1121/hetzner-sub000/pkg/cache"
	"github.com/PyRo1121/hetzner-sub000/pkg/retry"
	"github.com/PyRo1121/hetzner-sub000/predict"
	"github.com/PyRo1121/hetzner-sub000/subscribe"
	"github.com/PyRo1121/hetzner-sub000/transport"
)

// Metrics is the snapshot returned by Engine.Metrics, shaped for the
// dashboard's connectivity indicator.
type Metrics struct {
	Connected       bool   `json:"connected"`
	State           string `json:"state"`
	SubscriberCount int    `json:"subscriberCount"`
	CacheSize       int    `json:"cacheSize"`
	QueueDepth      int    `json:"queueDepth"`
}

// ChannelFactory builds the transport channels around the engine's inbound
// handler. Tests substitute fakes here.
type ChannelFactory func(handler transport.MessageHandler) (primary, secondary transport.Channel)

// Option configures an Engine.
type Option func(*Engine)

// WithChannelFactory replaces the default NATS/SSE channel construction.
func WithChannelFactory(f ChannelFactory) Option {
	return func(e *Engine) { e.channelFactory = f }
}

// WithFetcher replaces the prefetch fetcher (default: the AODP client).
func WithFetcher(f predict.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithMetricsRegistry attaches prometheus metrics.
func WithMetricsRegistry(reg *metric.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// Engine is the realtime distribution engine. Construct with New, start
// with Initialize, stop with Disconnect.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	registry       *metric.Registry
	channelFactory ChannelFactory
	fetcher        predict.Fetcher

	store     *cache.Store[event.Record]
	subs      *subscribe.Registry
	processor *batch.Processor
	connector *transport.Connector
	predictor *predict.Predictor
	prices    *aodp.Client

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	stopped atomic.Bool
}

// New creates an Engine from cfg. Nothing connects until Initialize.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	// Dashboard reads are latency sensitive, so the engine's price client
	// retries on a tighter schedule than the package default.
	e.prices = aodp.NewClient(cfg.AODPBaseURL, logger, aodp.WithRetry(retry.Quick()))
	if e.fetcher == nil {
		e.fetcher = e.prices.Prefetch
	}
	if e.channelFactory == nil {
		e.channelFactory = e.defaultChannels
	}
	return e
}

func (e *Engine) defaultChannels(handler transport.MessageHandler) (transport.Channel, transport.Channel) {
	var primary, secondary transport.Channel
	if e.cfg.Transport.EnablePrimary {
		primary = transport.NewNATSPrimary(e.cfg.Transport.PrimaryURL, handler, e.logger)
	}
	if e.cfg.Transport.EnableSecondary {
		secondary = transport.NewSSESecondary(e.cfg.Transport.SecondaryURL, handler, e.logger)
	}
	return primary, secondary
}

// Initialize builds the pipeline and opens the upstream connection.
// Connection failures do not fail Initialize; the connector keeps retrying
// and consumers see cached data meanwhile.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.stopped.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Engine", "Initialize",
			"engine already disconnected")
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Initialize",
			"engine already initialized")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	var coreMetrics *metric.CoreMetrics
	cacheOpts := []cache.Option[event.Record]{
		cache.WithDefaultTTL[event.Record](e.cfg.Cache.TTL.Std()),
		cache.WithSweepInterval[event.Record](e.cfg.Cache.SweepInterval.Std()),
	}
	if e.registry != nil {
		coreMetrics = e.registry.Core
		cacheOpts = append(cacheOpts, cache.WithMetrics[event.Record](e.registry, "records"))
	}

	store, err := cache.New(e.ctx, cacheOpts...)
	if err != nil {
		e.running.Store(false)
		e.cancel()
		return errors.Wrap(err, "Engine", "Initialize", "create cache store")
	}
	e.store = store

	e.subs = subscribe.NewRegistry(e.logger)

	e.processor = batch.NewProcessor(e.ctx, e.deliver, batch.Options{
		BatchSize:      e.cfg.Batch.Size,
		Linger:         e.cfg.Batch.Linger.Std(),
		HandlerTimeout: e.cfg.Batch.HandlerTimeout.Std(),
		Metrics:        coreMetrics,
		Logger:         e.logger,
	})

	if e.cfg.Predict.Enabled {
		e.predictor = predict.NewPredictor(e.ctx, e.fetcher, predict.Options{
			Window:     e.cfg.Predict.Window.Std(),
			PendingTTL: e.cfg.Predict.PendingTTL.Std(),
			Logger:     e.logger,
		})
	}

	primary, secondary := e.channelFactory(e.ingest)
	if primary == nil && secondary == nil {
		e.logger.Warn("no transport channels configured, serving cached data only")
		return nil
	}
	if primary == nil {
		// Secondary-only deployments treat the push channel as primary.
		primary, secondary = secondary, nil
	}

	connOpts := transport.Options{
		ConnectTimeout: e.cfg.Transport.ConnectTimeout.Std(),
		ReconnectDelay: e.cfg.Transport.ReconnectDelay.Std(),
		Metrics:        coreMetrics,
		Logger:         e.logger,
	}
	if e.cfg.Transport.ExponentialReconnect {
		connOpts.Backoff = &retry.Backoff{
			Initial:    e.cfg.Transport.ReconnectDelay.Std(),
			Max:        e.cfg.Transport.MaxReconnectDelay.Std(),
			Multiplier: 2.0,
			Jitter:     true,
		}
	}
	e.connector = transport.NewConnector(primary, secondary, connOpts)
	e.connector.Connect(e.ctx)

	e.logger.Info("engine initialized",
		"transport_state", e.connector.State().String(),
		"batch_size", e.cfg.Batch.Size,
		"predictive_loading", e.cfg.Predict.Enabled)
	return nil
}

// ingest is the transport inbound path: decode, observe, enqueue. A
// malformed payload drops alone; the stream continues.
func (e *Engine) ingest(data []byte) {
	rec, err := event.Decode(data, time.Now())
	if err != nil {
		e.logger.Warn("dropping malformed record", "error", err)
		if e.registry != nil {
			e.registry.Core.RecordsDropped.WithLabelValues("unknown", "parse_error").Inc()
		}
		return
	}
	e.Accept(rec)
}

// Accept enqueues one record for the next flush. Collaborators that obtain
// records out of band (importers, replays) feed them in here. After
// Disconnect it is a logged no-op.
func (e *Engine) Accept(rec event.Record) {
	if !e.running.Load() {
		e.logger.Debug("record accepted while engine not running, ignoring",
			"kind", rec.Kind.String(), "id", rec.ID)
		return
	}
	if e.predictor != nil {
		e.predictor.Observe(rec.Kind)
	}
	e.processor.Accept(rec)
}

// deliver is the flush sink: fan out to subscribers, then cache each
// record under its composite key.
func (e *Engine) deliver(records []event.Record) {
	for _, rec := range records {
		e.subs.Publish(rec.Topic(), rec)
		if rec.ID != "" {
			if _, err := e.store.Put(rec.CacheKey(), rec, e.cfg.Cache.TTL.Std()); err != nil {
				e.logger.Warn("cache put failed", "key", rec.CacheKey(), "error", err)
			}
		}
	}
}

// Subscribe registers cb for every record published to topic and returns
// the closure that removes it.
func (e *Engine) Subscribe(topic string, cb subscribe.Callback) subscribe.UnsubscribeFunc {
	if !e.running.Load() {
		e.logger.Debug("subscribe while engine not running", "topic", topic)
		return func() {}
	}
	return e.subs.Subscribe(topic, cb)
}

// GetCached returns the non-expired records of a topic, for consumers that
// subscribe after the data went by.
func (e *Engine) GetCached(topic string) []event.Record {
	if !e.running.Load() {
		return nil
	}
	return e.store.GetByPrefix(topic)
}

// Prices exposes the AODP REST client for collaborators that need
// on-demand price reads.
func (e *Engine) Prices() *aodp.Client {
	return e.prices
}

// Ready reports whether the engine can serve live data. It returns
// ErrNotStarted before Initialize, ErrShuttingDown after Disconnect, and
// ErrNoTransport while no upstream channel is connected.
func (e *Engine) Ready() error {
	if !e.running.Load() {
		if e.stopped.Load() {
			return errors.ErrShuttingDown
		}
		return errors.ErrNotStarted
	}
	if e.connector == nil || !e.connector.IsConnected() {
		return errors.ErrNoTransport
	}
	return nil
}

// Metrics returns the current engine snapshot.
func (e *Engine) Metrics() Metrics {
	m := Metrics{State: transport.StateDisconnected.String()}
	if !e.running.Load() {
		return m
	}
	if e.connector != nil {
		m.Connected = e.connector.IsConnected()
		m.State = e.connector.State().String()
	}
	m.SubscriberCount = e.subs.TotalSubscribers()
	m.CacheSize = e.store.Size()
	m.QueueDepth = e.processor.QueueDepth()
	return m
}

// Disconnect tears the engine down: the transport closes, buffered records
// drain, and once Disconnect returns no subscriber callback will fire
// again. The engine cannot be re-initialized afterwards.
func (e *Engine) Disconnect() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.stopped.Store(true)

	if e.connector != nil {
		e.connector.Disconnect()
	}
	if e.predictor != nil {
		e.predictor.Close()
	}
	// The final drain may still deliver buffered records; the registry
	// clear below is the point after which no callback fires.
	e.processor.Close()
	e.subs.Clear()

	e.store.Clear()
	if err := e.store.Close(); err != nil {
		e.logger.Debug("cache close", "error", err)
	}
	e.cancel()

	e.logger.Info("engine disconnected")
}
