// Package batch implements the inbound batching stage. Records accumulate
// in a buffer and flush when the buffer reaches batchSize or when the
// linger interval elapses, whichever comes first. Each flush groups records
// by kind, runs the kind handlers in parallel, and hands the surviving
// records to the subscriber registry and the cache.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PyRo1121/hetzner-sub000/errors"
	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/metric"
)

const (
	// DefaultBatchSize triggers an immediate flush when reached.
	DefaultBatchSize = 10

	// DefaultLinger bounds delivery latency at low throughput.
	DefaultLinger = 200 * time.Millisecond

	// DefaultHandlerTimeout caps a single kind handler's execution so a
	// stuck handler cannot stall the buffer.
	DefaultHandlerTimeout = 10 * time.Second
)

// Handler transforms one kind group during a flush. The returned records
// are what gets published and cached; returning fewer records than it
// received drops the rest.
type Handler func(ctx context.Context, records []event.Record) ([]event.Record, error)

// Sink receives the records that survive a flush, in flush order within
// each kind. The engine wires this to the subscriber registry and cache.
type Sink func(records []event.Record)

// Options configure a Processor.
type Options struct {
	BatchSize      int
	Linger         time.Duration
	HandlerTimeout time.Duration
	Metrics        *metric.CoreMetrics
	Logger         *slog.Logger
}

func (o *Options) normalize() {
	if o.BatchSize < 1 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Linger <= 0 {
		o.Linger = DefaultLinger
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = DefaultHandlerTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Processor is the batching stage. Safe for concurrent use.
type Processor struct {
	opts Options
	sink Sink

	mu       sync.Mutex
	buffer   []event.Record
	handlers map[event.Kind]Handler

	flushing  atomic.Bool
	accepted  atomic.Int64
	flushes   atomic.Int64
	closed    atomic.Bool
	signal    chan struct{}
	done      chan struct{}
	workerCtx context.Context
	cancel    context.CancelFunc

	logger *slog.Logger
}

// NewProcessor creates a Processor delivering flushed records to sink. The
// flush worker runs until ctx is cancelled or Close is called.
func NewProcessor(ctx context.Context, sink Sink, opts Options) *Processor {
	opts.normalize()
	workerCtx, cancel := context.WithCancel(ctx)
	p := &Processor{
		opts:      opts,
		sink:      sink,
		handlers:  make(map[event.Kind]Handler),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		workerCtx: workerCtx,
		cancel:    cancel,
		logger:    opts.Logger.With("component", "batch"),
	}
	go p.run()
	return p
}

// RegisterHandler installs the handler for a kind, replacing any previous
// one. Kinds without a handler pass through unchanged.
func (p *Processor) RegisterHandler(kind event.Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Accept enqueues one record. After Close or context cancellation it is a
// logged no-op.
func (p *Processor) Accept(rec event.Record) {
	if p.closed.Load() {
		p.logger.Debug("record accepted after shutdown, dropping",
			"kind", rec.Kind.String(), "id", rec.ID)
		if p.opts.Metrics != nil {
			p.opts.Metrics.RecordsDropped.WithLabelValues(rec.Kind.String(), "shutdown").Inc()
		}
		return
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, rec)
	depth := len(p.buffer)
	p.mu.Unlock()

	p.accepted.Add(1)
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordsReceived.WithLabelValues(rec.Kind.String()).Inc()
	}

	if depth >= p.opts.BatchSize {
		p.wake()
	}
}

// wake nudges the flush worker without blocking.
func (p *Processor) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Flush drains and processes the buffer now. Returns immediately if a
// flush is already in progress; the buffered records then ride along with
// the next flush.
func (p *Processor) Flush(ctx context.Context) {
	p.flush(ctx)
}

// QueueDepth reports the number of buffered records awaiting flush.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Flushes reports how many non-empty flushes have completed.
func (p *Processor) Flushes() int64 {
	return p.flushes.Load()
}

// Close stops the flush worker after one final drain of the buffer.
// Idempotent.
func (p *Processor) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Processor) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.Linger)
	defer ticker.Stop()

	for {
		select {
		case <-p.workerCtx.Done():
			p.closed.Store(true)
			// Final drain so records accepted before shutdown still deliver.
			p.flush(context.Background())
			return
		case <-p.signal:
			p.flush(p.workerCtx)
		case <-ticker.C:
			p.flush(p.workerCtx)
		}
	}
}

// flush is guarded against re-entrancy: a second flush attempted while one
// is in progress returns immediately and its records accumulate for the
// next pass.
func (p *Processor) flush(ctx context.Context) {
	if !p.flushing.CompareAndSwap(false, true) {
		return
	}
	defer p.flushing.Store(false)

	p.mu.Lock()
	records := p.buffer
	p.buffer = nil
	handlers := make(map[event.Kind]Handler, len(p.handlers))
	for k, h := range p.handlers {
		handlers[k] = h
	}
	p.mu.Unlock()

	if len(records) == 0 {
		return
	}

	start := time.Now()
	processed := p.dispatch(ctx, records, handlers)
	p.flushes.Add(1)

	if p.opts.Metrics != nil {
		status := "ok"
		if len(processed) < len(records) {
			status = "partial"
		}
		p.opts.Metrics.FlushDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}

	if len(processed) > 0 && p.sink != nil {
		p.sink(processed)
	}

	// Records that arrived during this flush get their own pass.
	p.mu.Lock()
	pending := len(p.buffer)
	p.mu.Unlock()
	if pending >= p.opts.BatchSize {
		p.wake()
	}
}

// group holds one kind's slice of a flush, in acceptance order.
type group struct {
	kind    event.Kind
	records []event.Record
}

// dispatch runs each kind group through its handler in parallel. A failing
// or timed-out group is logged and dropped; the other groups still
// deliver. The returned slice preserves acceptance order within each kind.
func (p *Processor) dispatch(ctx context.Context, records []event.Record, handlers map[event.Kind]Handler) []event.Record {
	byKind := make(map[event.Kind]*group)
	var order []*group
	for _, rec := range records {
		g, ok := byKind[rec.Kind]
		if !ok {
			g = &group{kind: rec.Kind}
			byKind[rec.Kind] = g
			order = append(order, g)
		}
		g.records = append(g.records, rec)
	}

	results := make([][]event.Record, len(order))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, g := range order {
		eg.Go(func() error {
			out, err := p.runHandler(egCtx, g, handlers[g.kind])
			if err != nil {
				p.logger.Error("kind handler failed, dropping group",
					"kind", g.kind.String(),
					"records", len(g.records),
					"error", err)
				if p.opts.Metrics != nil {
					p.opts.Metrics.RecordsDropped.WithLabelValues(g.kind.String(), "handler_error").
						Add(float64(len(g.records)))
				}
				return nil
			}
			results[i] = out
			if p.opts.Metrics != nil {
				p.opts.Metrics.RecordsProcessed.WithLabelValues(g.kind.String(), "ok").
					Add(float64(len(out)))
			}
			return nil
		})
	}
	// Group errors are swallowed above, so this only reflects ctx state.
	_ = eg.Wait()

	var processed []event.Record
	for _, out := range results {
		processed = append(processed, out...)
	}
	return processed
}

func (p *Processor) runHandler(ctx context.Context, g *group, h Handler) ([]event.Record, error) {
	if h == nil {
		return g.records, nil
	}

	hctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()

	type result struct {
		out []event.Record
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errors.WrapFatal(fmt.Errorf("panic: %v", r), "batch", "runHandler",
					"handler panicked")}
			}
		}()
		out, err := h(hctx, g.records)
		ch <- result{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-hctx.Done():
		return nil, errors.WrapTransient(errors.ErrHandlerTimeout, "batch", "runHandler",
			"handler for kind "+g.kind.String()+" exceeded timeout")
	}
}
