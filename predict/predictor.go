// Package predict implements predictive prefetching. The predictor keeps a
// trailing window of observations per record kind and, on each observation,
// consults a static association table for the kinds likely to be requested
// next. Each predicted kind gets one best-effort prefetch; a pending set
// with a sweep-based expiry caps the prefetch fan-out under sustained
// traffic.
package predict

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PyRo1121/hetzner-sub000/event"
)

const (
	// DefaultWindow is the trailing observation span kept per kind.
	DefaultWindow = time.Hour

	// DefaultPendingTTL is how long a predicted kind stays in the pending
	// set before it becomes eligible for prefetch again.
	DefaultPendingTTL = 5 * time.Minute

	// DefaultSweepInterval is how often expired pending entries are removed.
	DefaultSweepInterval = 30 * time.Second
)

// Fetcher performs the prefetch for one kind. Errors are swallowed; the
// prefetch is an optimization, never a correctness requirement.
type Fetcher func(ctx context.Context, kind event.Kind) error

// defaultAssociations maps each observed kind to the kinds expected to be
// requested soon after it.
func defaultAssociations() map[event.Kind][]event.Kind {
	return map[event.Kind][]event.Kind{
		event.KindMarket:  {event.KindKills, event.KindBattles},
		event.KindKills:   {event.KindMarket, event.KindGuilds},
		event.KindBattles: {event.KindKills, event.KindGuilds},
		event.KindGuilds:  {event.KindKills, event.KindBattles},
	}
}

// Options configure a Predictor.
type Options struct {
	Window        time.Duration
	PendingTTL    time.Duration
	SweepInterval time.Duration
	Associations  map[event.Kind][]event.Kind
	Logger        *slog.Logger
}

func (o *Options) normalize() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = DefaultPendingTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Associations == nil {
		o.Associations = defaultAssociations()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Predictor tracks observation windows and issues prefetches. Safe for
// concurrent use.
type Predictor struct {
	opts    Options
	fetcher Fetcher
	logger  *slog.Logger

	mu      sync.Mutex
	windows map[event.Kind][]time.Time
	pending map[event.Kind]time.Time

	flight singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPredictor creates a running Predictor. The pending-set sweep runs
// until ctx is cancelled or Close is called.
func NewPredictor(ctx context.Context, fetcher Fetcher, opts Options) *Predictor {
	opts.normalize()
	pctx, cancel := context.WithCancel(ctx)
	p := &Predictor{
		opts:    opts,
		fetcher: fetcher,
		logger:  opts.Logger.With("component", "predict"),
		windows: make(map[event.Kind][]time.Time),
		pending: make(map[event.Kind]time.Time),
		ctx:     pctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Observe records one sighting of kind and issues prefetches for its
// associated kinds that are not already pending.
func (p *Predictor) Observe(kind event.Kind) {
	if kind == event.KindUnknown {
		return
	}
	now := time.Now()

	p.mu.Lock()
	p.windows[kind] = pruneWindow(append(p.windows[kind], now), now.Add(-p.opts.Window))

	var due []event.Kind
	for _, predicted := range p.opts.Associations[kind] {
		if deadline, ok := p.pending[predicted]; ok && now.Before(deadline) {
			continue
		}
		p.pending[predicted] = now.Add(p.opts.PendingTTL)
		due = append(due, predicted)
	}
	p.mu.Unlock()

	for _, predicted := range due {
		p.prefetch(predicted)
	}
}

// prefetch launches a best-effort background fetch, deduplicated so
// concurrent observations of the same predicted kind share one call.
func (p *Predictor) prefetch(kind event.Kind) {
	if p.fetcher == nil {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, err, _ := p.flight.Do(kind.String(), func() (any, error) {
			return nil, p.fetcher(p.ctx, kind)
		})
		if err != nil {
			p.logger.Debug("prefetch failed", "kind", kind.String(), "error", err)
		}
	}()
}

// pruneWindow drops timestamps older than cutoff. Timestamps are appended
// in order, so the first retained index bounds the copy.
func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// WindowSize returns the number of observations of kind in the trailing
// window.
func (p *Predictor) WindowSize(kind event.Kind) int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows[kind] = pruneWindow(p.windows[kind], now.Add(-p.opts.Window))
	return len(p.windows[kind])
}

// PendingCount returns the number of kinds currently in the pending set.
func (p *Predictor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// sweepLoop periodically removes expired pending entries. One sweep over a
// deadline map replaces per-prediction timers.
func (p *Predictor) sweepLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Predictor) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, deadline := range p.pending {
		if !now.Before(deadline) {
			delete(p.pending, kind)
		}
	}
}

// Close stops the sweep loop and waits for in-flight prefetches to settle.
// Idempotent.
func (p *Predictor) Close() {
	p.cancel()
	<-p.done
	p.wg.Wait()
}
