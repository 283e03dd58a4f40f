// Package subscribe implements the topic fan-out registry. Collaborators
// register callbacks per topic and receive every record published to it;
// a failing callback is isolated so it never blocks delivery to others.
package subscribe

import (
	"log/slog"
	"sync"

	"github.com/PyRo1121/hetzner-sub000/event"
)

// Callback receives one record published to a subscribed topic.
type Callback func(rec event.Record)

// UnsubscribeFunc removes exactly the callback whose Subscribe call returned
// it. Safe to call more than once.
type UnsubscribeFunc func()

// subscription pairs a callback with a liveness lock. Publish invokes the
// callback under mu; unsubscribe takes mu before marking it dead, so once
// an unsubscribe returns the callback can never fire again, even when a
// publish already snapshotted this subscription.
type subscription struct {
	id       uint64
	callback Callback

	mu     sync.Mutex
	active bool
}

func (s *subscription) invoke(rec event.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.callback(rec)
	return true
}

func (s *subscription) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Registry maps topics to ordered callback lists. Iteration order during
// publish is registration order.
type Registry struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	nextID uint64
	logger *slog.Logger

	onPublish func(topic string, delivered int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublishHook installs a hook called after each publish with the number
// of callbacks delivered to. Used for metrics.
func WithPublishHook(hook func(topic string, delivered int)) Option {
	return func(r *Registry) {
		r.onPublish = hook
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		topics: make(map[string][]*subscription),
		logger: logger.With("component", "subscribe"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers callback for topic and returns the closure that
// removes it. The registry holds only the association; the caller keeps
// ownership of the callback.
func (r *Registry) Subscribe(topic string, callback Callback) UnsubscribeFunc {
	if callback == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, callback: callback, active: true}
	r.topics[topic] = append(r.topics[topic], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.deactivate()
			r.remove(topic, sub.id)
		})
	}
}

func (r *Registry) remove(topic string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			r.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(r.topics[topic]) == 0 {
		delete(r.topics, topic)
	}
}

// Publish delivers rec to every callback registered for topic, in
// registration order. A panicking callback is logged and skipped; delivery
// to the remaining callbacks continues.
func (r *Registry) Publish(topic string, rec event.Record) {
	r.mu.RLock()
	subs := make([]*subscription, len(r.topics[topic]))
	copy(subs, r.topics[topic])
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if r.deliver(topic, sub, rec) {
			delivered++
		}
	}

	if r.onPublish != nil {
		r.onPublish(topic, delivered)
	}
}

func (r *Registry) deliver(topic string, sub *subscription, rec event.Record) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber callback panicked",
				"topic", topic,
				"subscription_id", sub.id,
				"panic", p)
		}
	}()
	return sub.invoke(rec)
}

// Count returns the number of callbacks registered for topic.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// TotalSubscribers returns the number of callbacks across all topics.
func (r *Registry) TotalSubscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, subs := range r.topics {
		total += len(subs)
	}
	return total
}

// Clear deactivates and removes every subscription. Used on engine
// shutdown; once Clear returns no callback will fire again.
func (r *Registry) Clear() {
	r.mu.Lock()
	old := r.topics
	r.topics = make(map[string][]*subscription)
	r.mu.Unlock()

	for _, subs := range old {
		for _, sub := range subs {
			sub.deactivate()
		}
	}
}
