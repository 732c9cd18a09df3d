package messenger

import (
	"sort"
	"sync"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/document"
)

// Registry owns the live subscriptions of a session, keyed by what they
// watch. Every subscription is released through Remove or Drain.
type Registry struct {
	mu        sync.Mutex
	disposers map[string]document.Unsubscribe
	metrics   *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		disposers: make(map[string]document.Unsubscribe),
		metrics:   m,
	}
}

// Add stores dispose under key, releasing whatever was registered there.
func (r *Registry) Add(key string, dispose document.Unsubscribe) {
	r.mu.Lock()
	previous, replaced := r.disposers[key]
	r.disposers[key] = dispose
	r.mu.Unlock()

	if replaced {
		previous()
		return
	}
	r.metrics.SubscriptionsChanged(1)
}

// Remove releases the subscription under key, if any.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	dispose, ok := r.disposers[key]
	delete(r.disposers, key)
	r.mu.Unlock()

	if ok {
		dispose()
		r.metrics.SubscriptionsChanged(-1)
	}
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.disposers[key]
	return ok
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.disposers))
	for k := range r.disposers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disposers)
}

// Drain releases every subscription and empties the registry.
func (r *Registry) Drain() int {
	r.mu.Lock()
	disposers := r.disposers
	r.disposers = make(map[string]document.Unsubscribe)
	r.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	r.metrics.SubscriptionsChanged(-len(disposers))
	return len(disposers)
}

func presenceKey(userID string) string { return "presence/" + userID }
func graphKey(userID string) string    { return "graph/" + userID }
func staleKey(userID string) string    { return "stale/" + userID }

const (
	conversationsKey = "conversations"
	selfKey          = "self"
	channelKey       = "channel"
)
