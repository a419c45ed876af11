// Package registry owns the set of live push subscriptions.
//
// The in-memory set is authoritative. An optional Durable store mirrors it:
// inserts are written there first, removals go to both, and the set is
// hydrated from it at start-up. Durable failures are logged and never block
// the in-memory mutation.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"bloodbank-notifier/metrics"
	"bloodbank-notifier/pkg/relay"
)

// Durable is the persistence mirror of the registry.
type Durable interface {
	Save(ctx context.Context, sub relay.Subscription) error
	List(ctx context.Context) ([]relay.Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Status is the result of a successful registration.
type Status int

const (
	// Accepted means the subscription was added.
	Accepted Status = iota
	// AlreadyExists means an entry with the same endpoint was already live.
	AlreadyExists
)

func (s Status) String() string {
	if s == AlreadyExists {
		return "already_exists"
	}
	return "accepted"
}

// Filter selects subscriptions for a broadcast.
// The zero Filter matches every subscription.
type Filter struct {
	Attribute string
}

// MatchAll selects every subscription.
var MatchAll = Filter{}

// ForAttribute returns a filter targeting one attribute value.
func ForAttribute(attribute string) Filter {
	return Filter{Attribute: attribute}
}

// Matches reports whether sub is eligible under f.
// Subscriptions without an attribute (or tagged with the wildcard) receive everything.
func (f Filter) Matches(sub relay.Subscription) bool {
	want := strings.TrimSpace(f.Attribute)
	if want == "" || want == relay.Wildcard {
		return true
	}
	have := strings.TrimSpace(sub.Attribute)
	if have == "" || have == relay.Wildcard {
		return true
	}
	return strings.EqualFold(have, want)
}

// Registry tracks live subscriptions, at most one per endpoint.
type Registry struct {
	mu    sync.Mutex
	subs    []relay.Subscription
	index   map[string]struct{}
	pending map[string]struct{} // registrations waiting on the durable store

	durable Durable // nil when running memory-only
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. durable may be nil.
func New(durable Durable, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		index:   make(map[string]struct{}),
		pending: make(map[string]struct{}),
		durable: durable,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate loads the durable contents into memory and returns the number of
// subscriptions now live. A read failure is logged and treated as empty.
func (r *Registry) Hydrate(ctx context.Context) int {
	if r.durable == nil {
		return r.Len()
	}

	stored, err := r.durable.List(ctx)
	if err != nil {
		r.logger.Error("Failed to hydrate subscriptions, starting empty", "error", err)
		return r.Len()
	}

	r.mu.Lock()
	var skipped int
	for _, sub := range stored {
		sub = normalize(sub)
		if Validate(sub) != nil {
			skipped++
			continue
		}
		if _, ok := r.index[sub.Endpoint]; ok {
			continue
		}
		r.index[sub.Endpoint] = struct{}{}
		r.subs = append(r.subs, sub)
	}
	n := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscribers(n)
	r.logger.Info("Subscriptions hydrated", "stored", len(stored), "live", n, "skipped", skipped)
	return n
}

// Register adds sub unless its endpoint is already live.
// Missing fields yield an error wrapping ErrInvalidSubscription and no mutation.
func (r *Registry) Register(ctx context.Context, sub relay.Subscription) (Status, error) {
	sub = normalize(sub)
	if err := Validate(sub); err != nil {
		r.metrics.Registration("invalid")
		return 0, err
	}

	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = r.now().UTC()
	}

	// Claim the endpoint so a concurrent registration of it neither saves nor
	// appends; the durable write itself happens outside the lock.
	r.mu.Lock()
	_, live := r.index[sub.Endpoint]
	_, inFlight := r.pending[sub.Endpoint]
	if live || inFlight {
		r.mu.Unlock()
		r.metrics.Registration(AlreadyExists.String())
		r.logger.Info("Subscription already exists", "endpoint", sub.Endpoint)
		return AlreadyExists, nil
	}
	r.pending[sub.Endpoint] = struct{}{}
	r.mu.Unlock()

	if r.durable != nil {
		if err := r.durable.Save(ctx, sub); err != nil {
			r.logger.Warn("Failed to persist subscription, keeping it in memory only",
				"endpoint", sub.Endpoint, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.pending, sub.Endpoint)
	r.index[sub.Endpoint] = struct{}{}
	r.subs = append(r.subs, sub)
	n := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscribers(n)
	r.metrics.Registration(Accepted.String())
	r.logger.Info("New subscription added", "endpoint", sub.Endpoint, "attribute", sub.Attribute, "subscribers", n)
	return Accepted, nil
}

// Remove drops endpoint from memory and from the durable store.
// Removing an unknown endpoint is a no-op. It reports whether a live entry was removed.
func (r *Registry) Remove(ctx context.Context, endpoint string) bool {
	r.mu.Lock()
	_, ok := r.index[endpoint]
	if ok {
		delete(r.index, endpoint)
		r.subs = slices.DeleteFunc(r.subs, func(s relay.Subscription) bool {
			return s.Endpoint == endpoint
		})
	}
	n := len(r.subs)
	r.mu.Unlock()

	if ok {
		r.metrics.SetSubscribers(n)
	}

	if r.durable != nil {
		if err := r.durable.DeleteByEndpoint(ctx, endpoint); err != nil {
			r.logger.Warn("Failed to delete subscription from durable store", "endpoint", endpoint, "error", err)
		}
	}
	return ok
}

// ListAll returns a snapshot of every live subscription in insertion order.
func (r *Registry) ListAll() []relay.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.subs)
}

// ListMatching returns a snapshot of the subscriptions selected by f.
func (r *Registry) ListMatching(f Filter) []relay.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if f.Matches(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// Contains reports whether endpoint is live.
func (r *Registry) Contains(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[endpoint]
	return ok
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// PruneInvalid removes every subscription whose endpoint is not a valid URL
// and returns how many were removed. It works on a snapshot, so concurrent
// registrations and removals are safe.
func (r *Registry) PruneInvalid(ctx context.Context) int {
	var removed int
	for _, sub := range r.ListAll() {
		if IsValidEndpoint(sub.Endpoint) {
			continue
		}
		if r.Remove(ctx, sub.Endpoint) {
			removed++
			r.metrics.Eviction(metrics.ReasonInvalidEndpoint)
			r.logger.Info("Removed subscription with invalid endpoint", "endpoint", sub.Endpoint)
		}
	}
	return removed
}

func normalize(sub relay.Subscription) relay.Subscription {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	sub.Keys.P256dh = strings.TrimSpace(sub.Keys.P256dh)
	sub.Keys.Auth = strings.TrimSpace(sub.Keys.Auth)
	sub.Attribute = strings.TrimSpace(sub.Attribute)
	return sub
}
