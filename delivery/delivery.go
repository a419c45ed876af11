// Package delivery fans a notification out to the matching subscribers.
//
// A broadcast pass works on a registry snapshot, attempts each distinct
// endpoint once, and never lets one endpoint's failure affect another.
// Failed endpoints are evicted according to the engine's EvictPolicy.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bloodbank-notifier/metrics"
	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/registry"
)

const defaultConcurrency = 16

// Pusher is the push-delivery capability. One call is one attempt.
type Pusher interface {
	Push(ctx context.Context, sub relay.Subscription, payload []byte) error
}

// Registry is the part of the subscriber registry the engine needs.
type Registry interface {
	ListMatching(f registry.Filter) []relay.Subscription
	Remove(ctx context.Context, endpoint string) bool
}

// Status is the result of one delivery attempt.
type Status int

const (
	// Delivered means the push service accepted the message.
	Delivered Status = iota
	// Failed means the attempt errored for any reason.
	Failed
)

func (s Status) String() string {
	if s == Failed {
		return "failed"
	}
	return "delivered"
}

// Outcome describes one attempt within a pass.
type Outcome struct {
	Endpoint string
	Status   Status
	Err      error // set when Status is Failed
}

// EvictPolicy decides whether an outcome removes the subscription.
type EvictPolicy func(Outcome) bool

// EvictOnAnyFailure treats every failure as proof the endpoint is dead.
func EvictOnAnyFailure(o Outcome) bool {
	return o.Status == Failed
}

// Result summarizes a broadcast pass.
type Result struct {
	PassID    string
	Attempted int
	Delivered int
	Evicted   []string // in snapshot order
	Outcomes  []Outcome
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Attribute string `json:"attribute,omitempty"`
	Link      string `json:"link,omitempty"`
}

// Engine runs broadcast passes.
type Engine struct {
	registry    Registry
	pusher      Pusher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	evict       EvictPolicy
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds in-flight attempts per pass.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithEvictPolicy replaces EvictOnAnyFailure.
func WithEvictPolicy(p EvictPolicy) Option {
	return func(e *Engine) { e.evict = p }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a delivery engine.
func New(reg Registry, pusher Pusher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:    reg,
		pusher:      pusher,
		logger:      logger,
		evict:       EvictOnAnyFailure,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Filter returns the registry filter selecting n's audience.
func Filter(n relay.Notification) registry.Filter {
	return registry.ForAttribute(n.TargetAttribute)
}

// Encode serializes n into the push payload.
func Encode(n relay.Notification) ([]byte, error) {
	data, err := json.Marshal(Payload{
		Title:     n.Title,
		Body:      n.Body,
		Attribute: n.TargetAttribute,
		Link:      n.Link,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Broadcast delivers n to every subscriber selected by its target attribute.
// The pass always runs to completion: cancelling ctx does not abort it, and
// per-attempt timeouts belong to the push capability.
func (e *Engine) Broadcast(ctx context.Context, n relay.Notification) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	passID := uuid.NewString()
	start := time.Now()

	payload, err := Encode(n)
	if err != nil {
		return Result{PassID: passID}, err
	}

	targets := dedup(e.registry.ListMatching(Filter(n)))
	res := Result{
		PassID:    passID,
		Attempted: len(targets),
		Outcomes:  make([]Outcome, len(targets)),
	}

	e.logger.Info("Broadcast pass starting",
		"pass_id", passID,
		"title", n.Title,
		"target", n.TargetAttribute,
		"subscribers", len(targets))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, sub := range targets {
		g.Go(func() error {
			res.Outcomes[i] = e.attempt(ctx, passID, sub, payload)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range res.Outcomes {
		switch {
		case o.Status == Delivered:
			res.Delivered++
		case e.evicts(o):
			res.Evicted = append(res.Evicted, o.Endpoint)
		}
	}

	e.metrics.Pass(time.Since(start).Seconds())
	e.logger.Info("Broadcast pass completed",
		"pass_id", passID,
		"attempted", res.Attempted,
		"delivered", res.Delivered,
		"evicted", len(res.Evicted),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// attempt pushes to one subscriber and applies the eviction policy on failure.
func (e *Engine) attempt(ctx context.Context, passID string, sub relay.Subscription, payload []byte) Outcome {
	err := e.pusher.Push(ctx, sub, payload)
	if err == nil {
		e.metrics.Delivery(Delivered.String())
		e.logger.Info("Notification sent successfully", "pass_id", passID, "endpoint", sub.Endpoint)
		return Outcome{Endpoint: sub.Endpoint, Status: Delivered}
	}

	o := Outcome{Endpoint: sub.Endpoint, Status: Failed, Err: err}
	e.metrics.Delivery(Failed.String())
	if !e.evicts(o) {
		e.logger.Warn("Notification failed, keeping subscription", "pass_id", passID, "endpoint", sub.Endpoint, "error", err)
		return o
	}

	// Remove is idempotent, so concurrent evictions need no ordering.
	if e.registry.Remove(ctx, sub.Endpoint) {
		e.metrics.Eviction(metrics.ReasonDeliveryFailed)
	}
	e.logger.Warn("Notification failed, subscription evicted", "pass_id", passID, "endpoint", sub.Endpoint, "error", err)
	return o
}

// evicts applies the policy. A cancellation says nothing about the endpoint,
// so it never evicts.
func (e *Engine) evicts(o Outcome) bool {
	if errors.Is(o.Err, context.Canceled) {
		return false
	}
	return e.evict(o)
}

func dedup(subs []relay.Subscription) []relay.Subscription {
	seen := make(map[string]struct{}, len(subs))
	out := make([]relay.Subscription, 0, len(subs))
	for _, s := range subs {
		if _, ok := seen[s.Endpoint]; ok {
			continue
		}
		seen[s.Endpoint] = struct{}{}
		out = append(out, s)
	}
	return out
}
