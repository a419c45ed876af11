package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodbank-notifier/pkg/relay"
	"bloodbank-notifier/registry"
)

// fakePusher records attempts and fails for configured endpoints.
type fakePusher struct {
	mu       sync.Mutex
	attempts map[string]int
	payloads [][]byte
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakePusher() *fakePusher {
	return &fakePusher{attempts: map[string]int{}, fail: map[string]error{}}
}

func (f *fakePusher) Push(_ context.Context, sub relay.Subscription, payload []byte) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[sub.Endpoint]++
	f.payloads = append(f.payloads, payload)
	return f.fail[sub.Endpoint]
}

func (f *fakePusher) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[endpoint]
}

// staticRegistry returns a fixed snapshot, duplicates included.
type staticRegistry struct {
	mu      sync.Mutex
	subs    []relay.Subscription
	removed []string
}

func (s *staticRegistry) ListMatching(f registry.Filter) []relay.Subscription {
	var out []relay.Subscription
	for _, sub := range s.subs {
		if f.Matches(sub) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *staticRegistry) Remove(_ context.Context, endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, endpoint)
	return true
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sub(endpoint, attribute string) relay.Subscription {
	return relay.Subscription{Endpoint: endpoint, Keys: relay.Keys{P256dh: "k1", Auth: "a1"}, Attribute: attribute}
}

func newRegistry(t *testing.T, subs ...relay.Subscription) *registry.Registry {
	t.Helper()
	r := registry.New(nil, testLogger())
	for _, s := range subs {
		_, err := r.Register(context.Background(), s)
		require.NoError(t, err)
	}
	return r
}

func TestBroadcastScenario(t *testing.T) {
	ctx := context.Background()
	r := registry.New(nil, testLogger())
	first := sub("https://push.example/1", "")

	status, err := r.Register(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, registry.Accepted, status)
	assert.Equal(t, 1, r.Len())

	status, err = r.Register(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, registry.AlreadyExists, status)
	assert.Equal(t, 1, r.Len())

	pusher := newFakePusher()
	pusher.fail[first.Endpoint] = errors.New("410 gone")
	e := New(r, pusher, testLogger())

	res, err := e.Broadcast(ctx, relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, []string{first.Endpoint}, res.Evicted)
	assert.Equal(t, 0, r.Len())

	// The evicted endpoint is not attempted again.
	res, err = e.Broadcast(ctx, relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 1, pusher.count(first.Endpoint))
}

func TestBroadcastDedupsSnapshot(t *testing.T) {
	reg := &staticRegistry{subs: []relay.Subscription{
		sub("https://push.example/1", ""),
		sub("https://push.example/1", ""),
		sub("https://push.example/2", ""),
		sub("https://push.example/1", ""),
	}}
	pusher := newFakePusher()

	res, err := New(reg, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, pusher.count("https://push.example/1"))
	assert.Equal(t, 1, pusher.count("https://push.example/2"))
}

func TestBroadcastTargetsAttribute(t *testing.T) {
	r := newRegistry(t,
		sub("https://push.example/a1", "A"),
		sub("https://push.example/b", "B"),
		sub("https://push.example/a2", "A"),
	)
	pusher := newFakePusher()

	res, err := New(r, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M", TargetAttribute: "A"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, pusher.count("https://push.example/a1"))
	assert.Equal(t, 1, pusher.count("https://push.example/a2"))
	assert.Equal(t, 0, pusher.count("https://push.example/b"))
}

func TestBroadcastUntaggedReceivesTargeted(t *testing.T) {
	r := newRegistry(t,
		sub("https://push.example/o-neg", "O-"),
		sub("https://push.example/untagged", ""),
		sub("https://push.example/star", "*"),
		sub("https://push.example/b-pos", "B+"),
	)
	pusher := newFakePusher()

	res, err := New(r, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "New Donor Added", Body: "M", TargetAttribute: "O-"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, pusher.count("https://push.example/o-neg"))
	assert.Equal(t, 1, pusher.count("https://push.example/untagged"))
	assert.Equal(t, 1, pusher.count("https://push.example/star"))
	assert.Equal(t, 0, pusher.count("https://push.example/b-pos"))
}

func TestBroadcastNoSubscribers(t *testing.T) {
	res, err := New(newRegistry(t), newFakePusher(), testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Empty(t, res.Evicted)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	var subs []relay.Subscription
	for i := range 10 {
		subs = append(subs, sub(fmt.Sprintf("https://push.example/%d", i), ""))
	}
	r := newRegistry(t, subs...)
	pusher := newFakePusher()
	pusher.fail["https://push.example/3"] = errors.New("connection reset")
	pusher.fail["https://push.example/7"] = context.DeadlineExceeded

	res, err := New(r, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Attempted)
	assert.Equal(t, 8, res.Delivered)
	assert.Equal(t, []string{"https://push.example/3", "https://push.example/7"}, res.Evicted)
	assert.Equal(t, 8, r.Len())
	for _, s := range subs {
		assert.Equal(t, 1, pusher.count(s.Endpoint), "no retry within a pass")
	}

	for _, o := range res.Outcomes {
		if o.Endpoint == "https://push.example/7" {
			assert.Equal(t, Failed, o.Status)
			assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
		}
	}
}

func TestBroadcastCustomEvictPolicy(t *testing.T) {
	r := newRegistry(t, sub("https://push.example/1", ""))
	pusher := newFakePusher()
	pusher.fail["https://push.example/1"] = errors.New("temporary")

	keep := func(Outcome) bool { return false }
	res, err := New(r, pusher, testLogger(), WithEvictPolicy(keep)).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Empty(t, res.Evicted)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, Failed, res.Outcomes[0].Status)
}

func TestBroadcastConcurrencyBound(t *testing.T) {
	var subs []relay.Subscription
	for i := range 20 {
		subs = append(subs, sub(fmt.Sprintf("https://push.example/%d", i), ""))
	}
	pusher := newFakePusher()
	pusher.delay = 10 * time.Millisecond

	res, err := New(newRegistry(t, subs...), pusher, testLogger(), WithConcurrency(4)).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Delivered)
	assert.LessOrEqual(t, pusher.peak.Load(), int32(4))
	assert.Greater(t, pusher.peak.Load(), int32(1), "attempts should overlap")
}

func TestBroadcastPayload(t *testing.T) {
	pusher := newFakePusher()
	_, err := New(newRegistry(t, sub("https://push.example/1", "")), pusher, testLogger()).Broadcast(context.Background(),
		relay.Notification{Title: "Blood drive", Body: "Saturday", Link: "https://example.org/ad", TargetAttribute: "A+"})
	require.NoError(t, err)
	require.Len(t, pusher.payloads, 1)

	var p Payload
	require.NoError(t, json.Unmarshal(pusher.payloads[0], &p))
	assert.Equal(t, Payload{Title: "Blood drive", Body: "Saturday", Attribute: "A+", Link: "https://example.org/ad"}, p)
}

func TestBroadcastWhileRegistryMutates(t *testing.T) {
	ctx := context.Background()
	r := registry.New(nil, testLogger())
	pusher := newFakePusher()
	e := New(r, pusher, testLogger())

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Register(ctx, sub(fmt.Sprintf("https://push.example/%d", i), ""))
		}()
		go func() {
			defer wg.Done()
			res, err := e.Broadcast(ctx, relay.Notification{Title: "T", Body: "M"})
			assert.NoError(t, err)
			assert.Equal(t, res.Attempted, res.Delivered)
		}()
	}
	wg.Wait()
	assert.Equal(t, 30, r.Len())
}

func TestStaticRegistryReceivesEvictions(t *testing.T) {
	reg := &staticRegistry{subs: []relay.Subscription{sub("https://push.example/1", ""), sub("https://push.example/1", "")}}
	pusher := newFakePusher()
	pusher.fail["https://push.example/1"] = errors.New("boom")

	res, err := New(reg, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push.example/1"}, reg.removed)
	assert.Equal(t, []string{"https://push.example/1"}, res.Evicted)
}

// slowPusher succeeds after delay unless its context ends first.
type slowPusher struct {
	delay time.Duration
}

func (p slowPusher) Push(ctx context.Context, _ relay.Subscription, _ []byte) error {
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send push: %w", ctx.Err())
	}
}

func TestBroadcastSurvivesCallerCancellation(t *testing.T) {
	var subs []relay.Subscription
	for i := range 5 {
		subs = append(subs, sub(fmt.Sprintf("https://push.example/%d", i), ""))
	}
	r := newRegistry(t, subs...)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(10*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := New(r, slowPusher{delay: 50 * time.Millisecond}, testLogger(), WithConcurrency(2)).
		Broadcast(ctx, relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Error(t, ctx.Err(), "caller context was cancelled during the pass")
	assert.Equal(t, 5, res.Attempted)
	assert.Equal(t, 5, res.Delivered)
	assert.Empty(t, res.Evicted)
	assert.Equal(t, 5, r.Len())
}

func TestBroadcastCanceledAttemptKeepsSubscriber(t *testing.T) {
	r := newRegistry(t, sub("https://push.example/1", ""), sub("https://push.example/2", ""))
	pusher := newFakePusher()
	pusher.fail["https://push.example/1"] = fmt.Errorf("send push: %w", context.Canceled)
	pusher.fail["https://push.example/2"] = errors.New("410 gone")

	res, err := New(r, pusher, testLogger()).Broadcast(context.Background(), relay.Notification{Title: "T", Body: "M"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push.example/2"}, res.Evicted)
	assert.True(t, r.Contains("https://push.example/1"))
	assert.Equal(t, 1, r.Len())
	for _, o := range res.Outcomes {
		assert.Equal(t, Failed, o.Status)
	}
}
