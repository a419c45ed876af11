package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodbank-notifier/pkg/relay"
)

type fakeDurable struct {
	mu       sync.Mutex
	rows     []relay.Subscription
	saveErr  error
	listErr  error
	deleteEr error
	deletes  []string
}

func (f *fakeDurable) Save(_ context.Context, sub relay.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.rows = append(f.rows, sub)
	return nil
}

func (f *fakeDurable) List(_ context.Context) ([]relay.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]relay.Subscription(nil), f.rows...), nil
}

func (f *fakeDurable) DeleteByEndpoint(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, endpoint)
	if f.deleteEr != nil {
		return f.deleteEr
	}
	kept := f.rows[:0]
	for _, r := range f.rows {
		if r.Endpoint != endpoint {
			kept = append(kept, r)
		}
	}
	f.rows = kept
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sub(endpoint, attribute string) relay.Subscription {
	return relay.Subscription{
		Endpoint:  endpoint,
		Keys:      relay.Keys{P256dh: "k1", Auth: "a1"},
		Attribute: attribute,
	}
}

func TestIsValidEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"https://push.example/1", true},
		{"https://fcm.googleapis.com/fcm/send/abc:def", true},
		{"http://localhost:8080/push", true},
		{"not-a-url", false},
		{"", false},
		{"/relative/path", false},
		{"https://", false},
		{"https://exa mple.com/x", false},
		{"://missing-scheme", false},
		{"mailto:someone@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidEndpoint(tt.endpoint))
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		sub     relay.Subscription
		missing string
	}{
		{"no endpoint", relay.Subscription{Keys: relay.Keys{P256dh: "k", Auth: "a"}}, "endpoint"},
		{"no p256dh", relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{Auth: "a"}}, "keys.p256dh"},
		{"no auth", relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k"}}, "keys.auth"},
		{"blank auth", relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k", Auth: "  "}}, "keys.auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			durable := &fakeDurable{}
			r := New(durable, testLogger())

			_, err := r.Register(context.Background(), tt.sub)
			require.ErrorIs(t, err, ErrInvalidSubscription)
			assert.Contains(t, err.Error(), tt.missing)
			assert.Equal(t, 0, r.Len())
			assert.Empty(t, durable.rows, "invalid registration must not reach the durable store")
		})
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	durable := &fakeDurable{}
	r := New(durable, testLogger())
	ctx := context.Background()

	status, err := r.Register(ctx, sub("https://push.example/1", ""))
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)
	assert.Equal(t, 1, r.Len())

	status, err = r.Register(ctx, sub("https://push.example/1", "A+"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, durable.rows, 1)
	assert.Empty(t, r.ListAll()[0].Attribute, "existing entry must not be replaced")
}

func TestRegisterStampsCreatedAt(t *testing.T) {
	r := New(nil, testLogger())
	_, err := r.Register(context.Background(), sub("https://push.example/1", ""))
	require.NoError(t, err)
	assert.False(t, r.ListAll()[0].CreatedAt.IsZero())
}

func TestRegisterSurvivesDurableFailure(t *testing.T) {
	durable := &fakeDurable{saveErr: errors.New("bucket unavailable")}
	r := New(durable, testLogger())

	status, err := r.Register(context.Background(), sub("https://push.example/1", ""))
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)
	assert.True(t, r.Contains("https://push.example/1"))
}

func TestRemove(t *testing.T) {
	durable := &fakeDurable{}
	r := New(durable, testLogger())
	ctx := context.Background()

	_, err := r.Register(ctx, sub("https://push.example/1", ""))
	require.NoError(t, err)
	_, err = r.Register(ctx, sub("https://push.example/2", ""))
	require.NoError(t, err)

	assert.True(t, r.Remove(ctx, "https://push.example/1"))
	assert.False(t, r.Contains("https://push.example/1"))
	assert.Equal(t, 1, r.Len())
	assert.Len(t, durable.rows, 1)

	// Unknown endpoint is a no-op, still forwarded to the durable store.
	assert.False(t, r.Remove(ctx, "https://push.example/missing"))
	assert.Equal(t, 1, r.Len())
	assert.Contains(t, durable.deletes, "https://push.example/missing")
}

func TestRemoveDeletesDuplicateDurableRows(t *testing.T) {
	durable := &fakeDurable{rows: []relay.Subscription{
		sub("https://push.example/1", ""),
		sub("https://push.example/1", ""),
		sub("https://push.example/2", ""),
	}}
	r := New(durable, testLogger())
	ctx := context.Background()
	require.Equal(t, 2, r.Hydrate(ctx))

	r.Remove(ctx, "https://push.example/1")
	assert.Equal(t, []relay.Subscription{sub("https://push.example/2", "")}, durable.rows)
}

func TestRemoveSurvivesDurableFailure(t *testing.T) {
	durable := &fakeDurable{deleteEr: errors.New("bucket unavailable")}
	r := New(durable, testLogger())
	ctx := context.Background()
	_, err := r.Register(ctx, sub("https://push.example/1", ""))
	require.NoError(t, err)

	assert.True(t, r.Remove(ctx, "https://push.example/1"))
	assert.Equal(t, 0, r.Len())
}

func TestHydrate(t *testing.T) {
	t.Run("loads and dedups", func(t *testing.T) {
		durable := &fakeDurable{rows: []relay.Subscription{
			sub("https://push.example/1", "O-"),
			sub("https://push.example/1", "O-"),
			sub("https://push.example/2", ""),
			{Endpoint: "https://push.example/3"}, // no keys
		}}
		r := New(durable, testLogger())
		assert.Equal(t, 2, r.Hydrate(context.Background()))
	})

	t.Run("read failure starts empty", func(t *testing.T) {
		durable := &fakeDurable{listErr: errors.New("permission denied")}
		r := New(durable, testLogger())
		assert.Equal(t, 0, r.Hydrate(context.Background()))
	})

	t.Run("memory only", func(t *testing.T) {
		r := New(nil, testLogger())
		assert.Equal(t, 0, r.Hydrate(context.Background()))
	})
}

func TestListAllIsSnapshot(t *testing.T) {
	r := New(nil, testLogger())
	ctx := context.Background()
	_, err := r.Register(ctx, sub("https://push.example/1", ""))
	require.NoError(t, err)

	snap := r.ListAll()
	_, err = r.Register(ctx, sub("https://push.example/2", ""))
	require.NoError(t, err)
	r.Remove(ctx, "https://push.example/1")

	require.Len(t, snap, 1)
	assert.Equal(t, "https://push.example/1", snap[0].Endpoint)
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		attr   string
		want   bool
	}{
		{"match all, untagged", MatchAll, "", true},
		{"match all, tagged", MatchAll, "B+", true},
		{"wildcard filter", ForAttribute("*"), "B+", true},
		{"same group", ForAttribute("O-"), "O-", true},
		{"case and space insensitive", ForAttribute(" ab+ "), "AB+", true},
		{"other group", ForAttribute("O-"), "B+", false},
		{"untagged receives targeted", ForAttribute("O-"), "", true},
		{"wildcard subscriber receives targeted", ForAttribute("O-"), "*", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(sub("https://push.example/1", tt.attr)))
		})
	}
}

func TestListMatching(t *testing.T) {
	r := New(nil, testLogger())
	ctx := context.Background()
	for i, attr := range []string{"A", "B", "A"} {
		_, err := r.Register(ctx, sub(fmt.Sprintf("https://push.example/%d", i), attr))
		require.NoError(t, err)
	}

	got := r.ListMatching(ForAttribute("A"))
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, "A", s.Attribute)
	}
	assert.Len(t, r.ListMatching(MatchAll), 3)
}

func TestPruneInvalid(t *testing.T) {
	durable := &fakeDurable{}
	r := New(durable, testLogger())
	ctx := context.Background()

	for _, ep := range []string{"https://push.example/1", "not-a-url", "https://push.example/2", "::::"} {
		_, err := r.Register(ctx, sub(ep, ""))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.PruneInvalid(ctx))
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains("https://push.example/1"))
	assert.True(t, r.Contains("https://push.example/2"))
	assert.False(t, r.Contains("not-a-url"))
	assert.Len(t, durable.rows, 2)

	assert.Equal(t, 0, r.PruneInvalid(ctx), "second sweep finds nothing")
}

func TestConcurrentMutationAndPrune(t *testing.T) {
	r := New(&fakeDurable{}, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = r.Register(ctx, sub(fmt.Sprintf("https://push.example/%d", i), ""))
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Register(ctx, sub(fmt.Sprintf("invalid-%d", i), ""))
		}()
		go func() {
			defer wg.Done()
			r.PruneInvalid(ctx)
			r.Remove(ctx, fmt.Sprintf("https://push.example/%d", i-1))
		}()
	}
	wg.Wait()
	r.PruneInvalid(ctx)

	seen := make(map[string]bool)
	for _, s := range r.ListAll() {
		assert.False(t, seen[s.Endpoint], "duplicate endpoint %s", s.Endpoint)
		seen[s.Endpoint] = true
		assert.True(t, IsValidEndpoint(s.Endpoint))
	}
	assert.Equal(t, len(seen), r.Len())
}

// gatedDurable holds every Save until release is closed.
type gatedDurable struct {
	*fakeDurable
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDurable) Save(ctx context.Context, sub relay.Subscription) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeDurable.Save(ctx, sub)
}

func TestRegisterSameEndpointWhileSaving(t *testing.T) {
	store := &gatedDurable{
		fakeDurable: &fakeDurable{},
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	r := New(store, testLogger())
	ctx := context.Background()

	first := make(chan Status, 1)
	go func() {
		status, err := r.Register(ctx, sub("https://push.example/1", "O-"))
		assert.NoError(t, err)
		first <- status
	}()
	<-store.entered

	status, err := r.Register(ctx, sub("https://push.example/1", "AB+"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)

	close(store.release)
	assert.Equal(t, Accepted, <-first)

	rows, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the first registration reaches the store")
	assert.Equal(t, "O-", rows[0].Attribute)
	require.Len(t, r.ListAll(), 1)
	assert.Equal(t, "O-", r.ListAll()[0].Attribute)
}
