package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodbank-notifier/pkg/relay"
)

func newLocal(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(nil, "", dir, slog.New(slog.DiscardHandler)), dir
}

func TestSubscriptionKey(t *testing.T) {
	a := SubscriptionKey("https://push.example/1")
	b := SubscriptionKey("https://push.example/2")

	assert.True(t, strings.HasPrefix(a, "sub-"))
	assert.True(t, strings.HasSuffix(a, ".json"))
	assert.Equal(t, a, SubscriptionKey("https://push.example/1"))
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/", "key must be a flat object name")
}

func TestSaveListDelete(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	one := relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k1", Auth: "a1"}, Attribute: "O-"}
	two := relay.Subscription{Endpoint: "https://push.example/2", Keys: relay.Keys{P256dh: "k2", Auth: "a2"}}

	require.NoError(t, s.Save(ctx, one))
	require.NoError(t, s.Save(ctx, two))
	require.NoError(t, s.Save(ctx, one), "saving twice overwrites")

	subs, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []relay.Subscription{one, two}, subs)

	require.NoError(t, s.DeleteByEndpoint(ctx, one.Endpoint))
	subs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []relay.Subscription{two}, subs)

	require.NoError(t, s.DeleteByEndpoint(ctx, "https://push.example/missing"))
}

func TestDeleteByEndpointRemovesStrays(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()

	sub := relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k1", Auth: "a1"}}
	require.NoError(t, s.Save(ctx, sub))

	// A duplicate row written under a legacy key name.
	data, err := os.ReadFile(filepath.Join(dir, SubscriptionKey(sub.Endpoint)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-legacy.json"), data, 0o600))

	subs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.NoError(t, s.DeleteByEndpoint(ctx, sub.Endpoint))
	subs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestListSkipsForeignAndCorruptFiles(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.db"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-broken.json"), []byte("{not json"), 0o600))
	require.NoError(t, s.Save(ctx, relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k", Auth: "a"}}))

	subs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestLoadNotFound(t *testing.T) {
	s, _ := newLocal(t)
	_, err := s.Load(context.Background(), SubscriptionKey("https://push.example/none"))
	assert.True(t, IsNotFound(err))
}

func TestListMissingDirectory(t *testing.T) {
	s := New(nil, "", filepath.Join(t.TempDir(), "absent"), slog.New(slog.DiscardHandler))
	subs, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDeleteByEndpointRemovesUnreadableObject(t *testing.T) {
	s, dir := newLocal(t)
	endpoint := "https://push.example/1"
	path := filepath.Join(dir, SubscriptionKey(endpoint))
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o600))

	require.NoError(t, s.DeleteByEndpoint(context.Background(), endpoint))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the endpoint's own object is deleted without being read")
}

func TestDeleteByEndpointReportsUnreadableStrays(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()

	sub := relay.Subscription{Endpoint: "https://push.example/1", Keys: relay.Keys{P256dh: "k1", Auth: "a1"}}
	require.NoError(t, s.Save(ctx, sub))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub-broken.json"), []byte("{not json"), 0o600))

	err := s.DeleteByEndpoint(ctx, sub.Endpoint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-broken.json")

	subs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}
