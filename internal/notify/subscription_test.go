package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/flowguild/pkg/cerr"
	"github.com/kazz187/flowguild/pkg/storage"
)

func newTestStore(t *testing.T) *YAMLStore {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewYAMLStore(st)
}

func testSubscription(endpoint string) *Subscription {
	return &Subscription{
		Endpoint:  endpoint,
		P256dhKey: "p256dh-key",
		AuthKey:   "auth-key",
	}
}

func TestCreateAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sub := testSubscription("https://push.example.com/sub/1")
	require.NoError(t, store.Create(ctx, sub))

	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.CreatedAt.IsZero())

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Endpoint, got.Endpoint)
	assert.Equal(t, "p256dh-key", got.P256dhKey)
	assert.Equal(t, "auth-key", got.AuthKey)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sub := testSubscription("https://push.example.com/sub/1")
	require.NoError(t, store.Create(ctx, sub))

	dup := testSubscription("https://push.example.com/sub/2")
	dup.ID = sub.ID
	err := store.Create(ctx, dup)
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))
}

func TestGetMissingSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, "01JUNKJUNKJUNKJUNKJUNKJUNK")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestListReturnsAllSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, testSubscription("https://push.example.com/sub/"+string(rune('a'+i)))))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteRemovesSubscription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sub := testSubscription("https://push.example.com/sub/1")
	require.NoError(t, store.Create(ctx, sub))
	require.NoError(t, store.Delete(ctx, sub.ID))

	_, err := store.Get(ctx, sub.ID)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))

	err = store.Delete(ctx, sub.ID)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestFindByEndpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := testSubscription("https://push.example.com/sub/1")
	second := testSubscription("https://push.example.com/sub/2")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	got, err := store.FindByEndpoint(ctx, "https://push.example.com/sub/2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = store.FindByEndpoint(ctx, "https://push.example.com/sub/3")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestRegisterValidatesFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cases := []*Subscription{
		{P256dhKey: "k", AuthKey: "a"},
		{Endpoint: "https://push.example.com/sub/1", AuthKey: "a"},
		{Endpoint: "https://push.example.com/sub/1", P256dhKey: "k"},
	}
	for _, sub := range cases {
		_, err := Register(ctx, store, sub)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegisterReplacesSameEndpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := Register(ctx, store, testSubscription("https://push.example.com/sub/1"))
	require.NoError(t, err)

	renewed := testSubscription("https://push.example.com/sub/1")
	renewed.P256dhKey = "rotated-p256dh"
	renewed.AuthKey = "rotated-auth"
	second, err := Register(ctx, store, renewed)
	require.NoError(t, err)

	// Re-registering the same endpoint updates keys in place.
	assert.Equal(t, first.ID, second.ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "rotated-p256dh", all[0].P256dhKey)
	assert.Equal(t, "rotated-auth", all[0].AuthKey)
}
