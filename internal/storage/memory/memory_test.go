package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pribylovaa/authsession/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	_, ok, err := s.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
	}))

	v, ok, err := s.Get(ctx, storage.KeyRefreshToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rt", v)

	require.NoError(t, s.Delete(ctx, storage.KeyAccessToken, storage.KeyRefreshToken, "missing"))
	_, ok, _ = s.Get(ctx, storage.KeyAccessToken)
	require.False(t, ok)
}

func TestStore_Watch_ReceivesChanges(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetMany(ctx, map[string]string{storage.KeyUser: "{}"}))
	require.NoError(t, s.Delete(ctx, storage.KeyUser))

	require.Equal(t, storage.Change{Key: storage.KeyUser, Value: "{}"}, <-ch)
	require.Equal(t, storage.Change{Key: storage.KeyUser, Deleted: true}, <-ch)
}

func TestStore_Watch_ClosedOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s := New()
	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("канал не закрылся после отмены контекста")
	}
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), storage.KeyUser)
	require.ErrorIs(t, err, storage.ErrClosed)
	require.ErrorIs(t, s.SetMany(context.Background(), map[string]string{"k": "v"}), storage.ErrClosed)
}

func TestStore_GetMany_OmitsMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.SetMany(ctx, map[string]string{storage.KeyAccessToken: "at"}))

	got, err := s.GetMany(ctx, storage.Keys...)
	require.NoError(t, err)
	require.Equal(t, map[string]string{storage.KeyAccessToken: "at"}, got)
}

func TestStore_CompareAndSetMany(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	// Отсутствующий ключ равен "".
	ok, err := s.CompareAndSetMany(ctx, storage.KeyRefreshToken, "", map[string]string{storage.KeyRefreshToken: "rt1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompareAndSetMany(ctx, storage.KeyRefreshToken, "stale", map[string]string{
		storage.KeyAccessToken:  "at2",
		storage.KeyRefreshToken: "rt2",
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetMany(ctx, storage.Keys...)
	require.NoError(t, err)
	require.Equal(t, map[string]string{storage.KeyRefreshToken: "rt1"}, got)

	ok, err = s.CompareAndSetMany(ctx, storage.KeyRefreshToken, "rt1", map[string]string{
		storage.KeyAccessToken:  "at2",
		storage.KeyRefreshToken: "rt2",
	})
	require.NoError(t, err)
	require.True(t, ok)

	v, _, _ := s.Get(ctx, storage.KeyAccessToken)
	require.Equal(t, "at2", v)
}
