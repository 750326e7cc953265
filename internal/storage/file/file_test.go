package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pribylovaa/authsession/internal/storage"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	a := newStore(t, path)
	require.NoError(t, a.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
	}))

	b := newStore(t, path)
	v, ok, err := b.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at", v)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestStore_MissingFile_IsEmpty(t *testing.T) {
	t.Parallel()

	s := newStore(t, filepath.Join(t.TempDir(), "session.json"))

	_, ok, err := s.Get(context.Background(), storage.KeyUser)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Delete(context.Background(), storage.KeyUser))
}

func TestStore_Corrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := newStore(t, path)

	_, _, err := s.Get(ctx, storage.KeyAccessToken)
	require.ErrorIs(t, err, storage.ErrCorrupted)

	// Delete лечит битый документ.
	require.NoError(t, s.Delete(ctx, storage.Keys...))
	_, ok, err := s.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SetMany_OverwritesCorrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0o600))

	s := newStore(t, path)
	require.NoError(t, s.SetMany(ctx, map[string]string{storage.KeyUser: `{"id":"u1"}`}))

	v, ok, err := s.Get(ctx, storage.KeyUser)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"id":"u1"}`, v)
}

// Изменения, сделанные другим экземпляром (другим процессом), приходят в Watch.
func TestStore_Watch_SeesForeignWrites(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "session.json")
	watcher := newStore(t, path)
	writer := newStore(t, path)

	ch, err := watcher.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.SetMany(ctx, map[string]string{storage.KeyAccessToken: "at2"}))

	select {
	case c := <-ch:
		require.Equal(t, storage.Change{Key: storage.KeyAccessToken, Value: "at2"}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("изменение не пришло")
	}

	require.NoError(t, writer.Delete(ctx, storage.KeyAccessToken))

	select {
	case c := <-ch:
		require.Equal(t, storage.Change{Key: storage.KeyAccessToken, Deleted: true}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("удаление не пришло")
	}

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("канал не закрылся после отмены контекста")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	got := diff(
		map[string]string{"a": "1", "b": "2", "c": "3"},
		map[string]string{"a": "1", "b": "20", "d": "4"},
	)

	require.Equal(t, []storage.Change{
		{Key: "b", Value: "20"},
		{Key: "c", Deleted: true},
		{Key: "d", Value: "4"},
	}, got)
}

func TestStore_GetMany_SingleRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, s.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
	}))

	got, err := s.GetMany(ctx, storage.Keys...)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
	}, got)
}

func TestStore_CompareAndSetMany_AcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	a := newStore(t, path)
	b := newStore(t, path)

	require.NoError(t, a.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  "at1",
		storage.KeyRefreshToken: "rt1",
	}))

	// b очистил сессию, a пытается записать обновлённую пару.
	require.NoError(t, b.Delete(ctx, storage.KeyAccessToken, storage.KeyRefreshToken))

	ok, err := a.CompareAndSetMany(ctx, storage.KeyRefreshToken, "rt1", map[string]string{
		storage.KeyAccessToken:  "at2",
		storage.KeyRefreshToken: "rt2",
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := b.GetMany(ctx, storage.Keys...)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStore_SetMany_ConcurrentInstancesKeepAllKeys(t *testing.T) {
	t.Parallel()

	const writers = 8
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		s := newStore(t, path)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SetMany(ctx, map[string]string{"k" + strconv.Itoa(i): "v"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	keys := make([]string, writers)
	for i := range keys {
		keys[i] = "k" + strconv.Itoa(i)
	}

	got, err := newStore(t, path).GetMany(ctx, keys...)
	require.NoError(t, err)
	require.Len(t, got, writers)
}
