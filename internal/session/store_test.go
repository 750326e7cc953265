package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/storage"
	"github.com/pribylovaa/authsession/internal/storage/file"
	"github.com/pribylovaa/authsession/internal/storage/memory"
)

func testProfile() models.UserProfile {
	return models.UserProfile{
		ID:              "u-1",
		Email:           "alice@example.com",
		FullName:        "Alice",
		IsEmailVerified: true,
		Status:          "active",
		CreatedAt:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newMemStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()

	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })

	return NewStore(backend, slog.New(slog.NewTextHandler(io.Discard, nil))), backend
}

func TestStore_SetGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newMemStore(t)

	require.Nil(t, s.Get(ctx))

	want := models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}
	require.NoError(t, s.Set(ctx, want))

	got := s.Get(ctx)
	require.NotNil(t, got)
	require.Equal(t, want, *got)
	require.Equal(t, "at", s.AccessToken(ctx))
	require.Equal(t, "rt", s.RefreshToken(ctx))
}

func TestStore_Set_RejectsPartialCredentials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newMemStore(t)

	err := s.Set(ctx, models.Session{AccessToken: "at", Profile: testProfile()})
	require.ErrorIs(t, err, ErrIncompleteCredentials)
	require.ErrorIs(t, s.UpdateCredentials(ctx, "", "rt"), ErrIncompleteCredentials)
	require.Equal(t, "", s.AccessToken(ctx))
}

func TestStore_UpdateCredentials_KeepsProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newMemStore(t)

	require.NoError(t, s.Set(ctx, models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}))
	require.NoError(t, s.UpdateCredentials(ctx, "at2", "rt2"))

	got := s.Get(ctx)
	require.NotNil(t, got)
	require.Equal(t, "at2", got.AccessToken)
	require.Equal(t, "rt2", got.RefreshToken)
	require.Equal(t, testProfile(), got.Profile)
}

func TestStore_RotateCredentials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newMemStore(t)

	require.NoError(t, s.Set(ctx, models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}))

	ok, err := s.RotateCredentials(ctx, "rt", "at2", "rt2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at2", s.AccessToken(ctx))
	require.Equal(t, testProfile(), s.Get(ctx).Profile)

	// Сессию очистили, пока шло обновление: пара не воскрешает её.
	require.NoError(t, s.Clear(ctx))
	ok, err = s.RotateCredentials(ctx, "rt2", "at3", "rt3")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, s.Get(ctx))
	require.Empty(t, s.AccessToken(ctx))

	_, err = s.RotateCredentials(ctx, "rt2", "", "rt3")
	require.ErrorIs(t, err, ErrIncompleteCredentials)
}

func TestStore_UpdateProfile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newMemStore(t)

	require.NoError(t, s.Set(ctx, models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}))

	phone := "+100"
	p := testProfile()
	p.FullName = "Alice B"
	p.PhoneNumber = &phone
	require.NoError(t, s.UpdateProfile(ctx, p))

	got := s.Get(ctx)
	require.NotNil(t, got)
	require.Equal(t, p, got.Profile)
}

func TestStore_Clear_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, backend := newMemStore(t)

	require.NoError(t, s.Set(ctx, models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	require.Nil(t, s.Get(ctx))
	for _, k := range storage.Keys {
		_, ok, err := backend.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, k)
	}
}

func TestStore_Get_PartialStateIsAbsent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kv   map[string]string
	}{
		{name: "only access", kv: map[string]string{storage.KeyAccessToken: "at"}},
		{name: "no profile", kv: map[string]string{storage.KeyAccessToken: "at", storage.KeyRefreshToken: "rt"}},
		{name: "no refresh", kv: map[string]string{storage.KeyAccessToken: "at", storage.KeyUser: `{"id":"u"}`}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s, backend := newMemStore(t)
			require.NoError(t, backend.SetMany(ctx, tt.kv))

			require.Nil(t, s.Get(ctx))
		})
	}
}

func TestStore_Get_CorruptedProfileIsCleared(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, backend := newMemStore(t)

	require.NoError(t, backend.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
		storage.KeyUser:         "{not json",
	}))

	require.Nil(t, s.Get(ctx))

	_, ok, err := backend.Get(ctx, storage.KeyAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_Get_CorruptedFileIsCleared(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	backend, err := file.New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	s := NewStore(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Nil(t, s.Get(ctx))
	require.Equal(t, "", s.AccessToken(ctx))

	// После очистки хранилище снова пригодно для записи.
	require.NoError(t, s.Set(ctx, models.Session{AccessToken: "at", RefreshToken: "rt", Profile: testProfile()}))
	require.NotNil(t, s.Get(ctx))
}
