package devserver_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/authsession/internal/apierrors"
	"github.com/pribylovaa/authsession/internal/clients"
	"github.com/pribylovaa/authsession/internal/config"
	"github.com/pribylovaa/authsession/internal/devserver"
	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/refresh"
	"github.com/pribylovaa/authsession/internal/session"
	"github.com/pribylovaa/authsession/internal/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stack struct {
	clock   *clock
	cfg     config.DevServerConfig
	store   *session.Store
	cl      *clients.Clients
	mgr     *session.Manager
	navN    atomic.Int32
	navLast atomic.Value
}

func newStack(t *testing.T) *stack {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &stack{
		clock: &clock{now: time.Now().UTC()},
		cfg: config.DevServerConfig{
			JWTSecret:       "e2e-secret",
			AccessTokenTTL:  time.Minute,
			RefreshTokenTTL: time.Hour,
			Issuer:          "authsession-e2e",
		},
	}

	svc := devserver.New(s.cfg, devserver.WithClock(s.clock.Now))
	srv := httptest.NewServer(devserver.NewRouter(svc, devserver.Options{Logger: log, BasePath: "/api"}))
	t.Cleanup(srv.Close)

	backend := memory.New()
	t.Cleanup(func() { _ = backend.Close() })
	s.store = session.NewStore(backend, log)

	cfg := config.Config{
		API:      config.APIConfig{BaseURL: srv.URL + "/api", UserAgent: "authsession-e2e"},
		Timeouts: config.TimeoutConfig{Request: 5 * time.Second},
	}

	cl, err := clients.New(cfg, s.store, log, clients.WithTransport(srv.Client().Transport))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	s.cl = cl

	s.mgr = session.NewManager(s.store, cl.API,
		session.WithLogger(log),
		session.WithNavigator(session.NavigatorFunc(func(_ context.Context, reason error) {
			s.navN.Add(1)
			if reason != nil {
				s.navLast.Store(reason)
			}
		})),
	)

	return s
}

func TestE2E_ExpiredAccessTokenRenewedTransparently(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()

	sess, err := s.mgr.Register(ctx, models.RegisterRequest{
		Email:    "olga@example.com",
		Password: "Str0ng!pass",
		FullName: "Olga",
	})
	require.NoError(t, err)

	s.clock.Advance(s.cfg.AccessTokenTTL + time.Second)

	renewed, unsub := s.cl.Renewed.Subscribe(4)
	defer unsub()

	const callers = 5

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.cl.API.Me(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	select {
	case ev := <-renewed:
		require.True(t, ev.Pair.Valid())
		require.Equal(t, ev.Pair.AccessToken, s.store.AccessToken(ctx))
	case <-time.After(time.Second):
		t.Fatal("renewed event not published")
	}

	require.NotEqual(t, sess.AccessToken, s.store.AccessToken(ctx))
	require.NotEqual(t, sess.RefreshToken, s.store.RefreshToken(ctx))
	require.Equal(t, refresh.StateIdle, s.cl.Coordinator.State())

	// Профиль сохранён вместе с новыми токенами.
	cur := s.store.Get(ctx)
	require.NotNil(t, cur)
	require.Equal(t, "Olga", cur.Profile.FullName)
	require.Zero(t, s.navN.Load())
}

func TestE2E_ExpiredRefreshTokenEndsSession(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()

	_, err := s.mgr.Register(ctx, models.RegisterRequest{Email: "pavel@example.com", Password: "Str0ng!pass"})
	require.NoError(t, err)

	s.clock.Advance(s.cfg.RefreshTokenTTL + time.Second)

	_, err = s.mgr.RefreshProfile(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, refresh.ErrRefreshFailed)
	require.Equal(t, apierrors.KindSessionEnded, apierrors.Classify(err))

	require.Nil(t, s.store.Get(ctx))
	require.False(t, s.mgr.IsAuthenticated())
	require.EqualValues(t, 1, s.navN.Load())
	require.NotNil(t, s.navLast.Load())
}

func TestE2E_LoginLogoutRestore(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := context.Background()

	_, err := s.mgr.Register(ctx, models.RegisterRequest{Email: "rita@example.com", Password: "Str0ng!pass"})
	require.NoError(t, err)
	require.NoError(t, s.mgr.Logout(ctx))
	require.False(t, s.mgr.IsAuthenticated())

	_, err = s.mgr.Login(ctx, "rita@example.com", "Wr0ng!pass")
	require.True(t, apierrors.IsUnauthorized(err))
	require.False(t, s.mgr.IsAuthenticated())

	sess, err := s.mgr.Login(ctx, "rita@example.com", "Str0ng!pass")
	require.NoError(t, err)

	// Новый менеджер поверх того же хранилища.
	restored := session.NewManager(s.store, s.cl.API, session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	got, done := restored.RestoreFromStorage(ctx)
	require.NotNil(t, got)
	require.Equal(t, sess.Profile.ID, got.Profile.ID)
	require.NoError(t, <-done)
	require.True(t, restored.IsAuthenticated())
}
