package session

//go:generate mockgen -source=manager.go -destination=mocks/mock_manager.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pribylovaa/authsession/internal/apierrors"
	"github.com/pribylovaa/authsession/internal/events"
	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/pkg/redact"
	"github.com/pribylovaa/authsession/internal/storage"
)

// ErrNoSession - сохранённой сессии нет.
var ErrNoSession = errors.New("no session")

// AuthAPI - вызовы auth API, нужные менеджеру.
// Me идёт через авторизованную цепочку, остальные в обход координатора.
type AuthAPI interface {
	Register(ctx context.Context, in models.RegisterRequest) (models.AuthBundle, error)
	Login(ctx context.Context, in models.LoginRequest) (models.AuthBundle, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context) (models.UserProfile, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, email string) error
}

// Navigator переводит приложение на вход. reason == nil - обычный выход.
type Navigator interface {
	ToLogin(ctx context.Context, reason error)
}

// NavigatorFunc - адаптер функции к Navigator.
type NavigatorFunc func(ctx context.Context, reason error)

func (f NavigatorFunc) ToLogin(ctx context.Context, reason error) { f(ctx, reason) }

type Manager struct {
	store *Store
	api   AuthAPI
	nav   Navigator
	log   *slog.Logger

	logoutOnTransientError bool
	refreshProfileOnRenew  bool

	mu      sync.RWMutex
	current *models.Session
	// atLogin - приложение уже переведено ко входу; сбрасывается появлением сессии.
	atLogin bool
}

type Option func(*Manager)

func WithNavigator(n Navigator) Option {
	return func(m *Manager) {
		if n != nil {
			m.nav = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithLogoutOnTransientError - очищать сессию и при сетевой ошибке проверки на старте.
func WithLogoutOnTransientError(v bool) Option {
	return func(m *Manager) { m.logoutOnTransientError = v }
}

// WithRefreshProfileOnRenew - перечитывать профиль после обновления токенов.
func WithRefreshProfileOnRenew(v bool) Option {
	return func(m *Manager) { m.refreshProfileOnRenew = v }
}

func NewManager(store *Store, api AuthAPI, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		api:   api,
		nav:   NavigatorFunc(func(context.Context, error) {}),
		log:   slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Current - копия текущей сессии или nil.
func (m *Manager) Current() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}

	s := *m.current
	return &s
}

func (m *Manager) IsAuthenticated() bool {
	return m.Current() != nil
}

// Login вызывает /auth/login и только после успеха записывает сессию.
func (m *Manager) Login(ctx context.Context, email, password string) (*models.Session, error) {
	const op = "session.Manager.Login"

	bundle, err := m.api.Login(ctx, models.LoginRequest{Email: email, Password: password})
	if err != nil {
		m.log.Info("login_failed",
			slog.String("op", op),
			slog.String("email", redact.Email(email)),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := m.seed(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.log.Info("login_succeeded",
		slog.String("op", op),
		slog.String("email", redact.Email(email)),
		slog.String("user_id", sess.Profile.ID),
	)

	return sess, nil
}

func (m *Manager) Register(ctx context.Context, in models.RegisterRequest) (*models.Session, error) {
	const op = "session.Manager.Register"

	bundle, err := m.api.Register(ctx, in)
	if err != nil {
		m.log.Info("register_failed",
			slog.String("op", op),
			slog.String("email", redact.Email(in.Email)),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := m.seed(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.log.Info("register_succeeded",
		slog.String("op", op),
		slog.String("email", redact.Email(in.Email)),
		slog.String("user_id", sess.Profile.ID),
	)

	return sess, nil
}

// Logout уведомляет сервер по возможности; локальная очистка выполняется всегда.
func (m *Manager) Logout(ctx context.Context) error {
	const op = "session.Manager.Logout"

	if rt := m.store.RefreshToken(ctx); rt != "" {
		if err := m.api.Logout(ctx, rt); err != nil {
			m.log.Warn("logout_notify_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}
	}

	err := m.store.Clear(ctx)
	m.setCurrent(nil)
	m.markAtLogin()
	m.nav.ToLogin(ctx, nil)

	m.log.Info("logout_completed", slog.String("op", op))

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshProfile перечитывает профиль. Любая ошибка завершает сессию.
func (m *Manager) RefreshProfile(ctx context.Context) (models.UserProfile, error) {
	const op = "session.Manager.RefreshProfile"

	p, err := m.fetchProfile(ctx)
	if err != nil {
		m.invalidate(ctx, op, err)
		return models.UserProfile{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

// RestoreFromStorage сразу возвращает сохранённую сессию (или nil) и проверяет её
// в фоне через /auth/me. Канал получает результат проверки и закрывается.
//
// Сессия очищается при ошибках авторизации. Сетевые ошибки и таймауты оставляют
// её на месте, если не включён WithLogoutOnTransientError.
func (m *Manager) RestoreFromStorage(ctx context.Context) (*models.Session, <-chan error) {
	const op = "session.Manager.RestoreFromStorage"

	done := make(chan error, 1)

	sess := m.store.Get(ctx)
	m.setCurrent(sess)

	if sess == nil {
		done <- ErrNoSession
		close(done)
		return nil, done
	}

	go func() {
		defer close(done)

		_, err := m.fetchProfile(ctx)
		if err == nil {
			m.log.Info("session_restored", slog.String("op", op), slog.String("user_id", m.userID()))
			done <- nil
			return
		}

		kind := apierrors.Classify(err)
		if m.clearsOnRestore(kind) {
			m.invalidate(ctx, op, err)
		} else {
			m.log.Warn("session_validation_deferred",
				slog.String("op", op),
				slog.String("kind", kind.String()),
				slog.String("err", err.Error()),
			)
		}

		done <- fmt.Errorf("%s: %w", op, err)
	}()

	return sess, done
}

// VerifyEmail подтверждает email; текущий профиль помечается подтверждённым.
func (m *Manager) VerifyEmail(ctx context.Context, token string) error {
	const op = "session.Manager.VerifyEmail"

	if err := m.api.VerifyEmail(ctx, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	cur := m.Current()
	if cur == nil {
		return nil
	}

	cur.Profile.IsEmailVerified = true
	if err := m.store.UpdateProfile(ctx, cur.Profile); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.setCurrent(cur)

	return nil
}

func (m *Manager) ResendVerification(ctx context.Context, email string) error {
	const op = "session.Manager.ResendVerification"

	if err := m.api.ResendVerification(ctx, email); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Sources - сигналы, на которые подписывается Watch. nil-каналы игнорируются.
type Sources struct {
	Changes     <-chan storage.Change
	Renewed     <-chan events.Renewed
	Invalidated <-chan events.Invalidated
}

// Watch синхронизирует состояние менеджера до отмены ctx или закрытия всех каналов:
//   - изменения хранилища - перечитать сессию из хранилища (без сети);
//   - обновление токенов - перечитать сессию, по настройке обновить профиль;
//   - принудительное завершение - сбросить состояние и перейти ко входу.
func (m *Manager) Watch(ctx context.Context, src Sources) error {
	const op = "session.Manager.Watch"

	changes, renewed, invalidated := src.Changes, src.Renewed, src.Invalidated

	for changes != nil || renewed != nil || invalidated != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !storage.IsSessionKey(c.Key) {
				continue
			}
			m.reload(ctx)
			m.log.Debug("session_reloaded",
				slog.String("op", op),
				slog.String("key", c.Key),
				slog.Bool("authenticated", m.IsAuthenticated()),
			)

		case _, ok := <-renewed:
			if !ok {
				renewed = nil
				continue
			}
			m.reload(ctx)
			if m.refreshProfileOnRenew && m.IsAuthenticated() {
				if _, err := m.RefreshProfile(ctx); err != nil {
					m.log.Warn("profile_refresh_after_renew_failed",
						slog.String("op", op),
						slog.String("err", err.Error()),
					)
				}
			}

		case ev, ok := <-invalidated:
			if !ok {
				invalidated = nil
				continue
			}
			m.setCurrent(nil)
			m.toLogin(ctx, op, ev.Reason)
		}
	}

	return ctx.Err()
}

func (m *Manager) seed(ctx context.Context, bundle models.AuthBundle) (*models.Session, error) {
	sess := bundle.Session()
	if err := m.store.Set(ctx, sess); err != nil {
		return nil, err
	}

	m.setCurrent(&sess)

	return m.Current(), nil
}

func (m *Manager) fetchProfile(ctx context.Context) (models.UserProfile, error) {
	p, err := m.api.Me(ctx)
	if err != nil {
		return models.UserProfile{}, err
	}

	if err := m.store.UpdateProfile(ctx, p); err != nil {
		return models.UserProfile{}, err
	}

	m.reload(ctx)

	return p, nil
}

func (m *Manager) clearsOnRestore(kind apierrors.Kind) bool {
	switch kind {
	case apierrors.KindUnauthorized, apierrors.KindSessionEnded:
		return true
	default:
		return m.logoutOnTransientError
	}
}

func (m *Manager) invalidate(ctx context.Context, op string, reason error) {
	if err := m.store.Clear(ctx); err != nil {
		m.log.Error("session_clear_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
	}

	m.setCurrent(nil)

	m.log.Warn("session_cleared",
		slog.String("op", op),
		slog.String("reason", reason.Error()),
	)

	m.toLogin(ctx, op, reason)
}

// toLogin переводит ко входу один раз на завершённую сессию: RefreshProfile и
// событие координатора об одном и том же конце сессии дают один переход.
func (m *Manager) toLogin(ctx context.Context, op string, reason error) {
	if m.markAtLogin() {
		m.log.Debug("navigation_suppressed",
			slog.String("op", op),
			slog.Any("reason", reason),
		)
		return
	}

	m.nav.ToLogin(ctx, reason)
}

// markAtLogin отмечает переход ко входу и сообщает, был ли он уже сделан.
func (m *Manager) markAtLogin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	already := m.atLogin
	m.atLogin = true

	return already
}

func (m *Manager) reload(ctx context.Context) {
	m.setCurrent(m.store.Get(ctx))
}

func (m *Manager) setCurrent(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s
	if s != nil {
		m.atLogin = false
	}
}

func (m *Manager) userID() string {
	if s := m.Current(); s != nil {
		return s.Profile.ID
	}
	return ""
}
