// session хранит и сопровождает сессию клиента.
//
// Store - тонкий слой над storage.Backend: ключи, сериализация профиля,
// атомарность многоключевых записей и самовосстановление при порче.
// Manager - операции жизненного цикла (вход, выход, восстановление, синхронизация).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/storage"
)

// ErrIncompleteCredentials - попытка записать только один из двух токенов.
var ErrIncompleteCredentials = errors.New("access and refresh tokens must be set together")

type Store struct {
	mu      sync.RWMutex
	backend storage.Backend
	log     *slog.Logger
}

func NewStore(backend storage.Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{backend: backend, log: log}
}

// Get возвращает сохранённую сессию или nil.
// Частичное состояние (один токен без другого или без профиля) сессией не считается.
// Испорченные данные очищаются, ошибка наружу не выходит.
func (s *Store) Get(ctx context.Context) *models.Session {
	const op = "session.Store.Get"

	s.mu.RLock()
	access, refresh, rawUser, err := s.readAll(ctx)
	s.mu.RUnlock()

	if err != nil {
		if errors.Is(err, storage.ErrCorrupted) {
			s.clearCorrupted(ctx, op, err)
			return nil
		}
		s.log.Warn("session_read_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil
	}

	if access == "" || refresh == "" || rawUser == "" {
		return nil
	}

	var profile models.UserProfile
	if err := json.Unmarshal([]byte(rawUser), &profile); err != nil {
		s.clearCorrupted(ctx, op, err)
		return nil
	}

	return &models.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		Profile:      profile,
	}
}

// AccessToken - текущий access-токен или "".
func (s *Store) AccessToken(ctx context.Context) string {
	return s.readKey(ctx, storage.KeyAccessToken)
}

// RefreshToken - текущий refresh-токен или "".
func (s *Store) RefreshToken(ctx context.Context) string {
	return s.readKey(ctx, storage.KeyRefreshToken)
}

// Set атомарно записывает сессию целиком.
func (s *Store) Set(ctx context.Context, sess models.Session) error {
	const op = "session.Store.Set"

	if sess.AccessToken == "" || sess.RefreshToken == "" {
		return fmt.Errorf("%s: %w", op, ErrIncompleteCredentials)
	}

	user, err := json.Marshal(sess.Profile)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  sess.AccessToken,
		storage.KeyRefreshToken: sess.RefreshToken,
		storage.KeyUser:         string(user),
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// UpdateCredentials атомарно заменяет оба токена, профиль не трогает.
func (s *Store) UpdateCredentials(ctx context.Context, access, refresh string) error {
	const op = "session.Store.UpdateCredentials"

	if access == "" || refresh == "" {
		return fmt.Errorf("%s: %w", op, ErrIncompleteCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetMany(ctx, map[string]string{
		storage.KeyAccessToken:  access,
		storage.KeyRefreshToken: refresh,
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RotateCredentials заменяет оба токена, только если сохранённый refresh-токен
// всё ещё равен prevRefresh. false - сессию за это время очистили или заменили,
// новая пара не записана.
func (s *Store) RotateCredentials(ctx context.Context, prevRefresh, access, refresh string) (bool, error) {
	const op = "session.Store.RotateCredentials"

	if prevRefresh == "" || access == "" || refresh == "" {
		return false, fmt.Errorf("%s: %w", op, ErrIncompleteCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.backend.CompareAndSetMany(ctx, storage.KeyRefreshToken, prevRefresh, map[string]string{
		storage.KeyAccessToken:  access,
		storage.KeyRefreshToken: refresh,
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return ok, nil
}

// UpdateProfile заменяет профиль целиком.
func (s *Store) UpdateProfile(ctx context.Context, profile models.UserProfile) error {
	const op = "session.Store.UpdateProfile"

	user, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetMany(ctx, map[string]string{storage.KeyUser: string(user)}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Clear удаляет все ключи сессии. Повторный вызов безопасен.
func (s *Store) Clear(ctx context.Context) error {
	const op = "session.Store.Clear"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, storage.Keys...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// readAll читает все ключи одним снимком хранилища.
func (s *Store) readAll(ctx context.Context) (access, refresh, user string, err error) {
	m, err := s.backend.GetMany(ctx, storage.Keys...)
	if err != nil {
		return "", "", "", err
	}

	return m[storage.KeyAccessToken], m[storage.KeyRefreshToken], m[storage.KeyUser], nil
}

func (s *Store) readKey(ctx context.Context, key string) string {
	const op = "session.Store.readKey"

	s.mu.RLock()
	v, _, err := s.backend.Get(ctx, key)
	s.mu.RUnlock()

	if err != nil {
		if errors.Is(err, storage.ErrCorrupted) {
			s.clearCorrupted(ctx, op, err)
		}
		return ""
	}

	return v
}

func (s *Store) clearCorrupted(ctx context.Context, op string, cause error) {
	s.log.Warn("session_corrupted_cleared",
		slog.String("op", op),
		slog.String("err", cause.Error()),
	)

	if err := s.Clear(ctx); err != nil {
		s.log.Error("session_clear_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
	}
}
