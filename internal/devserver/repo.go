package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pribylovaa/authsession/internal/models"
)

var (
	// ErrNotFound - запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists - нарушение уникальности (email/refresh-token).
	ErrAlreadyExists = errors.New("already exists")
)

type user struct {
	Profile      models.UserProfile
	PasswordHash string
}

// refreshRecord - refresh-токен; на сервере хранится только его хэш.
type refreshRecord struct {
	Hash      string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

type verifyRecord struct {
	UserID    string
	ExpiresAt time.Time
}

// memoryRepo - пользователи и токены в памяти процесса.
type memoryRepo struct {
	mu        sync.RWMutex
	users     map[string]*user
	idByEmail map[string]string
	refresh   map[string]*refreshRecord
	verify    map[string]verifyRecord
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:     make(map[string]*user),
		idByEmail: make(map[string]string),
		refresh:   make(map[string]*refreshRecord),
		verify:    make(map[string]verifyRecord),
	}
}

func (r *memoryRepo) SaveUser(_ context.Context, u user) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.idByEmail[u.Profile.Email]; ok {
		return ErrAlreadyExists
	}

	r.users[u.Profile.ID] = &u
	r.idByEmail[u.Profile.Email] = u.Profile.ID

	return nil
}

func (r *memoryRepo) UserByEmail(_ context.Context, email string) (user, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.idByEmail[email]
	if !ok {
		return user{}, ErrNotFound
	}

	return *r.users[id], nil
}

func (r *memoryRepo) UserByID(_ context.Context, id string) (user, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return user{}, ErrNotFound
	}

	return *u, nil
}

// MarkEmailVerified помечает email пользователя подтверждённым.
func (r *memoryRepo) MarkEmailVerified(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Profile.IsEmailVerified = true

	return nil
}

func (r *memoryRepo) SaveRefreshToken(_ context.Context, rec refreshRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.refresh[rec.Hash]; ok {
		return ErrAlreadyExists
	}
	r.refresh[rec.Hash] = &rec

	return nil
}

func (r *memoryRepo) RefreshTokenByHash(_ context.Context, hash string) (refreshRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.refresh[hash]
	if !ok {
		return refreshRecord{}, ErrNotFound
	}

	return *rec, nil
}

// RevokeRefreshToken отзывает токен; false - токен уже был отозван.
func (r *memoryRepo) RevokeRefreshToken(_ context.Context, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.refresh[hash]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Revoked {
		return false, nil
	}
	rec.Revoked = true

	return true, nil
}

// DeleteExpiredTokens удаляет просроченные refresh- и verify-токены.
func (r *memoryRepo) DeleteExpiredTokens(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for h, rec := range r.refresh {
		if now.After(rec.ExpiresAt) {
			delete(r.refresh, h)
			n++
		}
	}
	for h, rec := range r.verify {
		if now.After(rec.ExpiresAt) {
			delete(r.verify, h)
			n++
		}
	}

	return n, nil
}

func (r *memoryRepo) SaveVerifyToken(_ context.Context, hash string, rec verifyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.verify[hash]; ok {
		return ErrAlreadyExists
	}
	r.verify[hash] = rec

	return nil
}

// TakeVerifyToken извлекает и удаляет токен подтверждения (одноразовый).
func (r *memoryRepo) TakeVerifyToken(_ context.Context, hash string) (verifyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.verify[hash]
	if !ok {
		return verifyRecord{}, ErrNotFound
	}
	delete(r.verify, hash)

	return rec, nil
}
