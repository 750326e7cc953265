// devserver - локальная реализация auth API для разработки и e2e-тестов:
// регистрация/вход, короткоживущие JWT, ротация refresh-токенов с отзывом,
// подтверждение email и ограничение частоты входа по IP.
//
// Состояние хранится в памяти процесса; экземпляр Service безопасен
// для конкурентного использования.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/authsession/internal/config"
	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/pkg/log"
	"github.com/pribylovaa/authsession/internal/pkg/redact"
)

var (
	// ErrInvalidCredentials - пара логин/пароль неверна или пользователь не найден. HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken - токен некорректен по формату/подписи или отсутствует. HTTP 401.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired - срок действия токена истёк. HTTP 401.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked - токен отозван (logout/rotation). HTTP 401.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrEmailTaken - e-mail уже занят. HTTP 409.
	ErrEmailTaken = errors.New("email already taken")
	// ErrRefreshTokenCollision - исчерпаны попытки сгенерировать уникальный токен. HTTP 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")
	// ErrInvalidEmail - e-mail имеет некорректный формат. HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")
	// ErrWeakPassword - пароль не удовлетворяет политике сложности. HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")
	// ErrEmptyPassword - пароль пустой. HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")
	// ErrAlreadyVerified - email уже подтверждён. HTTP 412.
	ErrAlreadyVerified = errors.New("email already verified")
)

const verifyTokenTTL = 24 * time.Hour

// VerificationSink получает одноразовый токен подтверждения (вместо отправки письма).
type VerificationSink func(ctx context.Context, email, token string)

type Service struct {
	repo     *memoryRepo
	cfg      config.DevServerConfig
	now      func() time.Time
	onVerify VerificationSink
}

type Option func(*Service)

// WithClock подменяет источник времени (выпуск и проверка токенов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithVerificationSink(fn VerificationSink) Option {
	return func(s *Service) { s.onVerify = fn }
}

func New(cfg config.DevServerConfig, opts ...Option) *Service {
	s := &Service{
		repo: newMemoryRepo(),
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
		onVerify: func(ctx context.Context, email, token string) {
			log.From(ctx).Info("verification_token_issued",
				slog.String("email", redact.Email(email)),
				slog.String("token", token),
			)
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register регистрирует пользователя и сразу выдаёт сессию.
func (s *Service) Register(ctx context.Context, in models.RegisterRequest) (models.AuthBundle, error) {
	const op = "devserver.Register"

	email, err := validateEmail(in.Email)
	if err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := validatePassword(in.Password); err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	u := user{
		Profile: models.UserProfile{
			ID:        uuid.NewString(),
			Email:     email,
			FullName:  strings.TrimSpace(in.FullName),
			Status:    "active",
			CreatedAt: s.now(),
		},
		PasswordHash: hash,
	}

	if err := s.repo.SaveUser(ctx, u); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return models.AuthBundle{}, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.issueVerifyToken(ctx, u.Profile); err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	return s.bundle(ctx, u.Profile)
}

// Login выполняет вход по email+пароль.
func (s *Service) Login(ctx context.Context, in models.LoginRequest) (models.AuthBundle, error) {
	const op = "devserver.Login"

	email, err := validateEmail(in.Email)
	if err != nil || in.Password == "" {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	u, err := s.repo.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.AuthBundle{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	if !checkPassword(u.PasswordHash, in.Password) {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	return s.bundle(ctx, u.Profile)
}

// Refresh обменивает refresh-токен на новую пару; старый токен отзывается.
// Повторное предъявление отозванного токена даёт ErrTokenRevoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "devserver.Refresh"

	rec, err := s.validateRefreshToken(ctx, refreshToken)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	u, err := s.repo.UserByID(ctx, rec.UserID)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	revoked, err := s.repo.RevokeRefreshToken(ctx, rec.Hash)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	if !revoked {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	pair, err := s.issueTokenPair(ctx, u.Profile)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return pair, nil
}

// Logout отзывает refresh-токен.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	const op = "devserver.Logout"

	revoked, err := s.repo.RevokeRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if !revoked {
		return fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	return nil
}

// Me возвращает профиль владельца access-токена.
func (s *Service) Me(ctx context.Context, accessToken string) (models.UserProfile, error) {
	const op = "devserver.Me"

	uid, err := s.validateAccessToken(accessToken)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("%s: %w", op, err)
	}

	u, err := s.repo.UserByID(ctx, uid)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return u.Profile, nil
}

// VerifyEmail подтверждает email одноразовым токеном.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	const op = "devserver.VerifyEmail"

	rec, err := s.repo.TakeVerifyToken(ctx, hashToken(token))
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if s.now().After(rec.ExpiresAt) {
		return fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	if err := s.repo.MarkEmailVerified(ctx, rec.UserID); err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return nil
}

// ResendVerification выпускает новый токен подтверждения.
// Неизвестный email не считается ошибкой, чтобы не раскрывать наличие аккаунта.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	const op = "devserver.ResendVerification"

	norm, err := validateEmail(email)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	u, err := s.repo.UserByEmail(ctx, norm)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if u.Profile.IsEmailVerified {
		return fmt.Errorf("%s: %w", op, ErrAlreadyVerified)
	}

	if err := s.issueVerifyToken(ctx, u.Profile); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RunJanitor периодически удаляет просроченные токены до отмены ctx.
func (s *Service) RunJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.repo.DeleteExpiredTokens(ctx, s.now())
			if err != nil {
				log.From(ctx).Warn("janitor_failed", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				log.From(ctx).Debug("janitor_deleted", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) bundle(ctx context.Context, p models.UserProfile) (models.AuthBundle, error) {
	pair, err := s.issueTokenPair(ctx, p)
	if err != nil {
		return models.AuthBundle{}, err
	}

	return models.AuthBundle{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		User:         p,
		Roles:        []string{"user"},
		Permissions:  []string{"profile:read"},
	}, nil
}

// issueTokenPair выпускает новую пару access+refresh токенов.
func (s *Service) issueTokenPair(ctx context.Context, p models.UserProfile) (models.TokenPair, error) {
	const op = "devserver.issueTokenPair"

	now := s.now()

	access, err := s.generateAccessToken(ctx, p.ID, p.Email, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refresh, err := s.generateRefreshToken(ctx, p.ID, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) issueVerifyToken(ctx context.Context, p models.UserProfile) error {
	plain, err := randomToken()
	if err != nil {
		return err
	}

	if err := s.repo.SaveVerifyToken(ctx, hashToken(plain), verifyRecord{
		UserID:    p.ID,
		ExpiresAt: s.now().Add(verifyTokenTTL),
	}); err != nil {
		return err
	}

	s.onVerify(ctx, p.Email, plain)

	return nil
}

// hashPassword хэширует пароль с помощью bcrypt.
func hashPassword(password string) (string, error) {
	const op = "devserver.hashPassword"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validateEmail проверяет базовый формат email и приводит к нижнему регистру.
func validateEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	return strings.ToLower(email), nil
}

// validatePassword: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	if len(pw) == 0 {
		return ErrEmptyPassword
	}

	if len([]rune(pw)) < 8 {
		return ErrWeakPassword
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return ErrWeakPassword
	}

	return nil
}
