package devserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pribylovaa/authsession/internal/pkg/log"
)

type accessClaims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// generateAccessToken генерирует access-токен.
func (s *Service) generateAccessToken(ctx context.Context, userID, email string, now time.Time) (string, error) {
	const op = "devserver.generateAccessToken"

	claims := accessClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   userID,
			// Уникальность токена при выпуске в одну секунду.
			ID: randomID(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		log.From(ctx).Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// validateAccessToken валидирует access-токен и возвращает id пользователя.
func (s *Service) validateAccessToken(tokenStr string) (string, error) {
	const op = "devserver.validateAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}
		return "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims.UserID, nil
}

// generateRefreshToken создаёт refresh-токен и сохраняет его хэш.
func (s *Service) generateRefreshToken(ctx context.Context, userID string, now time.Time) (string, error) {
	const (
		op          = "devserver.generateRefreshToken"
		maxAttempts = 5
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		plain, err := randomToken()
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}

		err = s.repo.SaveRefreshToken(ctx, refreshRecord{
			Hash:      hashToken(plain),
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
		})
		if err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				// Редкая коллизия - пробуем сгенерировать заново.
				continue
			}
			return "", fmt.Errorf("%s: %w", op, err)
		}

		return plain, nil
	}

	log.From(ctx).Error("refresh_collision_exceeded", slog.String("op", op))

	return "", fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// validateRefreshToken проверяет наличие, отзыв и срок refresh-токена.
func (s *Service) validateRefreshToken(ctx context.Context, plain string) (refreshRecord, error) {
	const op = "devserver.validateRefreshToken"

	lg := log.From(ctx)

	rec, err := s.repo.RefreshTokenByHash(ctx, hashToken(plain))
	if err != nil {
		lg.Warn("refresh_lookup_not_found", slog.String("op", op))
		return refreshRecord{}, ErrInvalidToken
	}

	if rec.Revoked {
		lg.Warn("refresh_revoked",
			slog.String("op", op),
			slog.String("user_id", rec.UserID),
		)
		return refreshRecord{}, ErrTokenRevoked
	}

	if s.now().After(rec.ExpiresAt) {
		lg.Warn("refresh_expired",
			slog.String("op", op),
			slog.String("user_id", rec.UserID),
		)
		return refreshRecord{}, ErrTokenExpired
	}

	return rec, nil
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
