// api - клиент auth API поверх двух http.Client:
//   - public - без координатора обновления (login/register/refresh/logout/verify/resend);
//   - authorized - полная цепочка с Bearer и обработкой 401 (me и прикладные вызовы).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/pribylovaa/authsession/internal/apierrors"
	"github.com/pribylovaa/authsession/internal/models"
)

// Пути auth API относительно base URL.
const (
	PathRegister           = "/auth/register"
	PathLogin              = "/auth/login"
	PathRefresh            = "/auth/refresh"
	PathLogout             = "/auth/logout"
	PathVerifyEmail        = "/auth/verify-email"
	PathResendVerification = "/auth/resend-verification"
	PathMe                 = "/auth/me"
)

var (
	ErrNoAuthorizedClient = errors.New("authorized client is not configured")
	ErrInvalidBaseURL     = errors.New("invalid base url")
)

type Client struct {
	base       string
	public     *http.Client
	authorized atomic.Pointer[http.Client]
}

func New(baseURL string, public *http.Client) (*Client, error) {
	const op = "api.New"

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrInvalidBaseURL, baseURL)
	}

	if public == nil {
		public = http.DefaultClient
	}

	return &Client{
		base:   strings.TrimRight(u.String(), "/"),
		public: public,
	}, nil
}

// SetAuthorized задаёт клиент с полной цепочкой интерсепторов.
// Координатору нужен Client как Renewer, поэтому клиент собирается в два шага.
func (c *Client) SetAuthorized(h *http.Client) { c.authorized.Store(h) }

func (c *Client) Register(ctx context.Context, in models.RegisterRequest) (models.AuthBundle, error) {
	const op = "api.Register"

	var out models.AuthBundle
	if err := c.call(ctx, c.public, http.MethodPost, PathRegister, in, &out); err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (c *Client) Login(ctx context.Context, in models.LoginRequest) (models.AuthBundle, error) {
	const op = "api.Login"

	var out models.AuthBundle
	if err := c.call(ctx, c.public, http.MethodPost, PathLogin, in, &out); err != nil {
		return models.AuthBundle{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// Refresh обменивает refresh-токен на новую пару. Всегда идёт в обход координатора.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "api.Refresh"

	var out models.TokenPair
	if err := c.call(ctx, c.public, http.MethodPost, PathRefresh, models.RefreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	const op = "api.Logout"

	if err := c.call(ctx, c.public, http.MethodPost, PathLogout, models.LogoutRequest{RefreshToken: refreshToken}, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	const op = "api.VerifyEmail"

	if err := c.call(ctx, c.public, http.MethodPost, PathVerifyEmail, models.VerifyEmailRequest{Token: token}, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *Client) ResendVerification(ctx context.Context, email string) error {
	const op = "api.ResendVerification"

	if err := c.call(ctx, c.public, http.MethodPost, PathResendVerification, models.ResendVerificationRequest{Email: email}, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Me - профиль текущего пользователя через авторизованную цепочку.
func (c *Client) Me(ctx context.Context) (models.UserProfile, error) {
	const op = "api.Me"

	var out models.UserProfile
	if err := c.Do(ctx, http.MethodGet, PathMe, nil, &out); err != nil {
		return models.UserProfile{}, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// Do - произвольный JSON-вызов через авторизованную цепочку.
// in == nil - без тела; out == nil - тело ответа отбрасывается.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	h := c.authorized.Load()
	if h == nil {
		return ErrNoAuthorizedClient
	}

	return c.call(ctx, h, method, path, in, out)
}

func (c *Client) call(ctx context.Context, h *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.Do(req)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierrors.FromResponse(resp)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
