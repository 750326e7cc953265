package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Options - параметры сборки HTTP-роутера.
type Options struct {
	Logger   *slog.Logger
	Timeout  time.Duration
	BasePath string // например, "/api"; если пустой - роуты на корне.
	// LoginRate - попыток login/register в минуту на IP; <=0 - без ограничения.
	LoginRate int
}

// NewRouter собирает http.Handler dev-сервера.
func NewRouter(svc *Service, opts Options) http.Handler {
	root := chi.NewRouter()

	root.Use(
		Recover(),
		RequestID(),
		Logging(opts.Logger),
		AuthBearer(),
	)
	if opts.Timeout > 0 {
		root.Use(Timeout(opts.Timeout))
	}

	h := &handlers{svc: svc}

	var limited []func(http.Handler) http.Handler
	if opts.LoginRate > 0 {
		rl := newIPRateLimiter(opts.LoginRate, time.Minute, opts.LoginRate, 10*time.Minute)
		limited = append(limited, RateLimit(rl))
	}

	if opts.BasePath != "" && opts.BasePath != "/" {
		sub := chi.NewRouter()
		registerRoutes(sub, h, limited)
		root.Mount(opts.BasePath, sub)
		return root
	}

	registerRoutes(root, h, limited)
	return root
}

func registerRoutes(r chi.Router, h *handlers, limited []func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(limited...)
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
	})

	r.Post("/auth/refresh", h.Refresh)
	r.Post("/auth/logout", h.Logout)
	r.Post("/auth/verify-email", h.VerifyEmail)
	r.Post("/auth/resend-verification", h.ResendVerification)
	r.Get("/auth/me", h.Me)
}
