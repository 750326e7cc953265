package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pribylovaa/authsession/internal/clients"
	"github.com/pribylovaa/authsession/internal/config"
	"github.com/pribylovaa/authsession/internal/metrics"
	"github.com/pribylovaa/authsession/internal/session"
	"github.com/pribylovaa/authsession/internal/storage"
	"github.com/pribylovaa/authsession/internal/storage/file"
	"github.com/pribylovaa/authsession/internal/storage/memory"
	"github.com/pribylovaa/authsession/internal/storage/redis"
)

// app - собранный клиент: хранилище, цепочки HTTP и менеджер сессии.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	backend storage.Backend
	store   *session.Store
	clients *clients.Clients
	manager *session.Manager
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(backend, log)

	var opts []clients.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, clients.WithMetrics(metrics.NewRefresh(prometheus.DefaultRegisterer)))
	}

	cl, err := clients.New(*cfg, store, log, opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	mgr := session.NewManager(store, cl.API,
		session.WithLogger(log),
		session.WithLogoutOnTransientError(cfg.Session.LogoutOnTransientError),
		session.WithRefreshProfileOnRenew(cfg.Session.RefreshProfileOnRenew),
		session.WithNavigator(session.NavigatorFunc(func(_ context.Context, reason error) {
			if reason != nil {
				fmt.Printf("session ended (%v), please log in\n", reason)
				return
			}
			fmt.Println("logged out, please log in")
		})),
	)

	log.Debug("client_initialized",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("api", cfg.API.BaseURL),
	)

	return &app{
		cfg:     cfg,
		log:     log,
		backend: backend,
		store:   store,
		clients: cl,
		manager: mgr,
	}, nil
}

func (a *app) Close() {
	_ = a.clients.Close()

	if err := a.backend.Close(); err != nil {
		a.log.Warn("storage_close_failed", slog.String("err", err.Error()))
	}
}

func openBackend(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.Backend, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StorageFile:
		st, err := file.New(cfg.FilePath, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StorageRedis:
		st, err := redis.New(ctx, cfg.RedisURL, cfg.RedisPrefix, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
	}
}

// serveMetrics поднимает /metrics, если включено; возвращает функцию остановки.
func serveMetrics(cfg config.MetricsConfig, log *slog.Logger) func() {
	if !cfg.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics_listen_start", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_serve_failed", slog.String("err", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics_shutdown_incomplete", slog.String("err", err.Error()))
		}
	}
}
