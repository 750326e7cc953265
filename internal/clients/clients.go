package clients

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pribylovaa/authsession/internal/api"
	"github.com/pribylovaa/authsession/internal/clients/interceptors"
	"github.com/pribylovaa/authsession/internal/config"
	"github.com/pribylovaa/authsession/internal/events"
	"github.com/pribylovaa/authsession/internal/metrics"
	"github.com/pribylovaa/authsession/internal/refresh"
)

// Clients агрегирует HTTP-клиенты auth API и координатор обновления.
type Clients struct {
	API         *api.Client
	Public      *http.Client
	Authorized  *http.Client
	Coordinator *refresh.Coordinator

	Renewed     *events.Bus[events.Renewed]
	Invalidated *events.Bus[events.Invalidated]
}

type options struct {
	transport http.RoundTripper
	metrics   *metrics.Refresh
}

type Option func(*options)

// WithTransport задаёт базовый транспорт (по умолчанию http.DefaultTransport).
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func WithMetrics(m *metrics.Refresh) Option {
	return func(o *options) { o.metrics = m }
}

// New собирает две цепочки интерсепторов поверх одного транспорта.
func New(cfg config.Config, store refresh.TokenStore, log *slog.Logger, opts ...Option) (*Clients, error) {
	const op = "internal/clients/New"

	if log == nil {
		log = slog.Default()
	}

	o := options{transport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := cfg.Timeouts.Request
	userAgent := cfg.API.UserAgent

	// Публичная цепочка: metadata -> timeout -> logging.
	public := &http.Client{
		Transport: interceptors.Chain(o.transport,
			interceptors.Metadata(userAgent),
			interceptors.Timeout(timeout),
			interceptors.Logging(log),
		),
	}

	apiClient, err := api.New(cfg.API.BaseURL, public)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	renewed := events.NewBus[events.Renewed]()
	invalidated := events.NewBus[events.Invalidated]()

	coord := refresh.New(store, apiClient,
		refresh.WithLogger(log),
		refresh.WithTimeout(timeout),
		refresh.WithRenewedBus(renewed),
		refresh.WithInvalidatedBus(invalidated),
		refresh.WithMetrics(o.metrics),
	)

	// Авторизованная цепочка: metadata -> refresh -> bearer -> timeout -> logging.
	// Таймаут ниже координатора: каждая попытка (и повтор) получает свой дедлайн.
	authorized := &http.Client{
		Transport: interceptors.Chain(o.transport,
			interceptors.Metadata(userAgent),
			coord.Interceptor(),
			interceptors.Bearer(store),
			interceptors.Timeout(timeout),
			interceptors.Logging(log),
		),
	}

	apiClient.SetAuthorized(authorized)

	return &Clients{
		API:         apiClient,
		Public:      public,
		Authorized:  authorized,
		Coordinator: coord,
		Renewed:     renewed,
		Invalidated: invalidated,
	}, nil
}

// Close закрывает шины событий; подписчики получают закрытые каналы.
func (c *Clients) Close() error {
	c.Renewed.Close()
	c.Invalidated.Close()

	return nil
}
