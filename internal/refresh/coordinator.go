// refresh координирует обновление access-токена для параллельных запросов.
//
// Первый запрос, получивший 401, становится ведущим и делает ровно один вызов
// обновления; остальные, получившие 401 за это время, встают в FIFO-очередь и
// ждут результата. После успеха все запросы повторяются один раз с новым
// токеном, после неудачи сессия очищается и все получают одну и ту же ошибку.
package refresh

//go:generate mockgen -source=coordinator.go -destination=mocks/mock_refresh.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pribylovaa/authsession/internal/apierrors"
	"github.com/pribylovaa/authsession/internal/clients/interceptors"
	"github.com/pribylovaa/authsession/internal/events"
	"github.com/pribylovaa/authsession/internal/metrics"
	"github.com/pribylovaa/authsession/internal/models"
	"github.com/pribylovaa/authsession/internal/pkg/redact"
)

var (
	// ErrSessionInvalidated - refresh-токена нет, сессия очищена.
	ErrSessionInvalidated = fmt.Errorf("%w: no refresh token", apierrors.ErrSessionEnded)
	// ErrRefreshFailed - вызов обновления не удался, сессия очищена.
	ErrRefreshFailed = fmt.Errorf("%w: token refresh failed", apierrors.ErrSessionEnded)
	// ErrInvalidPair - сервер вернул неполную пару токенов.
	ErrInvalidPair = errors.New("renewal returned incomplete token pair")
	// ErrSessionChanged - за время обновления сессию очистили или заменили,
	// новая пара отброшена.
	ErrSessionChanged = fmt.Errorf("%w: session changed during renewal", apierrors.ErrSessionEnded)
)

// State - состояние координатора.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// TokenStore - хранилище токенов сессии.
type TokenStore interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	// RotateCredentials записывает пару, только если сохранённый refresh-токен
	// всё ещё равен prevRefresh. false - пара не записана.
	RotateCredentials(ctx context.Context, prevRefresh, access, refresh string) (bool, error)
	Clear(ctx context.Context) error
}

// Renewer обменивает refresh-токен на новую пару. Вызов идёт в обход координатора.
type Renewer interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

type outcome struct {
	token string
	err   error
}

type waiter struct {
	ch chan outcome
}

type Coordinator struct {
	store   TokenStore
	renewer Renewer
	log     *slog.Logger
	timeout time.Duration

	renewed     *events.Bus[events.Renewed]
	invalidated *events.Bus[events.Invalidated]
	metrics     *metrics.Refresh

	mu    sync.Mutex
	state State
	queue []*waiter
	// epoch растёт с завершением каждого эпизода; lastErr - ошибка последнего.
	epoch   uint64
	lastErr error
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTimeout ограничивает вызов обновления (по умолчанию 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithRenewedBus(b *events.Bus[events.Renewed]) Option {
	return func(c *Coordinator) { c.renewed = b }
}

func WithInvalidatedBus(b *events.Bus[events.Invalidated]) Option {
	return func(c *Coordinator) { c.invalidated = b }
}

func WithMetrics(m *metrics.Refresh) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(store TokenStore, renewer Renewer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		renewer: renewer,
		log:     slog.Default(),
		timeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// State - текущее состояние.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// QueueLen - число запросов, ожидающих текущего обновления.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Interceptor возвращает интерсептор, перехватывающий 401.
// Транспортные ошибки и прочие статусы проходят без изменений;
// повторный запрос (interceptors.IsRetried) второй раз не обрабатывается.
func (c *Coordinator) Interceptor() interceptors.Interceptor {
	return func(next http.RoundTripper) http.RoundTripper {
		return interceptors.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			epoch := c.currentEpoch()

			resp, err := next.RoundTrip(req)
			if err != nil {
				return nil, err
			}

			if resp.StatusCode != http.StatusUnauthorized || interceptors.IsRetried(req.Context()) {
				return resp, nil
			}

			// Тело уже прочитано и не может быть воссоздано.
			if !replayable(req) {
				return resp, nil
			}

			return c.handleUnauthorized(next, req, resp, epoch)
		})
	}
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.epoch
}

// handleUnauthorized разбирает 401 запроса, отправленного в эпоху sent.
func (c *Coordinator) handleUnauthorized(next http.RoundTripper, req *http.Request, resp *http.Response, sent uint64) (*http.Response, error) {
	ctx := req.Context()
	used := usedToken(resp)
	// Хранилище может ходить в сеть: читаем до захвата c.mu.
	cur := c.store.AccessToken(ctx)

	c.mu.Lock()

	if c.state == StateIdle {
		// Эпизод завершился, пока запрос был в пути: его итог уже разослан.
		if c.epoch != sent {
			lastErr := c.lastErr
			c.mu.Unlock()

			return c.settleLate(next, req, resp, lastErr)
		}

		// Токен сменился, пока запрос был в пути: обновление уже состоялось.
		if used != "" && cur != "" && cur != used {
			c.mu.Unlock()

			drainClose(resp)
			c.metrics.Episode(metrics.ResultStaleReplay)
			c.log.Debug("refresh_stale_replay", slog.String("path", req.URL.Path))

			return c.replay(next, req, cur)
		}

		c.state = StateRefreshing
		c.mu.Unlock()

		return c.drive(next, req, resp)
	}

	w := &waiter{ch: make(chan outcome, 1)}
	c.queue = append(c.queue, w)
	c.mu.Unlock()

	drainClose(resp)
	c.metrics.Enqueued()

	select {
	case o := <-w.ch:
		if o.err != nil {
			return nil, o.err
		}
		return c.replay(next, req, o.token)
	case <-ctx.Done():
		// Запись остаётся в очереди и будет разрешена вместе с остальными.
		return nil, ctx.Err()
	}
}

// settleLate отвечает на 401 запроса, отправленного до конца уже завершённого
// эпизода: повторной очистки и повторного события нет. Есть другой токен -
// повтор с ним, иначе ошибка того эпизода (или сам 401 после успеха).
func (c *Coordinator) settleLate(next http.RoundTripper, req *http.Request, resp *http.Response, lastErr error) (*http.Response, error) {
	if cur := c.store.AccessToken(req.Context()); cur != "" && cur != usedToken(resp) {
		drainClose(resp)
		c.metrics.Episode(metrics.ResultStaleReplay)
		c.log.Debug("refresh_stale_replay", slog.String("path", req.URL.Path))

		return c.replay(next, req, cur)
	}

	if lastErr != nil {
		drainClose(resp)
		return nil, lastErr
	}

	return resp, nil
}

// drive - ведущий запрос эпизода обновления.
func (c *Coordinator) drive(next http.RoundTripper, req *http.Request, resp *http.Response) (*http.Response, error) {
	const op = "refresh.Coordinator.drive"

	ctx := context.WithoutCancel(req.Context())

	refreshToken := c.store.RefreshToken(ctx)
	if refreshToken == "" {
		err := fmt.Errorf("%w: %w", ErrSessionInvalidated, apierrors.FromResponse(resp))
		c.log.Warn("session_invalidated",
			slog.String("op", op),
			slog.String("reason", "no_refresh_token"),
		)
		c.fail(ctx, err, metrics.ResultNoRefresh)
		return nil, err
	}

	drainClose(resp)

	c.log.Info("refresh_started",
		slog.String("op", op),
		slog.String("refresh_token", redact.Fingerprint(refreshToken)),
	)

	pair, err := c.renew(ctx, refreshToken)
	if errors.Is(err, ErrSessionChanged) {
		return c.abandon(ctx, next, req)
	}
	if err != nil {
		ferr := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		c.log.Warn("refresh_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		c.fail(ctx, ferr, metrics.ResultFailure)
		return nil, ferr
	}

	c.succeed(pair)

	return c.replay(next, req, pair.AccessToken)
}

func (c *Coordinator) renew(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	pair, err := c.renewer.Refresh(ctx, refreshToken)
	c.metrics.ObserveRenewal(time.Since(start))

	if err != nil {
		return models.TokenPair{}, err
	}
	if !pair.Valid() {
		return models.TokenPair{}, ErrInvalidPair
	}

	ok, err := c.store.RotateCredentials(ctx, refreshToken, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		return models.TokenPair{}, err
	}
	if !ok {
		return models.TokenPair{}, ErrSessionChanged
	}

	return pair, nil
}

func (c *Coordinator) succeed(pair models.TokenPair) {
	waiters := c.takeQueue(nil)
	for _, w := range waiters {
		w.ch <- outcome{token: pair.AccessToken}
	}

	c.metrics.Dequeued(len(waiters))
	c.metrics.Episode(metrics.ResultSuccess)
	c.log.Info("refresh_succeeded", slog.Int("waiters", len(waiters)))

	if c.renewed != nil {
		c.renewed.Publish(events.Renewed{Pair: pair})
	}
}

// fail очищает сессию и отклоняет всю очередь одной и той же ошибкой.
func (c *Coordinator) fail(ctx context.Context, err error, result string) {
	if cerr := c.store.Clear(ctx); cerr != nil {
		c.log.Error("session_clear_failed", slog.String("err", cerr.Error()))
	}

	waiters := c.takeQueue(err)
	for _, w := range waiters {
		w.ch <- outcome{err: err}
	}

	c.metrics.Dequeued(len(waiters))
	c.metrics.Episode(result)
	c.log.Info("session_cleared", slog.Int("waiters", len(waiters)))

	if c.invalidated != nil {
		c.invalidated.Publish(events.Invalidated{Reason: err})
	}
}

// abandon завершает эпизод, если сессию очистили или заменили во время обновления.
// Новая пара отброшена, хранилище не трогается, событие не публикуется: очередь
// получает токен новой сессии, а без неё - ErrSessionChanged.
func (c *Coordinator) abandon(ctx context.Context, next http.RoundTripper, req *http.Request) (*http.Response, error) {
	cur := c.store.AccessToken(ctx)

	var err error
	if cur == "" {
		err = ErrSessionChanged
	}

	waiters := c.takeQueue(err)
	for _, w := range waiters {
		w.ch <- outcome{token: cur, err: err}
	}

	c.metrics.Dequeued(len(waiters))
	c.metrics.Episode(metrics.ResultSuperseded)
	c.log.Info("refresh_superseded",
		slog.Int("waiters", len(waiters)),
		slog.Bool("has_session", cur != ""),
	)

	if err != nil {
		return nil, err
	}

	return c.replay(next, req, cur)
}

// takeQueue забирает очередь, закрывает эпизод с итогом err и возвращает
// координатор в IDLE.
func (c *Coordinator) takeQueue(err error) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queue
	c.queue = nil
	c.state = StateIdle
	c.epoch++
	c.lastErr = err

	return q
}

// replay повторяет запрос один раз с указанным токеном.
func (c *Coordinator) replay(next http.RoundTripper, req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(interceptors.WithRetried(req.Context()))

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("refresh.replay: %w", err)
		}
		r.Body = body
	}

	r.Header.Set("Authorization", "Bearer "+token)

	return next.RoundTrip(r)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// usedToken - токен, с которым запрос фактически ушёл в сеть.
func usedToken(resp *http.Response) string {
	if resp.Request == nil {
		return ""
	}

	h := resp.Request.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(h, "Bearer ")
}

func drainClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
