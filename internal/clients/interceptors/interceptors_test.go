package interceptors

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/authsession/internal/pkg/log"
)

type capHandler struct {
	base []slog.Attr
	sink *capSink
}

type capSink struct {
	mu      sync.Mutex
	lastMsg string
	lastLvl slog.Level
	attrs   map[string]any
	count   map[string]int
}

func newCapHandler() *capHandler {
	return &capHandler{sink: &capSink{count: make(map[string]int)}}
}

func (h *capHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *capHandler) Handle(_ context.Context, r slog.Record) error {
	out := make(map[string]any, len(h.base)+8)
	for _, a := range h.base {
		out[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.count[r.Message]++
	h.sink.lastMsg = r.Message
	h.sink.lastLvl = r.Level
	h.sink.attrs = out
	return nil
}

func (h *capHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	base := append(append([]slog.Attr{}, h.base...), attrs...)
	return &capHandler{base: base, sink: h.sink}
}

func (h *capHandler) WithGroup(string) slog.Handler { return h }

// okTransport отвечает 200 и запоминает последний запрос.
type okTransport struct {
	mu   sync.Mutex
	last *http.Request
}

func (t *okTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.last = r
	t.mu.Unlock()

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    r,
	}, nil
}

type staticToken string

func (s staticToken) AccessToken(context.Context) string { return string(s) }

func newReq(t *testing.T, ctx context.Context) *http.Request {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://api.local/auth/me", nil)
	require.NoError(t, err)
	return req
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) Interceptor {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		}
	}

	rt := Chain(&okTransport{}, mark("a"), nil, mark("b"), mark("c"))
	resp, err := rt.RoundTrip(newReq(t, context.Background()))
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRetriedMarker(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetried(context.Background()))
	require.True(t, IsRetried(WithRetried(context.Background())))
}

func TestMetadata_AppendsHeaders(t *testing.T) {
	t.Parallel()

	const rid = "rid-123"
	const ua = "authsession"

	base := &okTransport{}
	rt := Chain(base, Metadata(ua))

	req := newReq(t, WithRequestID(context.Background(), rid))
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, rid, base.last.Header.Get("X-Request-Id"))
	require.Equal(t, ua, base.last.Header.Get("User-Agent"))
	// Исходный запрос не изменён.
	require.Empty(t, req.Header.Get("X-Request-Id"))
}

func TestMetadata_SkipEmptyValues(t *testing.T) {
	t.Parallel()

	base := &okTransport{}
	rt := Chain(base, Metadata(""))

	req := newReq(t, context.Background())
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Same(t, req, base.last)
	require.Empty(t, base.last.Header.Get("X-Request-Id"))
	require.Empty(t, base.last.Header.Get("User-Agent"))
}

func TestBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		preset string
		want   string
	}{
		{name: "attaches token", token: "at", want: "Bearer at"},
		{name: "no token", token: "", want: ""},
		{name: "keeps explicit header", token: "at", preset: "Bearer fresh", want: "Bearer fresh"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			base := &okTransport{}
			rt := Chain(base, Bearer(staticToken(tt.token)))

			req := newReq(t, context.Background())
			if tt.preset != "" {
				req.Header.Set("Authorization", tt.preset)
			}

			resp, err := rt.RoundTrip(req)
			require.NoError(t, err)
			_ = resp.Body.Close()

			require.Equal(t, tt.want, base.last.Header.Get("Authorization"))
		})
	}
}

func TestTimeout_SetsDeadline_AndTransportSeesDeadlineExceeded(t *testing.T) {
	t.Parallel()

	const d = 40 * time.Millisecond

	rt := Chain(RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	}), Timeout(d))

	start := time.Now()
	_, err := rt.RoundTrip(newReq(t, context.Background()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), d)
}

func TestTimeout_DoesNotOverrideExistingDeadline(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	parentDL, ok := parent.Deadline()
	require.True(t, ok)

	base := &okTransport{}
	rt := Chain(base, Timeout(time.Second))

	resp, err := rt.RoundTrip(newReq(t, parent))
	require.NoError(t, err)
	_ = resp.Body.Close()

	childDL, ok := base.last.Context().Deadline()
	require.True(t, ok)
	require.WithinDuration(t, parentDL, childDL, time.Millisecond)
}

func TestTimeout_ZeroDuration_PassThrough(t *testing.T) {
	t.Parallel()

	base := &okTransport{}
	rt := Chain(base, Timeout(0))

	resp, err := rt.RoundTrip(newReq(t, context.Background()))
	require.NoError(t, err)
	_ = resp.Body.Close()

	_, hasDL := base.last.Context().Deadline()
	require.False(t, hasDL, "no deadline expected when d <= 0")
}

func TestTimeout_CancelsOnBodyClose(t *testing.T) {
	t.Parallel()

	base := &okTransport{}
	rt := Chain(base, Timeout(time.Minute))

	resp, err := rt.RoundTrip(newReq(t, context.Background()))
	require.NoError(t, err)

	ctx := base.last.Context()
	require.NoError(t, ctx.Err(), "контекст жив, пока тело не закрыто")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))

	require.NoError(t, resp.Body.Close())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestLogging_LogsAndPutsLoggerIntoContext(t *testing.T) {
	t.Parallel()

	h := newCapHandler()
	rt := Chain(RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		log.From(r.Context()).Info("marker", slog.String("ok", "1"))
		return (&okTransport{}).RoundTrip(r)
	}), Logging(slog.New(h)))

	resp, err := rt.RoundTrip(newReq(t, WithRetried(context.Background())))
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, 1, h.sink.count["marker"])
	require.Equal(t, "http", h.sink.lastMsg)
	require.Equal(t, slog.LevelInfo, h.sink.lastLvl)
	require.EqualValues(t, http.StatusOK, h.sink.attrs["status"])
	require.Equal(t, true, h.sink.attrs["retried"])
	require.Equal(t, "/auth/me", h.sink.attrs["path"])

	if d, ok := h.sink.attrs["dur"].(time.Duration); ok {
		require.GreaterOrEqual(t, d, time.Duration(0))
	} else {
		t.Fatalf("dur attr not found or wrong type: %#v", h.sink.attrs["dur"])
	}
}

func TestLogging_GeneratesRequestID(t *testing.T) {
	t.Parallel()

	h := newCapHandler()
	base := &okTransport{}
	rt := Chain(base, Logging(slog.New(h)))

	resp, err := rt.RoundTrip(newReq(t, context.Background()))
	require.NoError(t, err)
	_ = resp.Body.Close()

	rid := base.last.Header.Get("X-Request-Id")
	_, err = uuid.Parse(rid)
	require.NoError(t, err)
	require.Equal(t, rid, h.sink.attrs["request_id"])
}

func TestLogging_TransportError(t *testing.T) {
	t.Parallel()

	h := newCapHandler()
	boom := errors.New("dial failed")
	rt := Chain(RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, boom
	}), Logging(slog.New(h)))

	_, err := rt.RoundTrip(newReq(t, context.Background()))
	require.ErrorIs(t, err, boom)
	require.Equal(t, slog.LevelWarn, h.sink.lastLvl)
	require.Equal(t, "dial failed", h.sink.attrs["err"])
}
