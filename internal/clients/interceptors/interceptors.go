// interceptors предоставляет набор HTTP-интерсепторов для клиентской стороны.
//
// Интерсептор оборачивает http.RoundTripper; Chain собирает их так, что первый
// в списке выполняется первым (внешний слой). RoundTripper не должен менять
// входящий *http.Request, поэтому каждый интерсептор, добавляющий заголовки,
// работает с клоном.
package interceptors

import (
	"context"
	"net/http"
)

type CtxKey string

const (
	CtxRequestID CtxKey = "request_id"
	ctxRetried   CtxKey = "retried"
)

// RoundTripperFunc - адаптер функции к http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Interceptor оборачивает следующий транспорт цепочки.
type Interceptor func(next http.RoundTripper) http.RoundTripper

// Chain собирает цепочку поверх base. nil-интерсепторы пропускаются.
func Chain(base http.RoundTripper, its ...Interceptor) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	rt := base
	for i := len(its) - 1; i >= 0; i-- {
		if its[i] == nil {
			continue
		}
		rt = its[i](rt)
	}

	return rt
}

// WithRequestID кладёт request id в контекст; Metadata отправит его в X-Request-Id.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, CtxRequestID, rid)
}

// WithRetried помечает запрос как повторный: второй 401 уже не запускает обновление.
func WithRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxRetried, true)
}

// IsRetried сообщает, был ли запрос уже повторён после обновления токенов.
func IsRetried(ctx context.Context) bool {
	v, _ := ctx.Value(ctxRetried).(bool)
	return v
}

// TokenSource отдаёт текущий access-токен ("" - токена нет).
type TokenSource interface {
	AccessToken(ctx context.Context) string
}
