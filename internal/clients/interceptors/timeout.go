package interceptors

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Timeout навешивает таймаут d на исходящий запрос, если у контекста ещё нет дедлайна.
// Существующий дедлайн не переопределяется.
//
// Контракт:
//  1. d <= 0 - не модифицирует контекст;
//  2. у ctx уже есть deadline - оставляет как есть;
//  3. иначе - context.WithTimeout(ctx, d); cancel вызывается при закрытии тела
//     ответа (тело читается уже после RoundTrip) или сразу, если RoundTrip вернул ошибку.
func Timeout(d time.Duration) Interceptor {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if d <= 0 {
				return next.RoundTrip(req)
			}
			if _, ok := req.Context().Deadline(); ok {
				return next.RoundTrip(req)
			}

			ctx, cancel := context.WithTimeout(req.Context(), d)

			resp, err := next.RoundTrip(req.WithContext(ctx))
			if err != nil {
				cancel()
				return nil, err
			}

			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		})
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
