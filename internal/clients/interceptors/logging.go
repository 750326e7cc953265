package interceptors

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/authsession/internal/pkg/log"
)

// Logging - логирование исходящих HTTP-вызовов.
// Поведение:
//   - берёт X-Request-Id из запроса (или генерирует новый и добавляет);
//   - добавляет поля method/path, прокладывает обогащённый логгер в контекст (internal/pkg/log);
//   - пишет одну финальную запись уровня Info: msg="http", status, dur, retried.
//
// Безопасность: не логирует тело и заголовок Authorization.
func Logging(base *slog.Logger) Interceptor {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()

			rid := req.Header.Get("X-Request-Id")
			if rid == "" {
				rid = uuid.NewString()
			}

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
			)

			r := req.Clone(log.Into(req.Context(), l))
			r.Header.Set("X-Request-Id", rid)

			resp, err := next.RoundTrip(r)

			retried := IsRetried(req.Context())
			if err != nil {
				l.Warn("http",
					slog.String("err", err.Error()),
					slog.Duration("dur", time.Since(start)),
					slog.Bool("retried", retried),
				)
				return nil, err
			}

			l.Info("http",
				slog.Int("status", resp.StatusCode),
				slog.Duration("dur", time.Since(start)),
				slog.Bool("retried", retried),
			)

			return resp, nil
		})
	}
}
