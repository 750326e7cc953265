package interceptors

import "net/http"

// Metadata - добавляет в исходящий запрос заголовки:
//   - X-Request-Id (если есть в контексте и не задан явно),
//   - User-Agent (если передан параметром).
func Metadata(userAgent string) Interceptor {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			rid, _ := req.Context().Value(CtxRequestID).(string)
			setRID := rid != "" && req.Header.Get("X-Request-Id") == ""

			if !setRID && userAgent == "" {
				return next.RoundTrip(req)
			}

			r := req.Clone(req.Context())
			if setRID {
				r.Header.Set("X-Request-Id", rid)
			}
			if userAgent != "" {
				r.Header.Set("User-Agent", userAgent)
			}

			return next.RoundTrip(r)
		})
	}
}
