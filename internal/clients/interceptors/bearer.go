package interceptors

import "net/http"

// Bearer подставляет Authorization: Bearer <token> из src.
// Запрос без токена уходит как есть; явно заданный Authorization не переписывается
// (так повтор после обновления уходит с новым токеном).
func Bearer(src TokenSource) Interceptor {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "" {
				return next.RoundTrip(req)
			}

			tok := src.AccessToken(req.Context())
			if tok == "" {
				return next.RoundTrip(req)
			}

			r := req.Clone(req.Context())
			r.Header.Set("Authorization", "Bearer "+tok)

			return next.RoundTrip(r)
		})
	}
}
