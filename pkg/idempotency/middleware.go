package idempotency

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

const Header = "Idempotency-Key"

type Claimer interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Middleware rejects a request whose Idempotency-Key was already used with
// 409 Conflict. Requests without the header pass through. A claim is given
// back when the handler answers 5xx so the client may retry. If the claim
// store itself fails the request is let through.
func Middleware(log *slog.Logger, claims Claimer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(Header)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := "idem:http:" + r.URL.Path + ":" + id

			seen, err := claims.Seen(r.Context(), key)
			if err != nil {
				log.Warn("idempotency check failed", "key", key, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if seen {
				http.Error(w, "duplicate request", http.StatusConflict)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusInternalServerError {
				if err := claims.Forget(r.Context(), key); err != nil {
					log.Warn("idempotency release failed", "key", key, "err", err)
				}
			}
		})
	}
}
