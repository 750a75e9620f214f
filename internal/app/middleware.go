package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/apflow/apflow/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger *slog.Logger
	Config *Config
}

// MiddlewareStack installs the apflow middleware chain.
//
// Identity arrives from the upstream gateway via X-Actor-Id / X-Actor-Role
// headers; this tier trusts them and only propagates them through context.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	actorMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No header set means an unauthenticated request (for example
			// the one-click email approval link); handlers that need an
			// actor reject those themselves.
			id := r.Header.Get("X-Actor-Id")
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := shared.ContextWithActor(r.Context(), shared.Actor{
				ID:    id,
				Email: r.Header.Get("X-Actor-Email"),
				Role:  shared.Role(r.Header.Get("X-Actor-Role")),
				IP:    r.RemoteAddr,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	return []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		middleware.Compress(5),
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		actorMiddleware,
	}
}
