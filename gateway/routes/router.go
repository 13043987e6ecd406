package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"siggate/gateway/middleware"
)

// Route maps a path prefix to one upstream service.
type Route struct {
	Name         string
	Prefix       string
	Target       *url.URL
	StripPrefix  bool
	RateLimitKey string
}

// Config assembles the gateway's HTTP surface.
type Config struct {
	Routes        []Route
	Verifier      *middleware.SignatureVerifier
	AdminGuard    *middleware.AdminAuth
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          *middleware.CORSConfig
	Logger        *slog.Logger
}

// New builds the router. Anti-caching headers wrap every response including
// rejections, /healthz stays open, /metrics sits behind the admin guard, and
// each proxied route verifies request signatures before forwarding.
func New(cfg Config) (http.Handler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("signature verifier is required")
	}
	if len(cfg.Routes) == 0 {
		return nil, errors.New("at least one route is required")
	}

	r := chi.NewRouter()
	r.Use(middleware.NoCache)
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	obs := cfg.Observability
	if obs != nil {
		metrics := http.Handler(obs.MetricsHandler())
		if cfg.AdminGuard != nil {
			metrics = cfg.AdminGuard.Middleware(metrics)
		}
		r.Handle("/metrics", metrics)
	}

	for _, route := range cfg.Routes {
		if route.Target == nil {
			return nil, fmt.Errorf("route %s has no target", route.Name)
		}
		strip := ""
		if route.StripPrefix {
			strip = route.Prefix
		}
		proxy := NewProxy(route.Target, strip, cfg.Logger)
		r.Route(route.Prefix, func(sr chi.Router) {
			if cfg.RateLimiter != nil && route.RateLimitKey != "" {
				sr.Use(cfg.RateLimiter.Middleware(route.RateLimitKey))
			}
			// Instrumentation sits outside the verifier so rejected
			// requests still show up in request metrics and carry a
			// request id.
			if obs != nil {
				sr.Use(obs.Middleware(route.Name))
			}
			sr.Use(cfg.Verifier.Middleware)
			sr.Handle("/*", proxy)
			sr.Handle("/", proxy)
		})
	}

	return r, nil
}
