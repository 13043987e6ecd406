package routes

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NewProxy forwards requests to target, optionally removing stripPrefix from
// the forwarded path. Trace context is injected into the outbound headers
// and upstream failures answer 502.
func NewProxy(target *url.URL, stripPrefix string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	strip := strings.TrimSuffix(stripPrefix, "/")
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetXForwarded()
			out := pr.Out
			if strip != "" {
				stripRoutePrefix(out.URL, strip)
			}
			pr.SetURL(target)
			out.Host = target.Host
			otel.GetTextMapPropagator().Inject(out.Context(), propagation.HeaderCarrier(out.Header))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				slog.String("error", err.Error()),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return proxy
}

func stripRoutePrefix(u *url.URL, prefix string) {
	if strings.HasPrefix(u.Path, prefix) {
		u.Path = ensureLeadingSlash(strings.TrimPrefix(u.Path, prefix))
	}
	if u.RawPath != "" && strings.HasPrefix(u.RawPath, prefix) {
		u.RawPath = ensureLeadingSlash(strings.TrimPrefix(u.RawPath, prefix))
	}
}

func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
