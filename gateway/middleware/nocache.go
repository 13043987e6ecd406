package middleware

import "net/http"

// Header values every response leaving the gateway carries so that no
// browser, proxy, or HTTP/1.0 intermediary stores it.
const (
	noCacheControl = "no-store, no-cache, must-revalidate, max-age=0"
	noCacheExpires = "0"
	noCachePragma  = "no-cache"
)

// NoCache stamps anti-caching headers onto every response, replacing
// whatever the downstream handler set. The headers are asserted both before
// the handler runs and again when the status line is written, so neither an
// early handler write nor a handler that never writes can escape them.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stampNoCache(w.Header())
		next.ServeHTTP(&noCacheWriter{ResponseWriter: w}, r)
	})
}

func stampNoCache(h http.Header) {
	h.Set("Cache-Control", noCacheControl)
	h.Set("Expires", noCacheExpires)
	h.Set("Pragma", noCachePragma)
}

type noCacheWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *noCacheWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		stampNoCache(w.Header())
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *noCacheWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Flush and Hijack through the wrapper.
func (w *noCacheWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
