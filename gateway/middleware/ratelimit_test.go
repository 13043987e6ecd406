package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	defer limiter.Stop()

	handler := limiter.Middleware("api")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	defer limiter.Stop()

	handler := limiter.Middleware("api")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	reqA.Header.Set("X-Real-IP", "203.0.113.7")
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected client A to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	reqB.Header.Set("X-Real-IP", "198.51.100.4")
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected client B to have its own bucket, got %d", resB.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RequestsPerMinute: 60, Burst: 1},
		"codes":  {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	defer limiter.Stop()

	orders := limiter.Middleware("orders")(okHandler())
	codes := limiter.Middleware("codes")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")

	res := httptest.NewRecorder()
	orders.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected orders request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	codes.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected codes bucket to be independent, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	codes.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected codes bucket to exhaust, got %d", res.Code)
	}
}

func TestRateLimiterPassesUnconfiguredRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil)
	defer limiter.Stop()

	handler := limiter.Middleware("unmetered")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected unmetered route to pass, got %d on request %d", res.Code, i)
		}
	}
}

func TestClientAddressResolution(t *testing.T) {
	base := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	base.RemoteAddr = "192.0.2.9:51234"

	if got := clientAddress(base); got != "192.0.2.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	withForwarded := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	withForwarded.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientAddress(withForwarded); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}

	withRealIP := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	withRealIP.Header.Set("X-Forwarded-For", "203.0.113.7")
	withRealIP.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientAddress(withRealIP); got != "198.51.100.4" {
		t.Fatalf("expected X-Real-IP to win, got %q", got)
	}
}
