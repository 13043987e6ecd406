package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const vectorSecret = "your_secret_key"

func newTestAuthenticator(t *testing.T, secret string, skew time.Duration, now time.Time) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator([]byte(secret), skew, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func signedRequest(t *testing.T, secret, method, target string, body []byte, ts int64) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, "https://gateway.test"+target, nil)
	sig, err := ComputeSignature([]byte(secret), method, target, body)
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	req.Header.Set(HeaderSignature, EncodeSignature(sig))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	return req
}

func TestSigningStringTargetSection(t *testing.T) {
	body := []byte(`{"amount":1}`)
	cases := []struct {
		name   string
		method string
		target string
		body   []byte
		want   string
	}{
		{"query only", http.MethodGet, "/api/available-code?address=init&linkType=0", nil, "address=init&linkType=0"},
		{"no query", http.MethodGet, "/api/available-code", nil, "/api/available-code"},
		{"empty query", http.MethodGet, "/api/list?", nil, ""},
		{"final question mark wins", http.MethodGet, "/api/a?b=1?c=2", nil, "c=2"},
		{"encoded bytes preserved", http.MethodGet, "/api/x?q=a%20b&r=%2F", nil, "q=a%20b&r=%2F"},
		{"post appends body", http.MethodPost, "/api/submit?a=1", body, "a=1" + string(body)},
		{"post without query", http.MethodPost, "/api/submit", body, "/api/submit" + string(body)},
		{"put appends body", http.MethodPut, "/api/submit?a=1", body, "a=1" + string(body)},
		{"get ignores body", http.MethodGet, "/api/submit?a=1", body, "a=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SigningString(tc.method, tc.target, tc.body)
			if err != nil {
				t.Fatalf("signing string: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("unexpected signing string: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestSigningStringRejectsNonUTF8Body(t *testing.T) {
	if _, err := SigningString(http.MethodPost, "/api/submit", []byte{0xff, 0xfe}); !errors.Is(err, ErrBodyNotUTF8) {
		t.Fatalf("expected ErrBodyNotUTF8, got %v", err)
	}
	// GET bodies are excluded from the signing string and never inspected.
	if _, err := SigningString(http.MethodGet, "/api/submit", []byte{0xff, 0xfe}); err != nil {
		t.Fatalf("expected GET body to be ignored, got %v", err)
	}
}

func TestKnownVectorAccepted(t *testing.T) {
	const wantSig = "kEU67gzX2pYgGlhsHXDxg0YtM7z8YYG6cQI8rl22eF4="
	target := "/api/available-code?address=init&linkType=0"

	sig, err := ComputeSignature([]byte(vectorSecret), http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	if got := EncodeSignature(sig); got != wantSig {
		t.Fatalf("unexpected signature for known vector: got %q want %q", got, wantSig)
	}

	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, vectorSecret, 2*time.Minute, now)
	req := httptest.NewRequest(http.MethodGet, "https://gateway.test"+target, nil)
	req.Header.Set(HeaderSignature, wantSig)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	if err := auth.Authenticate(req, nil); err != nil {
		t.Fatalf("expected known vector to authenticate, got %v", err)
	}
}

// The digest of "/api/available-code?address=init&linkType=0" as one string is
// a second fixed vector. With the after-final-? rule that signing string can
// only arise from a query-less target concatenated with a body, which pins the
// no-separator join between target and body.
func TestKnownVectorTargetBodyConcatenation(t *testing.T) {
	const wantSig = "OWvqzTbt3GhtPZUIQs9Z8g6KS/FroM7a4EUVWocFWP4="

	sig, err := ComputeSignature([]byte(vectorSecret), http.MethodPost, "/api/available-code", []byte("?address=init&linkType=0"))
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	if got := EncodeSignature(sig); got != wantSig {
		t.Fatalf("unexpected signature for concatenation vector: got %q want %q", got, wantSig)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	cases := []struct {
		method string
		target string
		body   []byte
	}{
		{http.MethodGet, "/api/available-code?address=init&linkType=0", nil},
		{http.MethodGet, "/api/plain", nil},
		{http.MethodPost, "/api/orders?sort=desc", []byte(`{"item":"widget","qty":3}`)},
		{http.MethodPost, "/api/orders", nil},
		{http.MethodPut, "/api/orders/42", []byte("quantity=7")},
		{http.MethodDelete, "/api/orders/42?force=true", []byte{}},
	}
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			req := signedRequest(t, "shared-secret", tc.method, tc.target, tc.body, now.Unix())
			if err := auth.Authenticate(req, tc.body); err != nil {
				t.Fatalf("expected round trip to verify, got %v", err)
			}
		})
	}
}

func TestAuthenticateHeaderValidation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)
	ts := strconv.FormatInt(now.Unix(), 10)

	cases := []struct {
		name    string
		mutate  func(*http.Request)
		wantErr error
	}{
		{"missing signature", func(r *http.Request) { r.Header.Del(HeaderSignature) }, ErrMissingSignature},
		{"blank signature", func(r *http.Request) { r.Header.Set(HeaderSignature, "   ") }, ErrMissingSignature},
		{"missing timestamp", func(r *http.Request) { r.Header.Del(HeaderTimestamp) }, ErrMissingTimestamp},
		{"non-numeric timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "not-a-number") }, ErrMalformedTimestamp},
		{"fractional timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "1700000000.5") }, ErrMalformedTimestamp},
		{"overflowing timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "99999999999999999999") }, ErrMalformedTimestamp},
		{"signature not base64", func(r *http.Request) { r.Header.Set(HeaderSignature, "%%%not-base64%%%") }, ErrSignatureEncoding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(t, "shared-secret", http.MethodGet, "/api/ping?x=1", nil, now.Unix())
			req.Header.Set(HeaderTimestamp, ts)
			tc.mutate(req)
			if err := auth.Authenticate(req, nil); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestAuthenticateMissingSignatureCheckedFirst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)

	// No other header is present or valid; the signature check still wins.
	req := httptest.NewRequest(http.MethodGet, "https://gateway.test/api/ping", nil)
	req.Header.Set(HeaderTimestamp, "garbage")
	if err := auth.Authenticate(req, nil); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature before timestamp validation, got %v", err)
	}
}

func TestTimestampWindowBoundaries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	const window = 120 * time.Second
	auth := newTestAuthenticator(t, "shared-secret", window, now)

	cases := []struct {
		name   string
		offset int64
		ok     bool
	}{
		{"exactly now", 0, true},
		{"lower boundary", -120, true},
		{"upper boundary", 120, true},
		{"one past lower boundary", -121, false},
		{"one past upper boundary", 121, false},
		{"zero epoch", -now.Unix(), false},
		{"negative epoch", -now.Unix() - 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(t, "shared-secret", http.MethodGet, "/api/ping?x=1", nil, now.Unix()+tc.offset)
			err := auth.Authenticate(req, nil)
			if tc.ok && err != nil {
				t.Fatalf("expected timestamp offset %d to be accepted, got %v", tc.offset, err)
			}
			if !tc.ok && !errors.Is(err, ErrTimestampOutOfWindow) {
				t.Fatalf("expected ErrTimestampOutOfWindow for offset %d, got %v", tc.offset, err)
			}
		})
	}
}

func TestZeroSkewAcceptsOnlyCurrentSecond(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 0, now)

	req := signedRequest(t, "shared-secret", http.MethodGet, "/api/ping", nil, now.Unix())
	if err := auth.Authenticate(req, nil); err != nil {
		t.Fatalf("expected matching second to be accepted, got %v", err)
	}
	req = signedRequest(t, "shared-secret", http.MethodGet, "/api/ping", nil, now.Unix()+1)
	if err := auth.Authenticate(req, nil); !errors.Is(err, ErrTimestampOutOfWindow) {
		t.Fatalf("expected one second of drift to be rejected, got %v", err)
	}
}

func TestSingleBitFlipRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)
	body := []byte(`{"item":"widget"}`)
	target := "/api/orders?sort=desc"

	sig, err := ComputeSignature([]byte("shared-secret"), http.MethodPost, target, body)
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), sig...)
			flipped[i] ^= 1 << bit
			req := httptest.NewRequest(http.MethodPost, "https://gateway.test"+target, nil)
			req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(flipped))
			req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
			if err := auth.Authenticate(req, body); !errors.Is(err, ErrSignatureMismatch) {
				t.Fatalf("expected bit %d of byte %d to break the signature, got %v", bit, i, err)
			}
		}
	}
}

func TestGetBodyExcludedFromSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)
	target := "/api/available-code?address=init&linkType=0"

	sig, err := ComputeSignature([]byte("shared-secret"), http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("compute signature: %v", err)
	}
	encoded := EncodeSignature(sig)

	for _, body := range [][]byte{nil, []byte("ignored payload"), {0xff, 0xfe, 0x00}} {
		req := httptest.NewRequest(http.MethodGet, "https://gateway.test"+target, nil)
		req.Header.Set(HeaderSignature, encoded)
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		if err := auth.Authenticate(req, body); err != nil {
			t.Fatalf("expected GET body %q to be excluded from verification, got %v", body, err)
		}
	}
}

func TestNonGetBodyMustBeUTF8(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)

	req := signedRequest(t, "shared-secret", http.MethodPost, "/api/upload", []byte("ok"), now.Unix())
	if err := auth.Authenticate(req, []byte{0xc3, 0x28}); !errors.Is(err, ErrBodyNotUTF8) {
		t.Fatalf("expected ErrBodyNotUTF8, got %v", err)
	}
}

func TestSignatureOverDifferentQueryRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)

	// Signed for one query string, presented with another.
	req := signedRequest(t, "shared-secret", http.MethodGet, "/api/list?page=1", nil, now.Unix())
	other := httptest.NewRequest(http.MethodGet, "https://gateway.test/api/list?page=2", nil)
	other.Header = req.Header.Clone()
	if err := auth.Authenticate(other, nil); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := newTestAuthenticator(t, "shared-secret", 30*time.Second, now)

	req := signedRequest(t, "other-secret", http.MethodGet, "/api/ping?x=1", nil, now.Unix())
	if err := auth.Authenticate(req, nil); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestRejectStatusAndReason(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantReason string
	}{
		{ErrMissingSignature, http.StatusBadRequest, "missing_signature"},
		{ErrMissingTimestamp, http.StatusBadRequest, "missing_timestamp"},
		{ErrMalformedTimestamp, http.StatusBadRequest, "malformed_timestamp"},
		{ErrBodyNotUTF8, http.StatusBadRequest, "body_decode"},
		{ErrSignatureEncoding, http.StatusBadRequest, "signature_encoding"},
		{ErrTimestampOutOfWindow, http.StatusUnauthorized, "timestamp_out_of_window"},
		{ErrSignatureMismatch, http.StatusUnauthorized, "signature_mismatch"},
		{errors.New("boom"), http.StatusUnauthorized, "other"},
		{fmt.Errorf("wrapped: %w", ErrMalformedTimestamp), http.StatusBadRequest, "malformed_timestamp"},
	}
	for _, tc := range cases {
		if got := RejectStatus(tc.err); got != tc.wantStatus {
			t.Fatalf("RejectStatus(%v) = %d, want %d", tc.err, got, tc.wantStatus)
		}
		if got := RejectReason(tc.err); got != tc.wantReason {
			t.Fatalf("RejectReason(%v) = %q, want %q", tc.err, got, tc.wantReason)
		}
	}
}

func TestNewAuthenticatorValidation(t *testing.T) {
	if _, err := NewAuthenticator(nil, time.Minute, nil); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
	if _, err := NewAuthenticator([]byte("secret"), -time.Second, nil); err == nil {
		t.Fatalf("expected negative skew to be rejected")
	}
	if _, err := NewAuthenticator([]byte("secret"), 0, nil); err != nil {
		t.Fatalf("expected zero skew to be accepted, got %v", err)
	}
}

func TestAuthenticatorCopiesSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	secret := []byte("shared-secret")
	a, err := NewAuthenticator(secret, 30*time.Second, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	req := signedRequest(t, "shared-secret", http.MethodGet, "/api/ping", nil, now.Unix())
	for i := range secret {
		secret[i] = 0
	}
	if err := a.Authenticate(req, nil); err != nil {
		t.Fatalf("expected authenticator to hold its own secret copy, got %v", err)
	}
}

func TestRequestTarget(t *testing.T) {
	// Server-side requests carry the raw target in RequestURI.
	served := httptest.NewRequest(http.MethodGet, "/api/x?b=2&a=1", nil)
	if got := RequestTarget(served); got != "/api/x?b=2&a=1" {
		t.Fatalf("unexpected target for served request: %q", got)
	}

	// Client-built requests fall back to the URL's origin form.
	built, err := http.NewRequest(http.MethodGet, "https://gateway.test/api/x?b=2&a=1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if got := RequestTarget(built); got != "/api/x?b=2&a=1" {
		t.Fatalf("unexpected target for client request: %q", got)
	}

	// Absolute-form targets (httptest keeps the full URL in RequestURI)
	// reduce to the origin form.
	absolute := httptest.NewRequest(http.MethodGet, "https://gateway.test/api/x?a=1", nil)
	if got := RequestTarget(absolute); got != "/api/x?a=1" {
		t.Fatalf("unexpected target for absolute-form request: %q", got)
	}
}
