// Package sign stamps outbound HTTP requests with the apiSig and timestamp
// headers the gateway verifies.
package sign

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"siggate/gateway/auth"
)

// Signer computes request signatures with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// Option mutates the signer configuration during construction.
type Option func(*Signer)

// WithClock overrides the time source used when signing requests. Primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a signer for the shared secret.
func New(secret string, opts ...Option) (*Signer, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("secret required")
	}
	s := &Signer{secret: []byte(trimmed), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Sign buffers the request body, computes the signature over the target the
// request will transmit, and sets the apiSig and timestamp headers. The body
// is re-attached afterwards so the request remains sendable, and GetBody is
// reset so redirects and retries replay the same bytes.
func (s *Signer) Sign(req *http.Request) error {
	if req == nil || req.URL == nil {
		return fmt.Errorf("request with a URL required")
	}
	body, err := bufferBody(req)
	if err != nil {
		return err
	}
	// A client request with an empty method is sent as GET.
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	sig, err := auth.ComputeSignature(s.secret, method, req.URL.RequestURI(), body)
	if err != nil {
		return err
	}
	req.Header.Set(auth.HeaderSignature, auth.EncodeSignature(sig))
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(s.now().Unix(), 10))
	return nil
}

// Signature computes the encoded signature for a single request without
// constructing a Signer.
func Signature(secret, method, target string, body []byte) (string, error) {
	sig, err := auth.ComputeSignature([]byte(secret), method, target, body)
	if err != nil {
		return "", err
	}
	return auth.EncodeSignature(sig), nil
}

// Transport signs every outbound request before delegating to the base
// round tripper, so an http.Client can be pointed at the gateway without
// per-call signing code. The incoming request is cloned; only the clone is
// mutated.
type Transport struct {
	Signer *Signer
	Base   http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Signer == nil {
		return nil, fmt.Errorf("sign: transport has no signer")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	if err := t.Signer.Sign(clone); err != nil {
		return nil, err
	}
	return base.RoundTrip(clone)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > auth.MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds the %d byte signing limit", auth.MaxBodyForSignature)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.ContentLength = int64(len(data))
	return data, nil
}
