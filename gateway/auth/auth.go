package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// HeaderSignature carries the standard-Base64 HMAC-SHA256 digest for the request.
	HeaderSignature = "apiSig"
	// HeaderTimestamp is the unix timestamp (seconds) claimed by the signer.
	HeaderTimestamp = "timestamp"
	// MaxBodyForSignature is the maximum body size we will buffer when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB
)

// Verification failures. Every rejection maps onto exactly one of these so
// callers can translate them into HTTP statuses and metric labels without
// matching on message strings.
var (
	ErrMissingSignature     = errors.New("missing apiSig header")
	ErrMissingTimestamp     = errors.New("missing timestamp header")
	ErrMalformedTimestamp   = errors.New("malformed timestamp")
	ErrTimestampOutOfWindow = errors.New("timestamp outside allowed window")
	ErrBodyNotUTF8          = errors.New("request body is not valid UTF-8")
	ErrSignatureEncoding    = errors.New("malformed apiSig encoding")
	ErrSignatureMismatch    = errors.New("signature mismatch")
)

// Authenticator verifies shared-secret HMAC signatures on incoming requests.
// It keeps no per-request state and is safe for concurrent use.
type Authenticator struct {
	secret      []byte
	allowedSkew time.Duration
	nowFn       func() time.Time
}

// NewAuthenticator builds an Authenticator around the shared secret. The skew
// bounds how far a claimed timestamp may sit from the verifier's clock in
// either direction; zero accepts only timestamps matching the current second.
func NewAuthenticator(secret []byte, allowedSkew time.Duration, nowFn func() time.Time) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret must not be empty")
	}
	if allowedSkew < 0 {
		return nil, errors.New("allowed skew must not be negative")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secret:      append([]byte(nil), secret...),
		allowedSkew: allowedSkew,
		nowFn:       nowFn,
	}, nil
}

// Authenticate validates the signature headers on r against the shared
// secret. body must hold the complete request body bytes; the caller owns
// reading the stream and re-attaching it afterwards. A nil return means the
// request is authentic. Any error wraps one of the sentinel failures above
// and is terminal for the request.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) error {
	encodedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if encodedSig == "" {
		return ErrMissingSignature
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	claimed, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	drift := claimed - a.nowFn().Unix()
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(a.allowedSkew/time.Second) {
		return fmt.Errorf("%w: allowed skew is %s", ErrTimestampOutOfWindow, a.allowedSkew)
	}
	payload, err := SigningString(r.Method, RequestTarget(r), body)
	if err != nil {
		return err
	}
	claimedSig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureEncoding, err)
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	if !hmac.Equal(claimedSig, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// RequestTarget returns the request target as it was transmitted: path plus
// raw query with scheme and authority stripped, no decoding and no
// reordering.
func RequestTarget(r *http.Request) string {
	target := r.RequestURI
	if target == "" {
		// Client-built requests (tests, the signer SDK) never populate
		// RequestURI; reconstruct the origin form from the URL.
		return r.URL.RequestURI()
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		// Absolute-form targets from forward proxies reduce to the origin
		// form so signer and verifier agree on the bytes being signed.
		if u, err := url.ParseRequestURI(target); err == nil {
			return u.RequestURI()
		}
	}
	return target
}

// SigningString builds the byte sequence covered by a request signature: the
// section of the raw target after its final '?' (the whole target when it
// carries none), directly concatenated with the body for any method other
// than GET. No separator sits between the two parts. The body must be valid
// UTF-8 whenever it is included; GET bodies are never incorporated and never
// inspected.
func SigningString(method, target string, body []byte) ([]byte, error) {
	base := target
	if idx := strings.LastIndexByte(target, '?'); idx >= 0 {
		base = target[idx+1:]
	}
	if method == http.MethodGet {
		return []byte(base), nil
	}
	if !utf8.Valid(body) {
		return nil, ErrBodyNotUTF8
	}
	payload := make([]byte, 0, len(base)+len(body))
	payload = append(payload, base...)
	payload = append(payload, body...)
	return payload, nil
}

// ComputeSignature returns the raw HMAC-SHA256 digest over the signing
// string for the given request parameters.
func ComputeSignature(secret []byte, method, target string, body []byte) ([]byte, error) {
	payload, err := SigningString(method, target, body)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// EncodeSignature renders a digest in the wire encoding of the apiSig
// header: standard Base64 with padding.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// RejectStatus maps a verification error onto the HTTP status the gateway
// answers with: 400 for input the verifier could not parse, 401 for requests
// that parsed cleanly but failed authentication. Unknown errors count as
// authentication failures.
func RejectStatus(err error) int {
	switch {
	case errors.Is(err, ErrMissingSignature),
		errors.Is(err, ErrMissingTimestamp),
		errors.Is(err, ErrMalformedTimestamp),
		errors.Is(err, ErrBodyNotUTF8),
		errors.Is(err, ErrSignatureEncoding):
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

// RejectReason returns a stable token for a verification error, suitable as
// a metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrMalformedTimestamp):
		return "malformed_timestamp"
	case errors.Is(err, ErrTimestampOutOfWindow):
		return "timestamp_out_of_window"
	case errors.Is(err, ErrBodyNotUTF8):
		return "body_decode"
	case errors.Is(err, ErrSignatureEncoding):
		return "signature_encoding"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "other"
	}
}
