package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"siggate/gateway/auth"
	"siggate/observability/logging"
)

// RejectionRecorder receives the stable reason token for every request the
// verifier turns away, typically to feed a metrics counter. Implementations
// must be safe for concurrent use.
type RejectionRecorder interface {
	RecordRejection(reason string)
}

// SignatureVerifier enforces the apiSig/timestamp contract in front of a
// protected handler. It buffers the request body once, hands the bytes to
// the authenticator, and re-attaches them so the downstream handler sees the
// body exactly as the client sent it.
type SignatureVerifier struct {
	auth       *auth.Authenticator
	logger     *slog.Logger
	rejections RejectionRecorder
}

// NewSignatureVerifier wires an authenticator into a middleware. logger and
// rejections may be nil.
func NewSignatureVerifier(authenticator *auth.Authenticator, logger *slog.Logger, rejections RejectionRecorder) *SignatureVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureVerifier{auth: authenticator, logger: logger, rejections: rejections}
}

var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", auth.MaxBodyForSignature)

// Middleware verifies the request signature before invoking next. Rejected
// requests receive a plain-text reason and never reach the protected
// handler.
func (v *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v == nil || v.auth == nil {
			http.Error(w, "signature verification unavailable", http.StatusInternalServerError)
			return
		}
		body, err := bufferRequestBody(r)
		if err != nil {
			status := http.StatusBadRequest
			reason := "body_read"
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
				reason = "body_too_large"
			}
			v.reject(w, r, reason, err, status)
			return
		}
		if err := v.auth.Authenticate(r, body); err != nil {
			v.reject(w, r, auth.RejectReason(err), err, auth.RejectStatus(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *SignatureVerifier) reject(w http.ResponseWriter, r *http.Request, reason string, err error, status int) {
	if v.rejections != nil {
		v.rejections.RecordRejection(reason)
	}
	v.logger.Warn("request signature rejected",
		slog.String("reason", reason),
		slog.Int("status", status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		logging.MaskField(auth.HeaderSignature, r.Header.Get(auth.HeaderSignature)),
	)
	http.Error(w, err.Error(), status)
}

// bufferRequestBody drains r.Body up to the signature limit and replaces it
// with an in-memory reader over the same bytes, so the downstream handler
// can consume the body as if it had never been read.
func bufferRequestBody(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	original := r.Body
	limited := io.LimitReader(original, int64(auth.MaxBodyForSignature)+1)
	data, err := io.ReadAll(limited)
	original.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > auth.MaxBodyForSignature {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}
