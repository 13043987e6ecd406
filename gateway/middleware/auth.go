package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AdminAuthConfig controls the bearer-token guard in front of operator
// surfaces such as the metrics endpoint. Signature verification guards the
// proxied routes; this guard is for humans and tooling.
type AdminAuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// AdminAuth validates HS256 bearer tokens on admin requests.
type AdminAuth struct {
	cfg    AdminAuthConfig
	secret []byte
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewAdminAuth builds the guard. logger and nowFn may be nil.
func NewAdminAuth(cfg AdminAuthConfig, logger *slog.Logger, nowFn func() time.Time) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &AdminAuth{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		logger: logger,
		nowFn:  nowFn,
	}
}

// Middleware rejects requests that do not carry a valid admin token. A
// disabled guard passes everything through.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil || !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := a.validateToken(tokenString); err != nil {
			a.logger.Warn("admin token rejected", slog.String("error", err.Error()), slog.String("path", r.URL.Path))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) validateToken(tokenString string) error {
	if len(a.secret) == 0 {
		return errors.New("admin secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithTimeFunc(a.nowFn),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	return nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
