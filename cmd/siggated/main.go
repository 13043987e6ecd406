package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"siggate/gateway/auth"
	"siggate/gateway/config"
	"siggate/gateway/middleware"
	"siggate/gateway/routes"
	"siggate/observability/logging"
	telemetry "siggate/observability/otel"
)

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	logger := log.New(os.Stdout, "siggated ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}

	env := strings.TrimSpace(os.Getenv("SIGGATE_ENV"))
	var rotation *logging.Rotation
	if strings.TrimSpace(cfg.Log.File) != "" {
		rotation = &logging.Rotation{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	slogger := logging.Setup("siggated", env, rotation)

	telemetryCfg := telemetry.FromEnv("siggated", env)
	telemetryCfg.Metrics = cfg.Observability.Metrics
	telemetryCfg.Traces = cfg.Observability.Tracing
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	secret, err := cfg.Auth.ResolveSecret()
	if err != nil {
		logger.Fatalf("resolve signing secret: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(secret, cfg.Auth.AllowedSkew(), nil)
	if err != nil {
		logger.Fatalf("configure authenticator: %v", err)
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, slogger)

	verifier := middleware.NewSignatureVerifier(authenticator, slogger, obs)

	rateLimits := make(map[string]middleware.RateLimit)
	for _, route := range cfg.Routes {
		if route.RateLimit == nil {
			continue
		}
		rateLimits[route.Name] = middleware.RateLimit{
			RequestsPerMinute: route.RateLimit.RequestsPerMinute,
			Burst:             route.RateLimit.Burst,
		}
	}
	limiter := middleware.NewRateLimiter(rateLimits, slogger)
	defer limiter.Stop()

	var adminGuard *middleware.AdminAuth
	if cfg.Admin.Enabled {
		jwtSecret, err := cfg.Admin.ResolveJWTSecret()
		if err != nil {
			logger.Fatalf("resolve admin secret: %v", err)
		}
		adminGuard = middleware.NewAdminAuth(middleware.AdminAuthConfig{
			Enabled:   true,
			JWTSecret: jwtSecret,
			Issuer:    cfg.Admin.Issuer,
			Audience:  cfg.Admin.Audience,
			ClockSkew: cfg.Admin.ClockSkew.Std(),
		}, slogger, nil)
	}

	autoUpgrade := cfg.Security.AutoUpgradeHTTP
	if override := strings.TrimSpace(os.Getenv("SIGGATE_AUTO_HTTPS")); override != "" {
		parsed, err := strconv.ParseBool(override)
		if err != nil {
			logger.Fatalf("parse SIGGATE_AUTO_HTTPS: %v", err)
		}
		autoUpgrade = parsed
	}

	serviceRoutes := make([]routes.Route, 0, len(cfg.Routes))
	for _, route := range cfg.Routes {
		target, err := route.UpstreamURL()
		if err != nil {
			logger.Fatalf("configure routes: %v", err)
		}
		secured, upgraded, err := config.EnforceSecureScheme(env, target, autoUpgrade)
		if err != nil {
			logger.Fatalf("enforce HTTPS for route %s: %v", route.Name, err)
		}
		if upgraded {
			logger.Printf("auto-upgraded route %s upstream to HTTPS", route.Name)
		}
		rateKey := ""
		if route.RateLimit != nil {
			rateKey = route.Name
		}
		serviceRoutes = append(serviceRoutes, routes.Route{
			Name:         route.Name,
			Prefix:       route.Prefix,
			Target:       secured,
			StripPrefix:  route.StripPrefix,
			RateLimitKey: rateKey,
		})
	}

	var corsCfg *middleware.CORSConfig
	if cfg.CORS.Enabled {
		corsCfg = &middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
		}
	}

	router, err := routes.New(routes.Config{
		Routes:        serviceRoutes,
		Verifier:      verifier,
		AdminGuard:    adminGuard,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          corsCfg,
		Logger:        slogger,
	})
	if err != nil {
		logger.Fatalf("configure routes: %v", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "siggated")
	}

	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		logger.Fatalf("configure TLS: %v", err)
	}

	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			logger.Fatal("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if !strings.EqualFold(env, "dev") && !isLoopbackAddress(cfg.ListenAddress) {
			logger.Fatal("plaintext gateway mode is restricted to loopback listeners or dev environment")
		}
	}

	slogger.Info("gateway configured",
		slog.String("listen", cfg.ListenAddress),
		slog.Int("routes", len(serviceRoutes)),
		slog.Int64("allowed_skew_seconds", cfg.Auth.AllowedSkewSeconds),
		slog.Bool("admin_guard", adminGuard != nil),
	)

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout.Std(),
		WriteTimeout: cfg.WriteTimeout.Std(),
		IdleTimeout:  cfg.IdleTimeout.Std(),
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		logger.Printf("listening on %s://%s", scheme, listener.Addr())
		var serveErr error
		if tlsConfig != nil {
			serveErr = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			serveErr = server.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	caPath := resolveTLSPath(baseDir, sec.TLSClientCAFile)
	if strings.TrimSpace(certPath) == "" && strings.TrimSpace(keyPath) == "" && strings.TrimSpace(caPath) == "" {
		return nil, nil
	}
	if strings.TrimSpace(certPath) == "" || strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must both be provided when enabling TLS")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if strings.TrimSpace(caPath) != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
