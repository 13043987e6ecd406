package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\"")
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultAllowedSkewSeconds bounds timestamp drift when the config does not
// set auth.allowedSkewSeconds.
const DefaultAllowedSkewSeconds int64 = 120

// AuthConfig configures request signature verification. The shared secret is
// resolved from the first configured source in order: inline secret (dev
// only), environment variable, file. Resolved values are trimmed of
// surrounding whitespace.
type AuthConfig struct {
	Secret             string
	SecretEnv          string
	SecretFile         string
	AllowedSkewSeconds int64

	skewSet bool
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Secret             string `yaml:"secret"`
		SecretEnv          string `yaml:"secretEnv"`
		SecretFile         string `yaml:"secretFile"`
		AllowedSkewSeconds *int64 `yaml:"allowedSkewSeconds"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Secret = raw.Secret
	a.SecretEnv = raw.SecretEnv
	a.SecretFile = raw.SecretFile
	if raw.AllowedSkewSeconds != nil {
		a.AllowedSkewSeconds = *raw.AllowedSkewSeconds
		a.skewSet = true
	}
	return nil
}

// ResolveSecret returns the shared signing secret bytes. The secret value
// itself never appears in returned errors.
func (a AuthConfig) ResolveSecret() ([]byte, error) {
	if secret := strings.TrimSpace(a.Secret); secret != "" {
		return []byte(secret), nil
	}
	if name := strings.TrimSpace(a.SecretEnv); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("environment variable %s is unset or empty", name)
		}
		return []byte(value), nil
	}
	if path := strings.TrimSpace(a.SecretFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return nil, fmt.Errorf("secret file %s is empty", path)
		}
		return []byte(value), nil
	}
	return nil, errors.New("auth secret not configured: set auth.secret, auth.secretEnv, or auth.secretFile")
}

// AllowedSkew returns the replay window as a duration.
func (a AuthConfig) AllowedSkew() time.Duration {
	return time.Duration(a.AllowedSkewSeconds) * time.Second
}

// AdminConfig guards operator surfaces such as /metrics with bearer tokens.
type AdminConfig struct {
	Enabled      bool     `yaml:"enabled"`
	JWTSecret    string   `yaml:"jwtSecret"`
	JWTSecretEnv string   `yaml:"jwtSecretEnv"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	ClockSkew    Duration `yaml:"clockSkew"`
}

// ResolveJWTSecret returns the admin token secret from the inline value or
// the named environment variable.
func (a AdminConfig) ResolveJWTSecret() (string, error) {
	if secret := strings.TrimSpace(a.JWTSecret); secret != "" {
		return secret, nil
	}
	if name := strings.TrimSpace(a.JWTSecretEnv); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is unset or empty", name)
		}
		return value, nil
	}
	return "", errors.New("admin secret not configured: set admin.jwtSecret or admin.jwtSecretEnv")
}

// RateLimitConfig is a per-client token bucket applied to one route.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// RouteConfig maps a path prefix to an upstream service. The prefix is kept
// on the forwarded path unless stripPrefix is set, since signatures cover
// the path the client transmitted.
type RouteConfig struct {
	Name        string           `yaml:"name"`
	Prefix      string           `yaml:"prefix"`
	Upstream    string           `yaml:"upstream"`
	StripPrefix bool             `yaml:"stripPrefix"`
	RateLimit   *RateLimitConfig `yaml:"rateLimit"`
}

// UpstreamURL parses the route's upstream endpoint.
func (r RouteConfig) UpstreamURL() (*url.URL, error) {
	if strings.TrimSpace(r.Upstream) == "" {
		return nil, fmt.Errorf("upstream missing for route %s", r.Name)
	}
	parsed, err := url.Parse(r.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse route %s upstream: %w", r.Name, err)
	}
	return parsed, nil
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

// LogConfig adds an optional rotating file sink next to stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   Duration            `yaml:"readTimeout"`
	WriteTimeout  Duration            `yaml:"writeTimeout"`
	IdleTimeout   Duration            `yaml:"idleTimeout"`
	Auth          AuthConfig          `yaml:"auth"`
	Admin         AdminConfig         `yaml:"admin"`
	Routes        []RouteConfig       `yaml:"routes"`
	Observability ObservabilityConfig `yaml:"observability"`
	CORS          CORSConfig          `yaml:"cors"`
	Log           LogConfig           `yaml:"log"`
	Security      SecurityConfig      `yaml:"security"`
}

// Load reads, defaults, and validates the gateway configuration.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8080",
		ReadTimeout:   Duration(30 * time.Second),
		WriteTimeout:  Duration(30 * time.Second),
		IdleTimeout:   Duration(120 * time.Second),
		Observability: ObservabilityConfig{
			ServiceName:   "siggate",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "siggate",
		},
	}
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = Duration(30 * time.Second)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = Duration(30 * time.Second)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = Duration(120 * time.Second)
	}
	if !cfg.Auth.skewSet {
		cfg.Auth.AllowedSkewSeconds = DefaultAllowedSkewSeconds
		cfg.Auth.skewSet = true
	}
	if cfg.Admin.ClockSkew <= 0 {
		cfg.Admin.ClockSkew = Duration(2 * time.Minute)
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "siggate"
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = "siggate"
	}
	for i := range cfg.Routes {
		route := &cfg.Routes[i]
		route.Prefix = strings.TrimSpace(route.Prefix)
		if len(route.Prefix) > 1 {
			route.Prefix = strings.TrimRight(route.Prefix, "/")
		}
		if strings.TrimSpace(route.Name) == "" {
			route.Name = deriveRouteName(route.Prefix)
		}
	}
}

func deriveRouteName(prefix string) string {
	name := strings.ReplaceAll(strings.Trim(prefix, "/"), "/", "_")
	if name == "" {
		return "root"
	}
	return name
}

// Validate rejects configurations the gateway cannot serve safely.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Auth.AllowedSkewSeconds < 0 {
		return fmt.Errorf("auth.allowedSkewSeconds must not be negative")
	}
	if strings.TrimSpace(cfg.Auth.Secret) == "" &&
		strings.TrimSpace(cfg.Auth.SecretEnv) == "" &&
		strings.TrimSpace(cfg.Auth.SecretFile) == "" {
		return fmt.Errorf("auth requires one of secret, secretEnv, or secretFile")
	}
	if cfg.Admin.Enabled &&
		strings.TrimSpace(cfg.Admin.JWTSecret) == "" &&
		strings.TrimSpace(cfg.Admin.JWTSecretEnv) == "" {
		return fmt.Errorf("admin.enabled requires admin.jwtSecret or admin.jwtSecretEnv")
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	seenPrefixes := make(map[string]string, len(cfg.Routes))
	seenNames := make(map[string]struct{}, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if !strings.HasPrefix(route.Prefix, "/") || route.Prefix == "/" {
			return fmt.Errorf("routes[%d].prefix must start with '/' and name a subtree", i)
		}
		if other, dup := seenPrefixes[route.Prefix]; dup {
			return fmt.Errorf("routes[%d].prefix %s already used by route %s", i, route.Prefix, other)
		}
		seenPrefixes[route.Prefix] = route.Name
		if _, dup := seenNames[route.Name]; dup {
			return fmt.Errorf("routes[%d].name %s is not unique", i, route.Name)
		}
		seenNames[route.Name] = struct{}{}
		target, err := route.UpstreamURL()
		if err != nil {
			return err
		}
		scheme := strings.ToLower(target.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("routes[%d].upstream must use http or https", i)
		}
		if target.Host == "" {
			return fmt.Errorf("routes[%d].upstream must include a host", i)
		}
		if route.RateLimit != nil {
			if route.RateLimit.RequestsPerMinute <= 0 {
				return fmt.Errorf("routes[%d].rateLimit.requestsPerMinute must be positive", i)
			}
			if route.RateLimit.Burst < 0 {
				return fmt.Errorf("routes[%d].rateLimit.burst must not be negative", i)
			}
		}
	}
	return nil
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev
// environment. If autoUpgrade is enabled, insecure HTTP URLs are
// transparently upgraded to HTTPS. The returned boolean indicates whether an
// upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP upstreams are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
