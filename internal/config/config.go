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

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Log       LogConfig       `yaml:"log"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type ServerConfig struct {
	Port                     int      `yaml:"port"`
	Env                      string   `yaml:"env"` // "development" | "production"
	TrustedProxies           []string `yaml:"trusted_proxies"`
	GlobalRPS                float64  `yaml:"global_rps"`   // 0 disables the throttle
	GlobalBurst              int      `yaml:"global_burst"` //
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownGraceSeconds     int      `yaml:"shutdown_grace_seconds"`
}

type AuthConfig struct {
	Secret             string `yaml:"secret"`
	TokenExpirySeconds int    `yaml:"token_expiry_seconds"`
	ClockLeewaySeconds int    `yaml:"clock_leeway_seconds"`
}

type StoreConfig struct {
	Backend  string `yaml:"backend"` // "redis" | "memory"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TierConfig struct {
	Requests int   `yaml:"requests"`
	WindowMs int64 `yaml:"window_ms"`
}

type RateLimitConfig struct {
	DefaultRequests int                   `yaml:"default_requests"`
	DefaultWindowMs int64                 `yaml:"default_window_ms"`
	Tiers           map[string]TierConfig `yaml:"tiers"`
}

type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	MonitorTimeoutSeconds  int `yaml:"monitor_timeout_seconds"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
	SocketTimeoutSeconds         int `yaml:"socket_timeout_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type RouteConfig struct {
	Path          string   `yaml:"path"`
	Target        string   `yaml:"target"`
	TimeoutMs     int64    `yaml:"timeout_ms"`
	Retries       int      `yaml:"retries"`
	AuthRequired  bool     `yaml:"auth_required"`
	RateLimitTier string   `yaml:"rate_limit_tier"`
	Methods       []string `yaml:"methods"`
	StripPath     *bool    `yaml:"strip_path"`
	PreserveHost  bool     `yaml:"preserve_host"`
	ChangeOrigin  *bool    `yaml:"change_origin"`
	RequiredRoles []string `yaml:"required_roles"`
	RequiredPerms []string `yaml:"required_permissions"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = EnvDevelopment
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 5
	}
	if cfg.Server.GlobalBurst == 0 && cfg.Server.GlobalRPS > 0 {
		cfg.Server.GlobalBurst = int(cfg.Server.GlobalRPS)
	}

	if cfg.Auth.TokenExpirySeconds == 0 {
		cfg.Auth.TokenExpirySeconds = 24 * 3600
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Host == "" {
		cfg.Store.Host = "127.0.0.1"
	}
	if cfg.Store.Port == 0 {
		cfg.Store.Port = 6379
	}

	if cfg.RateLimit.DefaultRequests == 0 {
		cfg.RateLimit.DefaultRequests = 100
	}
	if cfg.RateLimit.DefaultWindowMs == 0 {
		cfg.RateLimit.DefaultWindowMs = 60_000
	}
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit.Tiers = map[string]TierConfig{}
	}
	if _, ok := cfg.RateLimit.Tiers["basic"]; !ok {
		cfg.RateLimit.Tiers["basic"] = TierConfig{
			Requests: cfg.RateLimit.DefaultRequests,
			WindowMs: cfg.RateLimit.DefaultWindowMs,
		}
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeoutSeconds == 0 {
		cfg.Breaker.RecoveryTimeoutSeconds = 30
	}
	if cfg.Breaker.MonitorTimeoutSeconds == 0 {
		cfg.Breaker.MonitorTimeoutSeconds = 60
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 3
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 256
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 64
	}
	if cfg.Upstream.SocketTimeoutSeconds == 0 {
		cfg.Upstream.SocketTimeoutSeconds = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.TimeoutMs == 0 {
			r.TimeoutMs = 5000
		}
		if r.RateLimitTier == "" {
			r.RateLimitTier = "basic"
		}
		if len(r.Methods) == 0 {
			r.Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
		}
		// change_origin is the http-proxy-middleware spelling of
		// "replace the Host header"; preserve_host wins when both are set.
		if r.ChangeOrigin != nil && !r.PreserveHost {
			r.PreserveHost = !*r.ChangeOrigin
		}
	}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Server.Env))
	if env != EnvDevelopment && env != EnvProduction {
		return fmt.Errorf("server.env must be %q or %q", EnvDevelopment, EnvProduction)
	}
	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return errors.New("auth.secret is required")
	}
	if env == EnvProduction && cfg.Auth.Secret == "dev-secret" {
		return errors.New("auth.secret must not be the dev default in production")
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if backend != "redis" && backend != "memory" {
		return errors.New("store.backend must be 'redis' or 'memory'")
	}

	for name, t := range cfg.RateLimit.Tiers {
		if t.Requests <= 0 {
			return fmt.Errorf("rate_limit.tiers[%s].requests must be > 0", name)
		}
		if t.WindowMs <= 0 {
			return fmt.Errorf("rate_limit.tiers[%s].window_ms must be > 0", name)
		}
	}

	if len(cfg.Routes) == 0 {
		return errors.New("at least one route is required")
	}
	seen := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		p := strings.TrimSpace(r.Path)
		if p == "" || !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s.path must start with '/'", idx)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("duplicate route path: %q", p)
		}
		seen[p] = struct{}{}

		if r.Target == "" {
			return fmt.Errorf("%s.target is required", idx)
		}
		u, err := url.Parse(r.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s.target must be an absolute url", idx)
		}
		if r.Retries < 0 {
			return fmt.Errorf("%s.retries cannot be negative", idx)
		}
		if r.TimeoutMs < 0 {
			return fmt.Errorf("%s.timeout_ms cannot be negative", idx)
		}
		if _, ok := cfg.RateLimit.Tiers[r.RateLimitTier]; !ok {
			return fmt.Errorf("%s.rate_limit_tier %q is not defined", idx, r.RateLimitTier)
		}
		for _, m := range r.Methods {
			switch strings.ToUpper(m) {
			case "GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD":
			default:
				return fmt.Errorf("%s.methods contains unsupported method %q", idx, m)
			}
		}
	}
	return nil
}

// Production reports whether the gateway runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Server.Env), EnvProduction)
}

// RedisAddr joins host and port for the go-redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Store.Host, c.Store.Port)
}

// TokenExpiry returns the default lifetime for minted tokens.
func (c *Config) TokenExpiry() time.Duration {
	return time.Duration(c.Auth.TokenExpirySeconds) * time.Second
}
