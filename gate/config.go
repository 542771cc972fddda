package gate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for timeouts and lifetimes.
const (
	DefaultValidateTimeout = 4 * time.Second
	DefaultSignOutTimeout  = 4 * time.Second
	DefaultRefreshLead     = 2 * time.Minute
	DefaultSessionTTL      = 7 * 24 * time.Hour
	DefaultPKCETTL         = 10 * time.Minute
	DefaultUpstreamTimeout = 30 * time.Second
)

// Config captures the full gateway configuration loaded from YAML plus
// environment overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Authority AuthorityConfig `yaml:"authority"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Routes    RoutesConfig    `yaml:"routes"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig controls listener, TLS, and cookie scope concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production listeners.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthorityConfig points at the identity authority and sets the bounds on
// every round-trip made to it.
type AuthorityConfig struct {
	Issuer        string        `yaml:"issuer"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Scopes        []string      `yaml:"scopes"`
	SignupURL     string        `yaml:"signup_url"`
	RevocationURL string        `yaml:"revocation_url"`

	// Durations are Go duration strings ("4s", "2m"). Empty falls back to
	// the package defaults.
	ValidateTimeout string `yaml:"validate_timeout"`
	SignOutTimeout  string `yaml:"sign_out_timeout"`

	// FailOpen lets requests through to protected paths when the authority
	// is unreachable. Off by default: fail-open trades correctness for
	// availability and has to be an explicit operator choice.
	FailOpen bool `yaml:"fail_open"`
}

// SessionConfig controls the session cookie codec and refresh policy.
type SessionConfig struct {
	CookieName     string `yaml:"cookie_name"`
	PKCECookieName string `yaml:"pkce_cookie_name"`
	EncryptionKey  string `yaml:"encryption_key"` // 32 bytes, hex
	TTL            string `yaml:"ttl"`
	RefreshLead    string `yaml:"refresh_lead"`
	PKCETTL        string `yaml:"pkce_ttl"`
}

// RoutesConfig is the protected-path policy. Data, not code: paths change
// without touching validator logic.
type RoutesConfig struct {
	// Protected lists path prefixes that require a validated session.
	Protected []string `yaml:"protected"`
	// AuthEntry lists exact paths that bounce already-authenticated users
	// back home (sign-in and sign-up pages).
	AuthEntry []string `yaml:"auth_entry"`
	LoginPath string   `yaml:"login_path"`
	HomePath  string   `yaml:"home_path"`
}

// UpstreamConfig names the application served behind the gate.
type UpstreamConfig struct {
	Target       string `yaml:"target"`
	PreserveHost bool   `yaml:"preserve_host"`
	Timeout      string `yaml:"timeout"`
}

// RedisConfig enables the Redis-backed replay guard for multi-instance
// deployments. Empty addr keeps the in-memory guard.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration template with defaults applied.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".autocert",
				HSTSMaxAge: 63072000,
			},
		},
		Sessions: SessionConfig{
			CookieName:     "ag_session",
			PKCECookieName: "ag_pkce",
		},
		Routes: RoutesConfig{
			Protected: []string{"/dashboard", "/account", "/api/private"},
			AuthEntry: []string{"/login", "/signup"},
			LoginPath: "/login",
			HomePath:  "/dashboard",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_SERVER_DEV_LISTEN_ADDR":  func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_SERVER_COOKIE_DOMAIN":    func(v string) { cfg.Server.CookieDomain = v },
		"AUTHGATE_AUTHORITY_ISSUER":        func(v string) { cfg.Authority.Issuer = v },
		"AUTHGATE_AUTHORITY_CLIENT_ID":     func(v string) { cfg.Authority.ClientID = v },
		"AUTHGATE_AUTHORITY_CLIENT_SECRET": func(v string) { cfg.Authority.ClientSecret = v },
		"AUTHGATE_AUTHORITY_FAIL_OPEN":     func(v string) { cfg.Authority.FailOpen = parseBool(v, cfg.Authority.FailOpen) },
		"AUTHGATE_SESSIONS_ENCRYPTION_KEY": func(v string) { cfg.Sessions.EncryptionKey = v },
		"AUTHGATE_SESSIONS_REFRESH_LEAD":   func(v string) { cfg.Sessions.RefreshLead = v },
		"AUTHGATE_ROUTES_PROTECTED":        func(v string) { cfg.Routes.Protected = splitAndTrim(v) },
		"AUTHGATE_ROUTES_AUTH_ENTRY":       func(v string) { cfg.Routes.AuthEntry = splitAndTrim(v) },
		"AUTHGATE_UPSTREAM_TARGET":         func(v string) { cfg.Upstream.Target = v },
		"AUTHGATE_REDIS_ADDR":              func(v string) { cfg.Redis.Addr = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url required")
	}
	if c.Authority.Issuer == "" && !c.Server.DevMode {
		return fmt.Errorf("authority.issuer required")
	}
	if !c.Server.DevMode && c.Sessions.EncryptionKey == "" {
		return fmt.Errorf("sessions.encryption_key required outside dev mode")
	}
	if c.Sessions.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Sessions.EncryptionKey)
		if err != nil {
			return fmt.Errorf("sessions.encryption_key must be hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("sessions.encryption_key must be 32 bytes, got %d", len(key))
		}
	}
	if c.Routes.LoginPath == "" || c.Routes.HomePath == "" {
		return fmt.Errorf("routes.login_path and routes.home_path required")
	}
	durations := map[string]string{
		"authority.validate_timeout": c.Authority.ValidateTimeout,
		"authority.sign_out_timeout": c.Authority.SignOutTimeout,
		"sessions.ttl":               c.Sessions.TTL,
		"sessions.refresh_lead":      c.Sessions.RefreshLead,
		"sessions.pkce_ttl":          c.Sessions.PKCETTL,
		"upstream.timeout":           c.Upstream.Timeout,
	}
	for field, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field, val)
		}
	}
	return nil
}

// EncryptionKeyBytes decodes the configured key, or generates an ephemeral
// one in dev mode.
func (c Config) EncryptionKeyBytes() ([]byte, error) {
	if c.Sessions.EncryptionKey != "" {
		return hex.DecodeString(c.Sessions.EncryptionKey)
	}
	if !c.Server.DevMode {
		return nil, fmt.Errorf("sessions.encryption_key required outside dev mode")
	}
	return randomKey(32), nil
}
