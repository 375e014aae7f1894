// Package config loads the chatguard server configuration from TOML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/jmcleod/chatguard/guard"
	"github.com/jmcleod/chatguard/internal/util"
)

// Environment variables that override the file.
const (
	EnvMode   = "CHATGUARD_ENV"
	EnvAPIURL = "CHATGUARD_API_URL"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("24h") in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the server configuration.
type Config struct {
	// Mode is "development" or "production". Production forces Secure
	// cookies.
	Mode     string         `toml:"mode"`
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	KeyCache KeyCacheConfig `toml:"keycache"`
	Guard    GuardConfig    `toml:"guard"`
	Session  SessionConfig  `toml:"session"`
	Identity IdentityConfig `toml:"identity"`
	Audit    AuditConfig    `toml:"audit"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port    int    `toml:"port"`
	DataDir string `toml:"data_dir"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
	// TrustedProxies lists CIDRs whose forwarding headers identify the
	// client for rate limiting.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	return util.ParsePrefixes(s.TrustedProxies)
}

// UpstreamConfig points at the chat API.
type UpstreamConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
	// Dev runs an in-process development upstream and ignores URL.
	Dev bool `toml:"dev"`
}

// KeyCacheConfig tunes the public key cache.
type KeyCacheConfig struct {
	TTL          Duration `toml:"ttl"`
	FetchTimeout Duration `toml:"fetch_timeout"`
	// Persist mirrors the key into a bbolt file under the data directory.
	Persist bool `toml:"persist"`
}

// GuardConfig holds the route tables and redirect targets.
type GuardConfig struct {
	LoginPath   string   `toml:"login_path"`
	LandingPath string   `toml:"landing_path"`
	Guest       []string `toml:"guest"`
	Protected   []string `toml:"protected"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	CookieName     string   `toml:"cookie_name"`
	CookieLifetime Duration `toml:"cookie_lifetime"`
}

// IdentityConfig configures the built-in identity provider.
type IdentityConfig struct {
	TokenLifetime Duration   `toml:"token_lifetime"`
	Users         []UserSeed `toml:"users"`
}

// UserSeed is an account created at startup.
type UserSeed struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
}

// AuditConfig forwards audit events to an external collector.
type AuditConfig struct {
	WebhookURL string `toml:"webhook_url"`
	// WebhookHeader is an optional "Name: value" header sent with each event.
	WebhookHeader string `toml:"webhook_header"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	routes := guard.DefaultRoutes()
	return &Config{
		Mode: ModeDevelopment,
		Server: ServerConfig{
			Port:    8443,
			DataDir: "./data",
		},
		Upstream: UpstreamConfig{
			URL:     "http://localhost:8000",
			Timeout: Duration(15 * time.Second),
		},
		KeyCache: KeyCacheConfig{
			TTL:          Duration(24 * time.Hour),
			FetchTimeout: Duration(10 * time.Second),
			Persist:      true,
		},
		Guard: GuardConfig{
			LoginPath:   guard.DefaultLoginPath,
			LandingPath: guard.DefaultLandingPath,
			Guest:       routes.Guest,
			Protected:   routes.Protected,
		},
		Session: SessionConfig{
			CookieName:     guard.DefaultCookieName,
			CookieLifetime: Duration(24 * time.Hour),
		},
		Identity: IdentityConfig{
			TokenLifetime: Duration(time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv(EnvMode) == ModeProduction {
		c.Mode = ModeProduction
	}
	if u := getenv(EnvAPIURL); u != "" {
		c.Upstream.URL = u
	}
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return c.Mode == ModeProduction
}

// Routes returns the guard tables.
func (c *Config) Routes() guard.Routes {
	return guard.Routes{Guest: c.Guard.Guest, Protected: c.Guard.Protected}
}

// Validate reports every problem in c, each wrapped with ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		bad("mode %q must be %q or %q", c.Mode, ModeDevelopment, ModeProduction)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		bad("server.tls_cert and server.tls_key must be set together")
	}
	if !c.Upstream.Dev {
		if u, err := url.Parse(c.Upstream.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("upstream.url %q must be an absolute http(s) URL", c.Upstream.URL)
		}
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		bad("server.trusted_proxies: %v", err)
	}
	if c.Audit.WebhookURL != "" {
		if u, err := url.Parse(c.Audit.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			bad("audit.webhook_url %q must be an absolute http(s) URL", c.Audit.WebhookURL)
		}
		if c.Audit.WebhookHeader != "" && !strings.Contains(c.Audit.WebhookHeader, ":") {
			bad("audit.webhook_header must be \"Name: value\"")
		}
	}
	if c.Upstream.Timeout <= 0 {
		bad("upstream.timeout must be positive")
	}
	if c.KeyCache.TTL <= 0 {
		bad("keycache.ttl must be positive")
	}
	if c.KeyCache.FetchTimeout <= 0 {
		bad("keycache.fetch_timeout must be positive")
	}
	if c.Session.CookieName == "" {
		bad("session.cookie_name must not be empty")
	}
	if c.Session.CookieLifetime <= 0 {
		bad("session.cookie_lifetime must be positive")
	}
	if c.Identity.TokenLifetime <= 0 {
		bad("identity.token_lifetime must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		bad("log.format %q must be json or text", c.Log.Format)
	}

	g := guard.New(c.Routes(),
		guard.WithLoginPath(c.Guard.LoginPath),
		guard.WithLandingPath(c.Guard.LandingPath),
		guard.WithLogger(slog.New(slog.DiscardHandler)))
	if err := g.Misconfigured(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger described by c.
func (c *LogConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
