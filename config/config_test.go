package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8000", cfg.Upstream.URL)
	assert.Equal(t, 24*time.Hour, cfg.KeyCache.TTL.Std())
	assert.Equal(t, []string{"/chat"}, cfg.Guard.Protected)
	assert.False(t, cfg.Production())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mode = "production"

[server]
port = 9443
trusted_proxies = ["10.0.0.0/8"]

[upstream]
url = "https://api.example.com"
timeout = "5s"

[keycache]
ttl = "2h"

[guard]
protected = ["/chat", "/settings"]

[[identity.users]]
email = "ana@example.com"
password = "password1"

[audit]
webhook_url = "https://audit.example.com/events"
webhook_header = "Authorization: Bearer hook"

[log]
level = "debug"
format = "text"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Production())
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.Server.DataDir, "unset keys keep defaults")
	assert.Equal(t, "https://api.example.com", cfg.Upstream.URL)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout.Std())
	assert.Equal(t, 2*time.Hour, cfg.KeyCache.TTL.Std())
	assert.Equal(t, 10*time.Second, cfg.KeyCache.FetchTimeout.Std())
	assert.Equal(t, []string{"/chat", "/settings"}, cfg.Routes().Protected)
	require.Len(t, cfg.Identity.Users, 1)
	assert.Equal(t, "ana@example.com", cfg.Identity.Users[0].Email)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
	prefixes, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, prefixes)
	assert.Equal(t, "https://audit.example.com/events", cfg.Audit.WebhookURL)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, `[keycache]
ttl = "forever"
`))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, `mode = `))
	assert.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMode, "production")
	t.Setenv(EnvAPIURL, "https://chat.example.com/api")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, "https://chat.example.com/api", cfg.Upstream.URL)

	cfg = Default()
	cfg.applyEnv(func(string) string { return "" })
	assert.False(t, cfg.Production())

	cfg.applyEnv(func(k string) string {
		if k == EnvMode {
			return "staging"
		}
		return ""
	})
	assert.False(t, cfg.Production(), "only the exact production value switches mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "qa" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"half tls", func(c *Config) { c.Server.TLSCert = "cert.pem" }},
		{"relative url", func(c *Config) { c.Upstream.URL = "/api" }},
		{"ftp url", func(c *Config) { c.Upstream.URL = "ftp://example.com" }},
		{"zero ttl", func(c *Config) { c.KeyCache.TTL = 0 }},
		{"negative fetch timeout", func(c *Config) { c.KeyCache.FetchTimeout = Duration(-time.Second) }},
		{"zero upstream timeout", func(c *Config) { c.Upstream.Timeout = 0 }},
		{"empty cookie name", func(c *Config) { c.Session.CookieName = "" }},
		{"zero cookie lifetime", func(c *Config) { c.Session.CookieLifetime = 0 }},
		{"zero token lifetime", func(c *Config) { c.Identity.TokenLifetime = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"empty protected", func(c *Config) { c.Guard.Protected = nil }},
		{"protected login", func(c *Config) { c.Guard.LoginPath = "/chat/login" }},
		{"overlap", func(c *Config) { c.Guard.Guest = append(c.Guard.Guest, "/chat/lobby") }},
		{"empty guest table", func(c *Config) { c.Guard.Guest = nil }},
		{"bad trusted proxy", func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} }},
		{"relative webhook", func(c *Config) { c.Audit.WebhookURL = "/hook" }},
		{"webhook header without colon", func(c *Config) {
			c.Audit.WebhookURL = "https://audit.example.com/events"
			c.Audit.WebhookHeader = "Bearer abc"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestDevUpstreamSkipsURLCheck(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Dev = true
	cfg.Upstream.URL = ""
	assert.NoError(t, cfg.Validate())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90m")))
	assert.Equal(t, 90*time.Minute, d.Std())
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(text))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		c := LogConfig{Level: "warn", Format: format}
		l := c.NewLogger()
		require.NotNil(t, l)
		assert.False(t, l.Enabled(t.Context(), -4))
		assert.True(t, l.Enabled(t.Context(), 4))
	}
}
