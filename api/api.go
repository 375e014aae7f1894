package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/chatguard/auth"
	"github.com/jmcleod/chatguard/guard"
)

const (
	// DefaultBasePath is where the server mounts the router.
	DefaultBasePath       = "/api"
	defaultCookieLifetime = 24 * time.Hour
)

// API serves the session endpoints the chat pages call.
type API struct {
	auth     *auth.Service
	keys     auth.KeySource
	basePath string

	cookieName     string
	cookieLifetime time.Duration
	secureCookies  bool
	trustedProxies []netip.Prefix

	accountLimiter *backoffLimiter
	ipLimiter      *backoffLimiter
	globalLimiter  *windowLimiter
	regIPLimiter   *backoffLimiter
	regLimiter     *windowLimiter

	logger        *slog.Logger
	audit         *auditLogger
	webhookURL    string
	webhookHeader string
	webhook       *auditWebhook
	alertFn       AlertFunc
	now           func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithBasePath sets the prefix the router is mounted under. It is used for
// the documentation links. Defaults to "/api".
func WithBasePath(p string) Option {
	return func(a *API) {
		a.basePath = strings.TrimRight(p, "/")
	}
}

// WithCookieName sets the session cookie name read by the guard.
func WithCookieName(name string) Option {
	return func(a *API) {
		a.cookieName = name
	}
}

// WithCookieLifetime sets how long session cookies live in the browser.
func WithCookieLifetime(d time.Duration) Option {
	return func(a *API) {
		a.cookieLifetime = d
	}
}

// WithSecureCookies forces the Secure attribute on every cookie. Without it
// cookies are Secure only on TLS requests.
func WithSecureCookies(secure bool) Option {
	return func(a *API) {
		a.secureCookies = secure
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honored when deriving the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as login
// failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. header, if set, is a
// "Name: value" pair added to each delivery.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// New creates an API backed by the account flows and the public key source.
func New(svc *auth.Service, keys auth.KeySource, opts ...Option) *API {
	a := &API{
		auth:           svc,
		keys:           keys,
		basePath:       DefaultBasePath,
		cookieName:     guard.DefaultCookieName,
		cookieLifetime: defaultCookieLifetime,
		accountLimiter: newBackoffLimiter(accountLimits),
		ipLimiter:      newBackoffLimiter(ipLimits),
		globalLimiter:  newWindowLimiter(globalLimits),
		regIPLimiter:   newBackoffLimiter(registrationIPLimits),
		regLimiter:     newWindowLimiter(registrationLimits),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
		a.audit.webhook = a.webhook
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Close stops background delivery of audit events.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	specURL := a.basePath + "/openapi.yaml"
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: specURL,
		Path:    strings.TrimPrefix(a.basePath+"/docs", "/"),
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: specURL,
		Path:    strings.TrimPrefix(a.basePath+"/redoc", "/"),
	}, nil))

	r.Get("/auth/public-key", a.PublicKey)

	r.Route("/session", func(r chi.Router) {
		r.Post("/login", a.Login)
		r.Post("/register", a.Register)
		r.Post("/password-reset", a.PasswordReset)
		r.With(a.CSRFMiddleware).Post("/logout", a.Logout)
	})

	return r
}
