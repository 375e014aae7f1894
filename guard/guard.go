// Package guard decides, ahead of any page handler, whether an inbound
// request is forwarded, redirected to the login page, or redirected into the
// app. The decision is a pure function of the path, the session cookie and
// the static route tables; it never performs I/O.
package guard

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultCookieName  = "auth_token"
	DefaultLoginPath   = "/login"
	DefaultLandingPath = "/chat"
)

// Action is what the guard does with a request.
type Action int

const (
	Forward Action = iota
	Redirect
)

// Decision is the guard's verdict for one request.
type Decision struct {
	Action Action
	// Target is the redirect location when Action is Redirect.
	Target string
	// ClearCookie asks for the session cookie to be expired on the response.
	ClearCookie bool
}

func (d Decision) String() string {
	if d.Action == Forward {
		return "forward"
	}
	return fmt.Sprintf("redirect(%s, clearCookie=%t)", d.Target, d.ClearCookie)
}

// Guard classifies requests and applies the decision table.
type Guard struct {
	routes      Routes
	loginPath   string
	landingPath string
	cookieName  string
	secure      bool
	now         func() time.Time
	logger      *slog.Logger

	misconfigured error
}

// Option configures a Guard.
type Option func(*Guard)

// WithLoginPath sets the redirect target for unauthenticated access.
func WithLoginPath(p string) Option {
	return func(g *Guard) {
		g.loginPath = p
	}
}

// WithLandingPath sets the redirect target for authenticated guests.
func WithLandingPath(p string) Option {
	return func(g *Guard) {
		g.landingPath = p
	}
}

// WithCookieName sets the session cookie name.
func WithCookieName(name string) Option {
	return func(g *Guard) {
		g.cookieName = name
	}
}

// WithSecureCookies marks cleared cookies Secure regardless of the request.
func WithSecureCookies(secure bool) Option {
	return func(g *Guard) {
		g.secure = secure
	}
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New returns a Guard for routes. Misconfigured routes do not fail
// construction: the guard fails closed instead, treating every path except
// the login path as Protected. Misconfigured reports the problem.
func New(routes Routes, opts ...Option) *Guard {
	g := &Guard{
		routes:      routes,
		loginPath:   DefaultLoginPath,
		landingPath: DefaultLandingPath,
		cookieName:  DefaultCookieName,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "guard")
	g.loginPath = cleanPath(g.loginPath)
	g.landingPath = cleanPath(g.landingPath)

	err := routes.Validate()
	if err == nil {
		switch {
		case routes.Classify(g.loginPath) == Protected:
			err = fmt.Errorf("%w: login path %q is protected", ErrMisconfigured, g.loginPath)
		case routes.Classify(g.landingPath) == Guest:
			err = fmt.Errorf("%w: landing path %q is a guest route", ErrMisconfigured, g.landingPath)
		}
	}
	if err != nil {
		g.logger.Error("route tables rejected, failing closed", "error", err)
	}
	g.misconfigured = err
	return g
}

// Misconfigured returns the validation error that put the guard into
// fail-closed mode, or nil.
func (g *Guard) Misconfigured() error {
	return g.misconfigured
}

// Classify returns the class of path under this guard.
func (g *Guard) Classify(path string) RouteClass {
	if g.misconfigured != nil {
		if cleanPath(path) == g.loginPath {
			return Guest
		}
		return Protected
	}
	return g.routes.Classify(path)
}

// Decide applies the decision table. cookie is the session cookie value;
// present reports whether the cookie was sent at all.
func (g *Guard) Decide(path, cookie string, present bool, now time.Time) Decision {
	present = present && cookie != ""
	valid := present && TokenValid(cookie, now)

	switch g.Classify(path) {
	case Protected:
		if valid {
			return Decision{Action: Forward}
		}
		return Decision{Action: Redirect, Target: g.loginPath, ClearCookie: present}
	case Guest:
		if valid {
			return Decision{Action: Redirect, Target: g.landingPath}
		}
		return Decision{Action: Forward}
	default:
		return Decision{Action: Forward}
	}
}

// Evaluate reads the session cookie from r and decides.
func (g *Guard) Evaluate(r *http.Request) Decision {
	var value string
	cookie, err := r.Cookie(g.cookieName)
	present := err == nil
	if present {
		value = cookie.Value
	}
	return g.Decide(r.URL.Path, value, present, g.now())
}

// Middleware runs the guard before next. Redirects are 307 with no cache,
// never carry an Authorization header, and expire the session cookie when
// the decision asks for it.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Evaluate(r)
		if d.Action == Forward {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Del("Authorization")
		h.Set("Cache-Control", "no-store")
		if d.ClearCookie {
			g.clearCookie(w, r)
		}
		g.logger.Debug("guard redirect",
			"path", r.URL.Path, "target", d.Target, "clear_cookie", d.ClearCookie)
		http.Redirect(w, r, d.Target, http.StatusTemporaryRedirect)
	})
}

func (g *Guard) clearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    "",
		Path:     "/",
		Secure:   g.secure || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
