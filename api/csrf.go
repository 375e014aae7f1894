package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	csrfCookieName = "chatguard_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection on requests
// that carry the session cookie. Safe methods and requests without a session
// cookie pass through.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(a.cookieName); err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			a.audit.logFailure(AuditCSRFRejected, r, "missing csrf token")
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			a.audit.logFailure(AuditCSRFRejected, r, "csrf token mismatch")
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the double-submit cookie. It is readable by page
// scripts, which echo it in the X-CSRF-Token header.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    uuid.NewString(),
		Path:     "/",
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
}

func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
