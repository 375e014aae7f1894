package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/chatguard/auth"
	"github.com/jmcleod/chatguard/identity"
)

// Confirmation messages shown by the pages.
const (
	msgLoginSuccess  = "Login successful!"
	msgResetSent     = "Recovery email sent! Please check your inbox."
	msgLogoutSuccess = "Successfully logged out!"
)

// Login handles POST /session/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	accountID := accountKey(req.Email)
	clientIP := a.extractClientIP(r)

	// Global, then IP, then per-account.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}
	if accountID != "" {
		if blocked, retryAfter := a.accountLimiter.check(accountID); blocked {
			a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited",
				slog.String("account_id", accountID))
			writeRateLimited(w, retryAfter)
			return
		}
	}

	sess, err := a.auth.SignIn(r.Context(), auth.LoginInput{Email: req.Email, Password: req.Password})
	if err != nil {
		if credentialFailure(err) {
			a.globalLimiter.record()
			a.ipLimiter.recordFailure(clientIP)
			if accountID != "" {
				a.accountLimiter.recordFailure(accountID)
			}
			a.audit.logFailure(AuditLoginFailure, r, identityReason(err),
				slog.String("account_id", accountID))
		}
		a.mapError(w, r, err)
		return
	}

	a.accountLimiter.recordSuccess(accountID)
	a.ipLimiter.recordSuccess(clientIP)
	a.startSession(w, r, sess)
	a.audit.logEvent(AuditLoginSuccess, r, sess.Principal.UID())
	writeJSON(w, http.StatusOK, sessionResponse(sess, msgLoginSuccess))
}

// Register handles POST /session/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.regLimiter.check(); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.regIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	a.regIPLimiter.recordFailure(clientIP)
	a.regLimiter.record()

	sess, err := a.auth.Register(r.Context(), auth.SignUpInput{
		Name:            req.Name,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		if _, ok := errors.AsType[*auth.ValidationError](err); !ok {
			a.audit.logFailure(AuditRegisterFailure, r, err.Error(),
				slog.String("account_id", accountKey(req.Email)))
		}
		a.mapError(w, r, err)
		return
	}

	a.startSession(w, r, sess)
	a.audit.logEvent(AuditRegister, r, sess.Principal.UID())
	writeJSON(w, http.StatusCreated, sessionResponse(sess, msgLoginSuccess))
}

// PasswordReset handles POST /session/password-reset.
func (a *API) PasswordReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasswordResetRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.auth.ResetPassword(r.Context(), auth.ResetInput{Email: req.Email}); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordReset, r, accountKey(req.Email))
	writeJSON(w, http.StatusOK, MessageResponse{Message: msgResetSent})
}

// Logout handles POST /session/logout. Only the holder of the current
// session may end it; a caller without a matching session cookie gets 401.
// The caller's cookies are cleared either way.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(a.cookieName); err == nil {
		token = c.Value
	}
	err := a.auth.SignOut(r.Context(), token)
	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	if err != nil {
		if errors.Is(err, auth.ErrNotSignedIn) {
			a.audit.logFailure(AuditLogoutRejected, r, "no matching session")
		}
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditLogout, r)
	writeJSON(w, http.StatusOK, MessageResponse{Message: msgLogoutSuccess})
}

// PublicKey handles GET /auth/public-key. It returns the cached server key
// and mirrors it into the rsa_public_key cookie.
func (a *API) PublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.keys.PublicKey(r.Context())
	if err != nil {
		a.audit.logFailure(AuditKeyUnavailable, r, err.Error())
		a.mapError(w, r, err)
		return
	}
	if err := a.writePublicKeyCookie(w, r, key); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, PublicKeyResponse{PublicKey: key})
}

// startSession writes the session and CSRF cookies for sess.
func (a *API) startSession(w http.ResponseWriter, r *http.Request, sess *auth.Session) {
	expires := a.now().Add(a.cookieLifetime)
	a.writeSessionCookie(w, r, sess.Token, expires)
	a.writeCSRFCookie(w, r, expires)
}

func sessionResponse(sess *auth.Session, msg string) SessionResponse {
	return SessionResponse{
		UID:       sess.Principal.UID(),
		Email:     sess.Principal.Email(),
		ExpiresAt: sess.ExpiresAt,
		Message:   msg,
	}
}

// credentialFailure reports whether err counts against the login limiters.
func credentialFailure(err error) bool {
	return identity.IsKind(err, identity.KindUnknownUser) ||
		identity.IsKind(err, identity.KindWrongCredential) ||
		identity.IsKind(err, identity.KindInvalidCredential)
}

func identityReason(err error) string {
	if e, ok := errors.AsType[*identity.Error](err); ok {
		return e.Kind().String()
	}
	return "unexpected"
}
