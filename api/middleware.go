package api

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/chatguard/envelope"
)

const (
	publicKeyCookieName = "rsa_public_key"
	// maxAuthBodySize bounds the JSON body of the session endpoints.
	maxAuthBodySize = 16 << 10
)

func (a *API) cookieSecure(r *http.Request) bool {
	return a.secureCookies || requestIsSecure(r)
}

// writeSessionCookie stores the identity token where the page guard reads
// it.
func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// writePublicKeyCookie mirrors the server public key into a readable cookie
// as bare base64 SPKI, since PEM line breaks are not valid cookie octets.
func (a *API) writePublicKeyCookie(w http.ResponseWriter, r *http.Request, encoded string) error {
	pub, err := envelope.ParsePublicKey(encoded)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     publicKeyCookieName,
		Value:    base64.StdEncoding.EncodeToString(der),
		Path:     "/",
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteStrictMode,
		Expires:  a.now().Add(a.cookieLifetime),
	})
	return nil
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// decodeJSON reads a single JSON object of at most limit bytes into T. On
// failure it writes a 400 (or 413) response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if _, ok := errors.AsType[*http.MaxBytesError](err); ok {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON object")
		return v, false
	}
	return v, true
}
