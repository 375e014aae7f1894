package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/auth"
	"github.com/jmcleod/chatguard/envelope"
	"github.com/jmcleod/chatguard/identity"
	"github.com/jmcleod/chatguard/keycache"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor picks the HTTP status for an error from the account flows.
func statusFor(err error) int {
	if _, ok := errors.AsType[*auth.ValidationError](err); ok {
		return http.StatusBadRequest
	}
	if e, ok := errors.AsType[*identity.Error](err); ok {
		switch e.Kind() {
		case identity.KindUnknownUser, identity.KindWrongCredential, identity.KindInvalidCredential:
			return http.StatusUnauthorized
		case identity.KindDisabledAccount:
			return http.StatusForbidden
		case identity.KindRateLimited:
			return http.StatusTooManyRequests
		case identity.KindEmailInUse:
			return http.StatusConflict
		case identity.KindInvalidInput, identity.KindWeakSecret:
			return http.StatusBadRequest
		case identity.KindNetworkError:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
	if errors.Is(err, auth.ErrNotSignedIn) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, keycache.ErrKeyUnavailable) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, envelope.ErrEncryptionFailure) {
		return http.StatusInternalServerError
	}
	if e, ok := errors.AsType[*apiclient.Error](err); ok {
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, apiclient.ErrNetwork) || errors.Is(err, auth.ErrRegistrationRejected) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// mapError writes err as a JSON error with the user-facing message. The raw
// error is only logged.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.audit.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, status, auth.Message(err))
}
