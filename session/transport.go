package session

import (
	"net/http"

	"github.com/jmcleod/chatguard/apiclient"
)

// Transport returns an http.RoundTripper that authenticates requests before
// handing them to base (http.DefaultTransport when nil).
//
// Requests that require authentication get the default Authorization value
// unless they carry their own, and then, if the provider has a live
// principal, a force-refreshed token overriding it for that request only.
// Requests marked with apiclient.WithoutAuth are sent without Authorization.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{manager: m, base: base}
}

type transport struct {
	manager *Manager
	base    http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)

	if !apiclient.AuthRequired(ctx) {
		out.Header.Del("Authorization")
		return t.base.RoundTrip(out)
	}

	if out.Header.Get("Authorization") == "" {
		if def := t.manager.DefaultAuthorization(); def != "" {
			out.Header.Set("Authorization", def)
		}
	}

	if p := t.manager.provider.CurrentPrincipal(); p != nil {
		token, err := p.Token(ctx, true)
		if err != nil {
			t.manager.recordRefreshFailure(&TokenRefreshError{UID: p.UID(), Err: err})
		} else {
			out.Header.Set("Authorization", bearer(token))
		}
	}

	return t.base.RoundTrip(out)
}
