// Package identity describes the identity-provider capability the client
// consumes: credential verification, token issue and refresh, and
// session-change notification. The provider itself lives outside this
// module; identity/memory is a development implementation.
package identity

import (
	"context"
	"time"
)

// Principal is a signed-in identity.
type Principal interface {
	UID() string
	Email() string
	// Token returns a bearer token for the principal. forceRefresh asks the
	// provider for a freshly issued token even if the current one is valid.
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Event is a session-state change. A nil Principal means signed out.
type Event struct {
	Principal Principal
	At        time.Time
}

// Provider is the identity-provider capability.
type Provider interface {
	// SignIn verifies credentials and makes the principal current.
	SignIn(ctx context.Context, email, password string) (Principal, error)
	// SignOut clears the current principal.
	SignOut(ctx context.Context) error
	// SendPasswordReset asks the provider to send a reset message.
	SendPasswordReset(ctx context.Context, email string) error
	// CurrentPrincipal returns the live principal or nil.
	CurrentPrincipal() Principal
	// Subscribe returns a channel of session-state changes and a function
	// that ends the subscription and closes the channel. The current state
	// is delivered first. Slow readers only observe the latest state.
	Subscribe() (<-chan Event, func())
}

// TokenVerifier is implemented by providers that can check a token they
// issued. It returns the token's subject UID.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}
