// Package session keeps outbound requests authenticated. It mirrors the
// identity provider's session state into a default Authorization slot and
// refreshes the bearer token on every request that needs one.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jmcleod/chatguard/identity"
)

// ErrAlreadyStarted is returned by Start on a running Manager.
var ErrAlreadyStarted = errors.New("session manager already started")

// TokenRefreshError records a failed per-request token refresh. It is never
// returned to the caller of the request; the request proceeds without a
// refreshed token.
type TokenRefreshError struct {
	UID string
	Err error
}

func (e *TokenRefreshError) Error() string {
	return "token refresh failed: " + e.Err.Error()
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Manager owns the default Authorization slot and the provider subscription.
type Manager struct {
	provider  identity.Provider
	logger    *slog.Logger
	onFailure func(*TokenRefreshError)

	mu            sync.RWMutex
	authorization string

	refreshFailures atomic.Int64

	lifecycle sync.Mutex
	cancel    func()
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRefreshFailureHook is called for every failed per-request refresh.
func WithRefreshFailureHook(fn func(*TokenRefreshError)) Option {
	return func(m *Manager) {
		m.onFailure = fn
	}
}

// NewManager returns a Manager for provider. Call Start to follow the
// provider's session changes and Close to stop.
func NewManager(provider identity.Provider, opts ...Option) *Manager {
	m := &Manager{provider: provider}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// SetPrincipal sets the default Authorization header from a live principal,
// or clears it when p is nil or its token cannot be obtained.
func (m *Manager) SetPrincipal(ctx context.Context, p identity.Principal) {
	if p == nil {
		m.setAuthorization("")
		return
	}
	token, err := p.Token(ctx, false)
	if err != nil {
		m.logger.Warn("clearing default authorization: token unavailable",
			"uid", p.UID(), "error", err)
		m.setAuthorization("")
		return
	}
	m.setAuthorization(bearer(token))
}

// DefaultAuthorization returns the current default Authorization value, or
// "" when none is set.
func (m *Manager) DefaultAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorization
}

// RefreshFailures returns how many per-request refreshes have failed.
func (m *Manager) RefreshFailures() int64 {
	return m.refreshFailures.Load()
}

func (m *Manager) setAuthorization(v string) {
	m.mu.Lock()
	m.authorization = v
	m.mu.Unlock()
}

// Start subscribes to the provider and applies every session change with
// SetPrincipal until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.done != nil {
		return ErrAlreadyStarted
	}

	events, unsubscribe := m.provider.Subscribe()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-loopCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.SetPrincipal(loopCtx, ev.Principal)
				if ev.Principal == nil {
					m.logger.Debug("session ended")
				} else {
					m.logger.Debug("session changed", "uid", ev.Principal.UID())
				}
			}
		}
	}()
	return nil
}

// Close ends the provider subscription and waits for the loop to exit.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifecycle.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) recordRefreshFailure(err *TokenRefreshError) {
	m.refreshFailures.Add(1)
	m.logger.Warn("token refresh failed; sending request without a fresh token",
		"uid", err.UID, "error", err.Err)
	if m.onFailure != nil {
		m.onFailure(err)
	}
}

func bearer(token string) string {
	return "Bearer " + token
}
