// Package auth implements the chat client's account flows: sign-in, sign-up
// with an encrypted secret, password reset and sign-out.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/envelope"
	"github.com/jmcleod/chatguard/guard"
	"github.com/jmcleod/chatguard/identity"
	"github.com/jmcleod/chatguard/internal/util"
)

// Upstream paths used by Register.
const (
	RegisterPath = "/auth/register"
	UserPath     = "/user"
)

// DefaultSessionLifetime is used when the session token carries no expiry.
const DefaultSessionLifetime = 24 * time.Hour

// LoginInput is the sign-in form.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUpInput is the registration form.
type SignUpInput struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// ResetInput is the password reset form.
type ResetInput struct {
	Email string `json:"email"`
}

// Session is what a successful sign-in hands to the cookie writer.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal identity.Principal
}

// KeySource supplies the server public key used to encrypt secrets.
type KeySource interface {
	PublicKey(ctx context.Context) (string, error)
}

// KeyInvalidator is implemented by key sources that can drop a key the
// upstream no longer accepts.
type KeyInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Upstream is the JSON API the registration records are posted to.
type Upstream interface {
	Post(ctx context.Context, path string, in, out any) error
}

// SessionHolder receives the signed-in principal so outbound requests are
// authenticated.
type SessionHolder interface {
	SetPrincipal(ctx context.Context, p identity.Principal)
}

// Service runs the account flows.
type Service struct {
	provider  identity.Provider
	keys      KeySource
	upstream  Upstream
	sessions  SessionHolder
	validator Validator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithValidator replaces DefaultValidator.
func WithValidator(v Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService wires the account flows to their collaborators.
func NewService(provider identity.Provider, keys KeySource, upstream Upstream, sessions SessionHolder, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		keys:      keys,
		upstream:  upstream,
		sessions:  sessions,
		validator: DefaultValidator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "auth")
	return s
}

// SignIn validates the form, signs in with the provider and installs the
// principal as the default session.
func (s *Service) SignIn(ctx context.Context, in LoginInput) (*Session, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validator.ValidateLogin(in); err != nil {
		return nil, err
	}
	return s.signIn(ctx, in.Email, in.Password)
}

func (s *Service) signIn(ctx context.Context, email, password string) (*Session, error) {
	p, err := s.provider.SignIn(ctx, util.NormalizeEmail(email), password)
	if err != nil {
		return nil, err
	}
	token, err := p.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	s.sessions.SetPrincipal(ctx, p)

	expires, ok := guard.TokenExpiry(token)
	if !ok {
		expires = s.now().Add(DefaultSessionLifetime)
	}
	s.logger.Info("signed in", "uid", p.UID())
	return &Session{Token: token, ExpiresAt: expires, Principal: p}, nil
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	Data struct {
		UID string `json:"uid"`
	} `json:"data"`
}

type userRecord struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	UID   string `json:"uid"`
}

// ErrNotSignedIn is returned by SignOut when the caller's token does not
// belong to the current session.
var ErrNotSignedIn = errors.New("no matching session")

// ErrRegistrationRejected is returned when the upstream accepts the
// registration but returns no account id.
var ErrRegistrationRejected = errors.New("registration returned no account id")

// Register validates the form, encrypts the password under the server
// public key, creates the account and user record upstream and then signs
// in. Key or encryption failures abort before any upstream call.
func (s *Service) Register(ctx context.Context, in SignUpInput) (*Session, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validator.ValidateSignUp(in); err != nil {
		return nil, err
	}

	key, err := s.keys.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := envelope.Encrypt(in.Password, key)
	if err != nil {
		s.invalidateKey(ctx, err)
		return nil, err
	}

	email := util.NormalizeEmail(in.Email)
	var resp registerResponse
	err = s.upstream.Post(apiclient.WithoutAuth(ctx), RegisterPath, registerRequest{
		Name:     in.Name,
		Email:    email,
		Password: sealed,
	}, &resp)
	if err != nil {
		if e, ok := errors.AsType[*apiclient.Error](err); ok && e.StatusCode == http.StatusBadRequest {
			s.invalidateKey(ctx, err)
		}
		return nil, fmt.Errorf("registering account: %w", err)
	}
	if resp.Data.UID == "" {
		return nil, ErrRegistrationRejected
	}

	// The record belongs to an account that has not signed in yet; the
	// current session's bearer must not go out with it.
	if err := s.upstream.Post(apiclient.WithoutAuth(ctx), UserPath, userRecord{Email: email, Name: in.Name, UID: resp.Data.UID}, nil); err != nil {
		return nil, fmt.Errorf("creating user record: %w", err)
	}
	s.logger.Info("registered account", "uid", resp.Data.UID)

	return s.signIn(ctx, email, in.Password)
}

// ResetPassword asks the provider to send a recovery message.
func (s *Service) ResetPassword(ctx context.Context, in ResetInput) error {
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validator.ValidateReset(in); err != nil {
		return err
	}
	return s.provider.SendPasswordReset(ctx, util.NormalizeEmail(in.Email))
}

// invalidateKey drops a cached key after it failed to encrypt or the upstream
// could not decrypt with it, so the next registration fetches a fresh one.
func (s *Service) invalidateKey(ctx context.Context, cause error) {
	inv, ok := s.keys.(KeyInvalidator)
	if !ok {
		return
	}
	s.logger.Warn("invalidating public key", "cause", cause)
	if err := inv.Invalidate(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("invalidating public key failed", "error", err)
	}
}

// SignOut ends the current session on behalf of the holder of token. The
// default session is cleared before the provider session ends so no request
// races out with the old token. ErrNotSignedIn is returned when nobody is
// signed in or token belongs to someone else.
func (s *Service) SignOut(ctx context.Context, token string) error {
	p := s.provider.CurrentPrincipal()
	if p == nil || !s.ownsSession(ctx, p, token) {
		return ErrNotSignedIn
	}
	s.sessions.SetPrincipal(ctx, nil)
	return s.provider.SignOut(ctx)
}

// ownsSession reports whether token was issued to p. Providers that verify
// their own tokens are asked directly; otherwise token must be p's current
// token.
func (s *Service) ownsSession(ctx context.Context, p identity.Principal, token string) bool {
	if token == "" {
		return false
	}
	if v, ok := s.provider.(identity.TokenVerifier); ok {
		uid, err := v.VerifyToken(token)
		return err == nil && uid == p.UID()
	}
	current, err := p.Token(ctx, false)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(token)) == 1
}
