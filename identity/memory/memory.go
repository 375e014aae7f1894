// Package memory provides an in-process identity provider for development
// and tests. Credentials are bcrypt hashed; tokens are HS256 JWTs.
package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/chatguard/identity"
	"github.com/jmcleod/chatguard/internal/util"
)

const (
	defaultIssuer        = "chatguard-dev"
	defaultTokenLifetime = time.Hour
	// refreshSkew makes a token count as stale shortly before it expires.
	refreshSkew = 5 * time.Minute
	// maxFailures consecutive bad passwords lock the account for
	// lockoutDuration.
	maxFailures     = 5
	lockoutDuration = 15 * time.Minute
	minPasswordLen = 6
)

type failureRecord struct {
	count       int
	lockedUntil time.Time
}

type user struct {
	uid      string
	email    string
	hash     []byte
	disabled bool
}

// Provider is an in-memory identity.Provider.
type Provider struct {
	secret     []byte
	issuer     string
	lifetime   time.Duration
	bcryptCost int
	now        func() time.Time

	mu       sync.Mutex
	users    map[string]*user
	failures map[string]*failureRecord
	current  *principal
	subs     map[int]chan identity.Event
	nextSub  int
	resets   []string
}

var (
	_ identity.Provider      = (*Provider)(nil)
	_ identity.TokenVerifier = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithSigningSecret sets the HS256 secret. A random secret is used otherwise.
func WithSigningSecret(secret []byte) Option {
	return func(p *Provider) {
		p.secret = secret
	}
}

// WithTokenLifetime sets how long issued tokens are valid.
func WithTokenLifetime(d time.Duration) Option {
	return func(p *Provider) {
		p.lifetime = d
	}
}

// WithBcryptCost sets the bcrypt cost for stored credentials.
func WithBcryptCost(cost int) Option {
	return func(p *Provider) {
		p.bcryptCost = cost
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New returns an empty Provider.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		issuer:     defaultIssuer,
		lifetime:   defaultTokenLifetime,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		users:      make(map[string]*user),
		failures:   make(map[string]*failureRecord),
		subs:       make(map[int]chan identity.Event),
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.secret) == 0 {
		p.secret = make([]byte, 32)
		if _, err := rand.Read(p.secret); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
	}
	return p, nil
}

func validEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// AddUser registers an account and returns its UID.
func (p *Provider) AddUser(email, password string) (string, error) {
	email = util.NormalizeEmail(email)
	if !validEmail(email) {
		return "", identity.NewError(identity.CodeInvalidEmail)
	}
	if len(password) < minPasswordLen {
		return "", identity.NewError(identity.CodeWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return "", &identity.Error{Code: identity.CodeWeakPassword, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[email]; ok {
		return "", identity.NewError(identity.CodeEmailAlreadyInUse)
	}
	uid := uuid.NewString()
	p.users[email] = &user{uid: uid, email: email, hash: hash}
	return uid, nil
}

// DisableUser marks an account disabled. Token refreshes for it fail.
func (p *Provider) DisableUser(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[util.NormalizeEmail(email)]; ok {
		u.disabled = true
	}
}

// PasswordResets returns the addresses reset messages were sent to.
func (p *Provider) PasswordResets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.resets...)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (identity.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, &identity.Error{Code: identity.CodeNetworkFailed, Err: err}
	}
	email = util.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, identity.NewError(identity.CodeInvalidEmail)
	}

	p.mu.Lock()
	u, ok := p.users[email]
	if !ok {
		p.mu.Unlock()
		return nil, identity.NewError(identity.CodeUserNotFound)
	}
	if rec := p.failures[email]; rec != nil && p.now().Before(rec.lockedUntil) {
		p.mu.Unlock()
		return nil, identity.NewError(identity.CodeTooManyRequests)
	}
	hash, disabled := u.hash, u.disabled
	p.mu.Unlock()

	// Compare outside the lock; bcrypt is deliberately slow.
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		p.mu.Lock()
		p.recordFailureLocked(email)
		p.mu.Unlock()
		return nil, identity.NewError(identity.CodeWrongPassword)
	}
	if disabled {
		return nil, identity.NewError(identity.CodeUserDisabled)
	}

	pr := &principal{provider: p, uid: u.uid, email: u.email}
	if _, err := pr.Token(ctx, true); err != nil {
		return nil, err
	}

	p.mu.Lock()
	delete(p.failures, email)
	p.current = pr
	p.publishLocked(pr)
	p.mu.Unlock()
	return pr, nil
}

// recordFailureLocked counts a bad password. Reaching maxFailures starts a
// lockout and resets the count, so the account gets a fresh set of attempts
// once it expires. p.mu must be held.
func (p *Provider) recordFailureLocked(email string) {
	rec := p.failures[email]
	if rec == nil {
		rec = &failureRecord{}
		p.failures[email] = rec
	}
	rec.count++
	if rec.count >= maxFailures {
		rec.count = 0
		rec.lockedUntil = p.now().Add(lockoutDuration)
	}
}

func (p *Provider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.publishLocked(nil)
	return nil
}

func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return &identity.Error{Code: identity.CodeNetworkFailed, Err: err}
	}
	email = util.NormalizeEmail(email)
	if !validEmail(email) {
		return identity.NewError(identity.CodeInvalidEmail)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[email]; !ok {
		return identity.NewError(identity.CodeUserNotFound)
	}
	p.resets = append(p.resets, email)
	return nil
}

func (p *Provider) CurrentPrincipal() identity.Principal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current
}

func (p *Provider) Subscribe() (<-chan identity.Event, func()) {
	ch := make(chan identity.Event, 1)

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	var cur identity.Principal
	if p.current != nil {
		cur = p.current
	}
	ch <- identity.Event{Principal: cur, At: p.now()}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			close(ch)
			p.mu.Unlock()
		})
	}
	return ch, cancel
}

// publishLocked delivers the new state to every subscriber, replacing any
// state a subscriber has not read yet. p.mu must be held.
func (p *Provider) publishLocked(pr *principal) {
	ev := identity.Event{At: p.now()}
	if pr != nil {
		ev.Principal = pr
	}
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}

func (p *Provider) issueToken(uid, email string) (string, time.Time, error) {
	now := p.now()
	exp := now.Add(p.lifetime)
	tok, err := jwt.NewBuilder().
		Issuer(p.issuer).
		Subject(uid).
		IssuedAt(now).
		Expiration(exp).
		JwtID(uuid.NewString()).
		Claim("email", email).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("building token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return string(signed), exp, nil
}

// VerifyToken checks a token's signature and expiry and returns its subject.
// The guard never calls this; it exists for server-side checks in tests
// and the development server.
func (p *Provider) VerifyToken(token string) (string, error) {
	tok, err := jwt.ParseString(token,
		jwt.WithKey(jwa.HS256, p.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(p.now)),
		jwt.WithIssuer(p.issuer),
	)
	if err != nil {
		return "", &identity.Error{Code: identity.CodeInvalidCredential, Err: err}
	}
	return tok.Subject(), nil
}

type principal struct {
	provider *Provider
	uid      string
	email    string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (pr *principal) UID() string   { return pr.uid }
func (pr *principal) Email() string { return pr.email }

func (pr *principal) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &identity.Error{Code: identity.CodeNetworkFailed, Err: err}
	}
	p := pr.provider

	p.mu.Lock()
	u, ok := p.users[pr.email]
	disabled := ok && u.disabled
	p.mu.Unlock()
	if !ok {
		return "", identity.NewError(identity.CodeUserNotFound)
	}
	if disabled {
		return "", identity.NewError(identity.CodeUserDisabled)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if !forceRefresh && pr.token != "" && p.now().Add(refreshSkew).Before(pr.expires) {
		return pr.token, nil
	}
	token, exp, err := p.issueToken(pr.uid, pr.email)
	if err != nil {
		return "", &identity.Error{Code: identity.CodeUserTokenExpired, Err: err}
	}
	pr.token = token
	pr.expires = exp
	return token, nil
}
