package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/identity"
	"github.com/jmcleod/chatguard/identity/memory"
)

type fakePrincipal struct {
	uid     string
	counter atomic.Int32
	err     error
}

func (p *fakePrincipal) UID() string   { return p.uid }
func (p *fakePrincipal) Email() string { return p.uid + "@example.com" }
func (p *fakePrincipal) Token(_ context.Context, force bool) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	n := p.counter.Add(1)
	if force {
		return fmt.Sprintf("fresh-%d", n), nil
	}
	return fmt.Sprintf("cached-%d", n), nil
}

type fakeProvider struct {
	mu      sync.Mutex
	current identity.Principal
	events  chan identity.Event
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan identity.Event, 4)}
}

func (f *fakeProvider) SignIn(context.Context, string, string) (identity.Principal, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) SignOut(context.Context) error                   { return nil }
func (f *fakeProvider) SendPasswordReset(context.Context, string) error { return nil }
func (f *fakeProvider) CurrentPrincipal() identity.Principal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}
func (f *fakeProvider) setCurrent(p identity.Principal) {
	f.mu.Lock()
	f.current = p
	f.mu.Unlock()
}
func (f *fakeProvider) Subscribe() (<-chan identity.Event, func()) {
	return f.events, func() {}
}

// recordingServer captures the Authorization header of each request.
func recordingServer(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func newClient(t *testing.T, m *Manager, url string) *apiclient.Client {
	t.Helper()
	c, err := apiclient.New(url, apiclient.WithHTTPClient(&http.Client{Transport: m.Transport(nil)}))
	require.NoError(t, err)
	return c
}

func TestNoPrincipalSendsNoAuthorization(t *testing.T) {
	srv, seen := recordingServer(t)
	m := NewManager(newFakeProvider())
	c := newClient(t, m, srv.URL)

	require.NoError(t, c.Get(t.Context(), "/", nil))
	assert.Equal(t, []string{""}, seen())
	assert.Zero(t, m.RefreshFailures())
}

func TestEveryRequestForcesRefresh(t *testing.T) {
	srv, seen := recordingServer(t)
	prov := newFakeProvider()
	prov.setCurrent(&fakePrincipal{uid: "u1"})
	m := NewManager(prov)
	c := newClient(t, m, srv.URL)

	require.NoError(t, c.Get(t.Context(), "/a", nil))
	require.NoError(t, c.Get(t.Context(), "/b", nil))
	assert.Equal(t, []string{"Bearer fresh-1", "Bearer fresh-2"}, seen())
}

func TestRefreshFailureIsNonFatal(t *testing.T) {
	srv, seen := recordingServer(t)
	prov := newFakeProvider()
	good := &fakePrincipal{uid: "u1"}
	m := NewManager(prov)
	m.SetPrincipal(t.Context(), good)
	require.Equal(t, "Bearer cached-1", m.DefaultAuthorization())

	var hooked []*TokenRefreshError
	m.onFailure = func(err *TokenRefreshError) { hooked = append(hooked, err) }

	prov.setCurrent(&fakePrincipal{uid: "u2", err: identity.NewError(identity.CodeNetworkFailed)})
	c := newClient(t, m, srv.URL)
	require.NoError(t, c.Get(t.Context(), "/", nil))

	// The request went out with the untouched default header.
	assert.Equal(t, []string{"Bearer cached-1"}, seen())
	assert.Equal(t, "Bearer cached-1", m.DefaultAuthorization())
	assert.Equal(t, int64(1), m.RefreshFailures())
	require.Len(t, hooked, 1)
	assert.Equal(t, "u2", hooked[0].UID)
	assert.True(t, identity.IsKind(hooked[0], identity.KindNetworkError))
}

func TestWithoutAuthRequestsCarryNoAuthorization(t *testing.T) {
	srv, seen := recordingServer(t)
	prov := newFakeProvider()
	p := &fakePrincipal{uid: "u1"}
	prov.setCurrent(p)
	m := NewManager(prov)
	m.SetPrincipal(t.Context(), p)
	c := newClient(t, m, srv.URL)

	require.NoError(t, c.Get(apiclient.WithoutAuth(t.Context()), "/", nil))
	assert.Equal(t, []string{""}, seen())
	assert.Equal(t, int32(1), p.counter.Load(), "no refresh for anonymous requests")
}

func TestTransportDoesNotMutateCallerRequest(t *testing.T) {
	srv, _ := recordingServer(t)
	prov := newFakeProvider()
	prov.setCurrent(&fakePrincipal{uid: "u1"})
	m := NewManager(prov)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: m.Transport(nil)}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestSetPrincipal(t *testing.T) {
	m := NewManager(newFakeProvider())

	m.SetPrincipal(t.Context(), &fakePrincipal{uid: "u1"})
	assert.Equal(t, "Bearer cached-1", m.DefaultAuthorization())

	m.SetPrincipal(t.Context(), &fakePrincipal{uid: "u2", err: errors.New("revoked")})
	assert.Empty(t, m.DefaultAuthorization())

	m.SetPrincipal(t.Context(), &fakePrincipal{uid: "u3"})
	require.NotEmpty(t, m.DefaultAuthorization())
	m.SetPrincipal(t.Context(), nil)
	assert.Empty(t, m.DefaultAuthorization())
}

func TestStartMirrorsProviderEvents(t *testing.T) {
	prov := newFakeProvider()
	m := NewManager(prov)
	require.NoError(t, m.Start(t.Context()))
	defer m.Close()
	require.ErrorIs(t, m.Start(t.Context()), ErrAlreadyStarted)

	prov.events <- identity.Event{Principal: &fakePrincipal{uid: "u1"}}
	require.Eventually(t, func() bool { return m.DefaultAuthorization() == "Bearer cached-1" },
		time.Second, time.Millisecond)

	prov.events <- identity.Event{}
	require.Eventually(t, func() bool { return m.DefaultAuthorization() == "" },
		time.Second, time.Millisecond)

	m.Close()
	m.Close()
}

func TestManagerWithMemoryProvider(t *testing.T) {
	srv, seen := recordingServer(t)
	prov, err := memory.New(memory.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	_, err = prov.AddUser("ivy@example.com", "password1")
	require.NoError(t, err)

	m := NewManager(prov)
	require.NoError(t, m.Start(t.Context()))
	defer m.Close()

	c := newClient(t, m, srv.URL)
	require.NoError(t, c.Get(t.Context(), "/", nil))

	p, err := prov.SignIn(t.Context(), "ivy@example.com", "password1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.DefaultAuthorization() != "" }, time.Second, time.Millisecond)

	require.NoError(t, c.Get(t.Context(), "/", nil))
	got := seen()
	require.Len(t, got, 2)
	assert.Empty(t, got[0])
	require.NotEmpty(t, got[1])
	sub, err := prov.VerifyToken(got[1][len("Bearer "):])
	require.NoError(t, err)
	assert.Equal(t, p.UID(), sub)

	require.NoError(t, prov.SignOut(t.Context()))
	require.Eventually(t, func() bool { return m.DefaultAuthorization() == "" }, time.Second, time.Millisecond)
}
