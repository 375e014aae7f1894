package keycache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/chatguard/apiclient"
)

func testPublicKeyPEM(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

type countingFetcher struct {
	calls atomic.Int32
	gate  chan struct{}
	key   string
	err   error
}

func (f *countingFetcher) FetchPublicKey(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.key, f.err
}

func TestConcurrentFirstAccessFetchesOnce(t *testing.T) {
	pub := testPublicKeyPEM(t)
	f := &countingFetcher{gate: make(chan struct{}), key: pub}
	c := New(f, WithStore(NewMemoryStore()))

	const callers = 32
	var wg sync.WaitGroup
	keys := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = c.PublicKey(t.Context())
		}()
	}

	// Let every caller reach the flight before the fetch completes.
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, pub, keys[i])
	}

	// Subsequent calls hit memory.
	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestPersistedKeyIsAdoptedWithoutFetch(t *testing.T) {
	pub := testPublicKeyPEM(t)
	store := NewMemoryStore()
	require.NoError(t, store.Save(t.Context(), pub, time.Now().Add(time.Hour)))

	f := &countingFetcher{key: "unused"}
	c := New(f, WithStore(store))

	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestExpiredPersistedKeyIsRefetched(t *testing.T) {
	oldKey := testPublicKeyPEM(t)
	newKey := testPublicKeyPEM(t)
	store := NewMemoryStore()
	require.NoError(t, store.Save(t.Context(), oldKey, time.Now().Add(-time.Minute)))

	now := time.Now()
	f := &countingFetcher{key: newKey}
	c := New(f, WithStore(store), WithTTL(2*time.Hour), WithClock(func() time.Time { return now }))

	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, newKey, key)
	assert.Equal(t, int32(1), f.calls.Load())

	stored, expiresAt, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, newKey, stored)
	assert.WithinDuration(t, now.Add(2*time.Hour), expiresAt, time.Second)
}

func TestEmptyKeyIsUnavailable(t *testing.T) {
	f := &countingFetcher{key: "  "}
	c := New(f)

	key, err := c.PublicKey(t.Context())
	require.Error(t, err)
	assert.Empty(t, key)
	assert.True(t, errors.Is(err, ErrKeyUnavailable))

	var keyErr *KeyError
	require.True(t, errors.As(err, &keyErr))
	assert.ErrorIs(t, keyErr.Err, errEmptyKey)
}

func TestPrivateKeyMaterialIsRejected(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}))

	store := NewMemoryStore()
	c := New(&countingFetcher{key: privPEM}, WithStore(store))
	_, err = c.PublicKey(t.Context())
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, _, err = store.Load(t.Context())
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestFailedFetchDoesNotPoisonCache(t *testing.T) {
	pub := testPublicKeyPEM(t)
	f := &countingFetcher{err: errors.New("connection reset")}
	c := New(f)

	_, err := c.PublicKey(t.Context())
	require.ErrorIs(t, err, ErrKeyUnavailable)

	f.err = nil
	f.key = pub
	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCancelledCallerDoesNotPoisonCache(t *testing.T) {
	pub := testPublicKeyPEM(t)
	f := &countingFetcher{gate: make(chan struct{}), key: pub}
	c := New(f)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := c.PublicKey(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The shared fetch was detached from the cancelled caller.
	close(f.gate)
	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvalidate(t *testing.T) {
	pub := testPublicKeyPEM(t)
	store := NewMemoryStore()
	f := &countingFetcher{key: pub}
	c := New(f, WithStore(store))

	_, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(t.Context()))

	_, _, err = store.Load(t.Context())
	assert.ErrorIs(t, err, ErrNotStored)

	_, err = c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestInvalidateDuringFetchDiscardsStaleKey(t *testing.T) {
	stale := testPublicKeyPEM(t)
	store := NewMemoryStore()
	f := &countingFetcher{gate: make(chan struct{}), key: stale}
	c := New(f, WithStore(store))

	done := make(chan error, 1)
	go func() {
		_, err := c.PublicKey(t.Context())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Invalidate(t.Context()))
	close(f.gate)
	require.NoError(t, <-done)

	assert.Empty(t, c.cached())
	_, _, err := store.Load(t.Context())
	assert.ErrorIs(t, err, ErrNotStored)

	fresh := testPublicKeyPEM(t)
	f.key = fresh
	key, err := c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, fresh, key)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestBoltStorePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keys.db")
	pub := testPublicKeyPEM(t)
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)

	store, err := NewBoltStoreFromFile(dbPath, nil)
	require.NoError(t, err)
	_, _, err = store.Load(t.Context())
	require.ErrorIs(t, err, ErrNotStored)
	require.NoError(t, store.Save(t.Context(), pub, expiresAt))
	require.NoError(t, store.Close())

	// A fresh process adopts the persisted key without fetching.
	store2, err := NewBoltStoreFromFile(dbPath, nil)
	require.NoError(t, err)
	defer store2.Close()

	key, gotExpiry, err := store2.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.True(t, expiresAt.Equal(gotExpiry))

	f := &countingFetcher{}
	c := New(f, WithStore(store2))
	key, err = c.PublicKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, pub, key)
	assert.Equal(t, int32(0), f.calls.Load())

	require.NoError(t, store2.Clear(t.Context()))
	_, _, err = store2.Load(t.Context())
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestBoltStoreFromFileBadPath(t *testing.T) {
	dir := t.TempDir()
	_, err := NewBoltStoreFromFile(filepath.Join(dir, "missing", "keys.db"), nil)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHTTPFetcherResponseShapes(t *testing.T) {
	pub := testPublicKeyPEM(t)
	cases := map[string]any{
		"flat":      map[string]string{"publicKey": pub},
		"enveloped": map[string]any{"data": map[string]string{"publicKey": pub}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, PublicKeyPath, r.URL.Path)
				assert.Empty(t, r.Header.Get("Authorization"))
				json.NewEncoder(w).Encode(body)
			}))
			defer srv.Close()

			client, err := apiclient.New(srv.URL)
			require.NoError(t, err)
			key, err := New(NewHTTPFetcher(client)).PublicKey(t.Context())
			require.NoError(t, err)
			assert.Equal(t, pub, key)
		})
	}
}

func TestHTTPFetcherMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	client, err := apiclient.New(srv.URL)
	require.NoError(t, err)
	_, err = New(NewHTTPFetcher(client)).PublicKey(t.Context())
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}
