// Package keycache caches the upstream's asymmetric public key. Lookups go
// memory first, then the persisted store, then a single shared fetch.
package keycache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/chatguard/envelope"
)

// ErrKeyUnavailable is matched by every error PublicKey returns for a failed
// population (fetch failure, missing or unusable key material).
var ErrKeyUnavailable = errors.New("public key not available")

// KeyError carries the cause of a failed key population.
type KeyError struct {
	Err error
}

func (e *KeyError) Error() string {
	if e.Err == nil {
		return ErrKeyUnavailable.Error()
	}
	return ErrKeyUnavailable.Error() + ": " + e.Err.Error()
}

func (e *KeyError) Unwrap() error { return e.Err }

func (e *KeyError) Is(target error) bool { return target == ErrKeyUnavailable }

var errEmptyKey = errors.New("key-distribution endpoint returned no key material")

const (
	// DefaultTTL bounds how long a persisted key is trusted.
	DefaultTTL = 24 * time.Hour
	// DefaultFetchTimeout bounds the shared fetch independently of callers.
	DefaultFetchTimeout = 10 * time.Second

	flightKey = "public-key"
)

// Cache holds the public key for the process lifetime.
type Cache struct {
	fetcher      Fetcher
	store        Store
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu  sync.RWMutex
	key string
	// generation advances on every Invalidate. A population that started
	// under an older generation must not install or persist its key.
	generation uint64
	// persistMu orders store writes against Invalidate's Clear.
	persistMu sync.Mutex
	group     singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore mirrors the key into s so it survives restarts within its TTL.
func WithStore(s Store) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithTTL sets how long a persisted copy stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithFetchTimeout bounds the shared network fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns a Cache that fetches through f.
func New(f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      f,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "keycache")
	return c
}

// PublicKey returns the cached key, populating it on first use. Concurrent
// first-time callers share one population; a caller whose ctx ends stops
// waiting without affecting the others. Failed populations are never cached.
func (c *Cache) PublicKey(ctx context.Context) (string, error) {
	if key := c.cached(); key != "" {
		return key, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.populate(flightCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the in-memory and persisted copies so the next lookup
// fetches again. A fetch already in flight still answers its waiters but
// its key is not cached.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	c.key = ""
	c.generation++
	c.mu.Unlock()
	c.group.Forget(flightKey)
	c.logger.Info("public key invalidated")
	if c.store == nil {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	return c.store.Clear(ctx)
}

func (c *Cache) cached() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// set installs key unless the cache was invalidated since gen.
func (c *Cache) set(gen uint64, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.key = key
	return true
}

func (c *Cache) persist(ctx context.Context, gen uint64, key string) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if c.currentGeneration() != gen {
		return
	}
	if err := c.store.Save(ctx, key, c.now().Add(c.ttl)); err != nil {
		c.logger.Warn("persisting public key failed", "error", err)
	}
}

func (c *Cache) populate(ctx context.Context) (string, error) {
	// Another flight may have finished between the fast path and this one.
	if key := c.cached(); key != "" {
		return key, nil
	}
	gen := c.currentGeneration()

	if key, ok := c.loadPersisted(ctx); ok {
		c.set(gen, key)
		return key, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	key, err := c.fetcher.FetchPublicKey(fetchCtx)
	if err != nil {
		c.logger.Warn("public key fetch failed", "error", err)
		return "", &KeyError{Err: err}
	}
	key = strings.TrimSpace(key)
	if err := validateKey(key); err != nil {
		c.logger.Warn("rejected fetched public key", "error", err)
		return "", &KeyError{Err: err}
	}

	if !c.set(gen, key) {
		c.logger.Info("discarding public key fetched before invalidation")
		return key, nil
	}
	if c.store != nil {
		c.persist(ctx, gen, key)
	}
	c.logger.Info("public key fetched")
	return key, nil
}

func (c *Cache) loadPersisted(ctx context.Context) (string, bool) {
	if c.store == nil {
		return "", false
	}
	key, expiresAt, err := c.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotStored) {
			c.logger.Warn("loading persisted public key failed", "error", err)
		}
		return "", false
	}
	if !c.now().Before(expiresAt) {
		c.clearPersisted(ctx)
		return "", false
	}
	if err := validateKey(key); err != nil {
		c.logger.Warn("discarding unusable persisted public key", "error", err)
		c.clearPersisted(ctx)
		return "", false
	}
	return key, true
}

func (c *Cache) clearPersisted(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("clearing persisted public key failed", "error", err)
	}
}

func validateKey(key string) error {
	if key == "" {
		return errEmptyKey
	}
	if err := envelope.CheckPublic(key); err != nil {
		return err
	}
	_, err := envelope.ParsePublicKey(key)
	return err
}
