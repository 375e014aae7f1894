package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/chatguard/api"
	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/auth"
	"github.com/jmcleod/chatguard/config"
	"github.com/jmcleod/chatguard/guard"
	"github.com/jmcleod/chatguard/identity/memory"
	"github.com/jmcleod/chatguard/internal/devapi"
	"github.com/jmcleod/chatguard/keycache"
	"github.com/jmcleod/chatguard/session"
	"github.com/jmcleod/chatguard/web"
)

// app is the assembled server: pages behind the guard, the session API and
// everything they share.
type app struct {
	handler  http.Handler
	api      *api.API
	guard    *guard.Guard
	sessions *session.Manager
	dev      *devapi.Server
	store    *keycache.BoltStore
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	provider, err := memory.New(memory.WithTokenLifetime(cfg.Identity.TokenLifetime.Std()))
	if err != nil {
		return nil, fmt.Errorf("creating identity provider: %w", err)
	}
	for _, u := range cfg.Identity.Users {
		if _, err := provider.AddUser(u.Email, u.Password); err != nil {
			return nil, fmt.Errorf("seeding user %q: %w", u.Email, err)
		}
	}

	a.sessions = session.NewManager(provider,
		session.WithLogger(logger),
		session.WithRefreshFailureHook(func(e *session.TokenRefreshError) {
			logger.Warn("per-request token refresh failed", "uid", e.UID, "error", e.Err)
		}))
	if err := a.sessions.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting session manager: %w", err)
	}

	upstreamURL := cfg.Upstream.URL
	if cfg.Upstream.Dev {
		a.dev, err = devapi.New(provider, provider, logger)
		if err != nil {
			return nil, fmt.Errorf("creating development upstream: %w", err)
		}
		if upstreamURL, err = a.dev.Start(); err != nil {
			return nil, fmt.Errorf("starting development upstream: %w", err)
		}
	}
	client, err := apiclient.New(upstreamURL, apiclient.WithHTTPClient(&http.Client{
		Timeout:   cfg.Upstream.Timeout.Std(),
		Transport: a.sessions.Transport(nil),
	}))
	if err != nil {
		return nil, fmt.Errorf("creating upstream client: %w", err)
	}
	logger.Info("upstream configured", "url", client.BaseURL(), "dev", cfg.Upstream.Dev)

	cacheOpts := []keycache.Option{
		keycache.WithTTL(cfg.KeyCache.TTL.Std()),
		keycache.WithFetchTimeout(cfg.KeyCache.FetchTimeout.Std()),
		keycache.WithLogger(logger),
	}
	if cfg.KeyCache.Persist {
		if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		a.store, err = keycache.NewBoltStoreFromFile(
			filepath.Join(cfg.Server.DataDir, "keycache.db"),
			&bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("opening key cache: %w", err)
		}
		cacheOpts = append(cacheOpts, keycache.WithStore(a.store))
	}
	keys := keycache.New(keycache.NewHTTPFetcher(client), cacheOpts...)

	svc := auth.NewService(provider, keys, client, a.sessions, auth.WithLogger(logger))

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	a.api = api.New(svc, keys,
		api.WithLogger(logger),
		api.WithCookieName(cfg.Session.CookieName),
		api.WithCookieLifetime(cfg.Session.CookieLifetime.Std()),
		api.WithSecureCookies(cfg.Production()),
		api.WithTrustedProxies(proxies),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold)
		}),
	)

	a.guard = guard.New(cfg.Routes(),
		guard.WithLoginPath(cfg.Guard.LoginPath),
		guard.WithLandingPath(cfg.Guard.LandingPath),
		guard.WithCookieName(cfg.Session.CookieName),
		guard.WithSecureCookies(cfg.Production()),
		guard.WithLogger(logger))

	pages, err := web.Handler(web.Options{
		APIBase:     api.DefaultBasePath,
		LoginPath:   cfg.Guard.LoginPath,
		LandingPath: cfg.Guard.LandingPath,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount(api.DefaultBasePath, a.api.Router())
	r.With(a.guard.Middleware).Handle("/*", pages)

	a.handler = r
	return a, nil
}

// close releases everything newApp acquired. It is safe on a partially
// built app.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.api != nil {
		a.api.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.dev != nil {
		errs = append(errs, a.dev.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
