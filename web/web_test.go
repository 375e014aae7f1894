package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesShell(t *testing.T) {
	h, err := Handler(Options{APIBase: "/api", LoginPath: "/login", LandingPath: "/chat"})
	require.NoError(t, err)

	for _, p := range []string{"/", "/login", "/register", "/forgot-password", "/chat", "/chat/room/7"} {
		t.Run(p, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			body := rec.Body.String()
			assert.Contains(t, body, `<meta name="chatguard-api" content="/api">`)
			assert.Contains(t, body, `<meta name="chatguard-landing" content="/chat">`)
		})
	}
}

func TestHandlerServesAssets(t *testing.T) {
	h, err := Handler(Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatguard_csrf")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetaTagsEscaped(t *testing.T) {
	got := metaTags(Options{APIBase: `/a"pi`})
	assert.Equal(t, "<meta name=\"chatguard-api\" content=\"/a&#34;pi\">\n", got)
}
