// Package web serves the embedded chat client pages.
package web

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/*
var content embed.FS

// Options are rendered into the page shell as meta tags the client script
// reads on load.
type Options struct {
	// APIBase is where the session API is mounted, e.g. "/api".
	APIBase string
	// LoginPath and LandingPath mirror the guard's redirect targets.
	LoginPath   string
	LandingPath string
}

// Handler returns an http.Handler that serves static assets from the
// embedded dist directory and the page shell for every other path. The
// client script picks the view from the URL, so the guard in front of this
// handler decides which views a visitor can reach.
func Handler(opts Options) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	shell, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	page := []byte(strings.Replace(string(shell), "</head>", metaTags(opts)+"</head>", 1))

	static := http.FileServer(http.FS(fsys))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if name != "" && name != "." && name != "index.html" && path.Ext(name) != "" {
			if _, err := fs.Stat(fsys, name); err == nil {
				static.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(page)
	}), nil
}

func metaTags(opts Options) string {
	var b strings.Builder
	for _, m := range [][2]string{
		{"chatguard-api", opts.APIBase},
		{"chatguard-login", opts.LoginPath},
		{"chatguard-landing", opts.LandingPath},
	} {
		if m[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "<meta name=%q content=\"%s\">\n", m[0], html.EscapeString(m[1]))
	}
	return b.String()
}
