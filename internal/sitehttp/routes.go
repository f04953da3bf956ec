// Package sitehttp registers the public site, sign-in, dashboard and API routes.
// The session guard runs in front of the router, so handlers here only read
// the decision it left in the request context.
package sitehttp

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/catalogweb/internal/httpmw"
	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/session"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

type Routes struct {
	Pages  fs.FS
	Static fs.FS

	// Logout handles POST /auth/signout.
	Logout http.HandlerFunc
	// MaxAge is reported by /api/session as expires_at.
	MaxAge time.Duration

	// Contact is wrapped with ContactLimit and a body limit of MaxBody.
	Contact      http.Handler
	ContactLimit func(http.Handler) http.Handler
	MaxBody      int64

	Now func() time.Time
}

// SessionInfo is the body of GET /api/session.
type SessionInfo struct {
	User       *session.User `json:"user"`
	State      string        `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	AgeSeconds int64         `json:"age_seconds"`
}

func (rt *Routes) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Get("/", rt.page("index.html"))
	r.Get("/auth", rt.page("auth.html"))
	r.Get("/dashboard", rt.page("dashboard.html"))

	if rt.Static != nil {
		r.Handle("/static/*", http.StripPrefix("/static/", staticFiles(rt.Static)))
	}

	if rt.Logout != nil {
		r.Post("/auth/signout", rt.Logout)
	}

	r.With(httpmw.Scope("session")).Get("/api/session", rt.sessionInfo)

	if rt.Contact != nil {
		var limitBody func(http.Handler) http.Handler
		if rt.MaxBody > 0 {
			limitBody = httpmw.MaxBody(rt.MaxBody)
		}
		r.Method(http.MethodPost, "/api/contact", httpmw.Chain(rt.Contact,
			httpmw.Scope("contact"),
			rt.ContactLimit,
			limitBody,
		))
	}
}

// page serves an embedded shell. A missing page is a build defect, so it
// is logged at error and answered with 500.
func (rt *Routes) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fs.ReadFile(rt.Pages, name)
		if err != nil {
			ctx := r.Context()
			log.FromContext(ctx).Error(ctx, xerrors.Wrapf(err, "read page %s", name), "page missing from embedded assets")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(b)
	}
}

func staticFiles(fsys fs.FS) http.Handler {
	fileServer := http.FileServerFS(fsys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no directory listings
		if r.URL.Path == "" || r.URL.Path[len(r.URL.Path)-1] == '/' {
			notFound(w, r)
			return
		}
		if cacheable(w.Header()) {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		fileServer.ServeHTTP(w, r)
	})
}

// cacheable reports whether a shared cache may keep the response: nothing
// upstream asked for no-store and no cookie is being set.
func cacheable(h http.Header) bool {
	if len(h.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range h.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-store") {
			return false
		}
	}
	return true
}

// sessionInfo only runs behind the guard; a missing user means the route was
// mounted without it.
func (rt *Routes) sessionInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := session.UserFromContext(ctx)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": session.ReasonUnauthenticated})
		return
	}
	started := session.StartedAtFromContext(ctx)
	now := rt.now()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, SessionInfo{
		User:       u,
		State:      session.StateFromContext(ctx).String(),
		StartedAt:  started.UTC(),
		ExpiresAt:  started.Add(rt.MaxAge).UTC(),
		AgeSeconds: int64(now.Sub(started) / time.Second),
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found\n", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
