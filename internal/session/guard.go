package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// Decision is what the guard concluded about one request. Evaluate builds it
// without touching the response, Middleware applies it.
type Decision struct {
	State   State
	Outcome Outcome
	Route   RouteClass
	// User is nil unless the request passes as an authenticated user.
	User      *User
	StartedAt time.Time

	// Status and Location are set for Redirect, Status and Reason for Unauthorized.
	Status   int
	Location string
	Reason   string

	// Cookies are written before the outcome is applied, timer issues and clears alike.
	Cookies []*http.Cookie

	// Err is set for provider rejections and unexpected failures.
	Err error
	// Unexpected marks failures that were not a provider verdict on the token.
	Unexpected bool
}

type Guard struct {
	cfg      Config
	provider AuthProvider
	timer    *timerCodec
	now      func() time.Time

	onOutcome func(State, Outcome)
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithOnOutcome is called once per evaluated request, used for metrics.
func WithOnOutcome(fn func(State, Outcome)) Option {
	return func(g *Guard) { g.onOutcome = fn }
}

func New(provider AuthProvider, cfg Config, opts ...Option) (*Guard, error) {
	if provider == nil {
		return nil, xerrors.New("session: auth provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "session config")
	}
	g := &Guard{
		cfg:      cfg,
		provider: provider,
		timer:    newTimerCodec(cfg),
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Classify reports how path is guarded.
func (g *Guard) Classify(path string) RouteClass {
	for _, p := range g.cfg.ProtectedPrefixes {
		if underPrefix(path, p) {
			return Protected
		}
	}
	if underPrefix(path, g.cfg.SignInPath) {
		return SignIn
	}
	return Public
}

// MaxAge is the absolute session lifetime enforced by the timer cookie.
func (g *Guard) MaxAge() time.Duration { return g.cfg.MaxAge }

// apiShaped reports whether the caller wants a status code rather than a page.
func (g *Guard) apiShaped(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	for _, a := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(a), "application/json") {
			return true
		}
	}
	for _, h := range g.cfg.ActionHeaders {
		if r.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// Evaluate runs the session state machine for r at now.
func (g *Guard) Evaluate(r *http.Request, now time.Time) (d Decision) {
	route := g.Classify(r.URL.Path)
	defer func() {
		if rec := recover(); rec != nil {
			d = g.unexpected(r, route, xerrors.WithStack(fmt.Errorf("session check panicked: %v", rec)))
		}
	}()

	token, err := readAuthToken(r, g.cfg.AuthCookieName)
	switch {
	case errors.Is(err, ErrNoToken):
		d = g.deny(r, route, Unauthenticated, ReasonUnauthenticated)
		// a leftover timer would expire the next login immediately
		if _, err := r.Cookie(g.cfg.TimerCookieName); err == nil {
			d.Cookies = append(d.Cookies, g.timer.clear())
		}
		return d
	case err != nil:
		return g.invalid(r, route, err)
	}

	user, err := g.provider.GetUser(r.Context(), token)
	switch {
	case errors.Is(err, ErrInvalidSession):
		return g.invalid(r, route, err)
	case err != nil:
		return g.unexpected(r, route, xerrors.Wrap(err, "get user"))
	case user == nil:
		return g.invalid(r, route, ErrInvalidSession)
	}

	started, ok := g.timer.read(r)
	if !ok {
		// the lifetime starts on the first protected request, public and sign-in pages only pass
		if route != Protected {
			return g.pass(r, route, Stale, user, time.Time{})
		}
		c, err := g.timer.issue(now)
		if err != nil {
			return g.unexpected(r, route, xerrors.Wrap(err, "issue session timer"))
		}
		d = g.pass(r, route, Stale, user, now)
		d.Cookies = append([]*http.Cookie{c}, d.Cookies...)
		return d
	}

	if now.Sub(started) > g.cfg.MaxAge {
		return g.expire(r, route)
	}
	return g.pass(r, route, Fresh, user, started)
}

// pass lets an authenticated request through, bouncing it off the sign-in page when configured.
func (g *Guard) pass(r *http.Request, route RouteClass, st State, user *User, started time.Time) Decision {
	d := Decision{State: st, Outcome: Pass, Route: route, User: user, StartedAt: started}
	if g.cfg.SignedInRedirect && r.URL.Path == g.cfg.SignInPath && !g.apiShaped(r) {
		d.Outcome = Redirect
		d.Status = http.StatusSeeOther
		d.Location = g.cfg.DashboardPath
	}
	return d
}

// deny handles an anonymous request: protected routes are refused, the rest pass.
func (g *Guard) deny(r *http.Request, route RouteClass, st State, reason string) Decision {
	d := Decision{State: st, Outcome: Pass, Route: route}
	if route != Protected {
		return d
	}
	if g.apiShaped(r) {
		d.Outcome = Unauthorized
		d.Status = http.StatusUnauthorized
		d.Reason = reason
		return d
	}
	d.Outcome = Redirect
	d.Status = http.StatusTemporaryRedirect
	d.Location = g.cfg.SignInPath + "?" + url.Values{"next": {r.URL.Path}}.Encode()
	d.Reason = reason
	return d
}

// invalid handles a token the provider (or cookie decoding) rejected.
func (g *Guard) invalid(r *http.Request, route RouteClass, err error) Decision {
	d := g.deny(r, route, Unauthenticated, ReasonInvalidSession)
	d.Err = err
	d.Cookies = g.clearAll(r)
	return d
}

// expire is the forced logout once the timer is past MaxAge.
func (g *Guard) expire(r *http.Request, route RouteClass) Decision {
	d := Decision{State: Expired, Outcome: Pass, Route: route, Cookies: g.clearAll(r)}
	api := g.apiShaped(r)
	// sign-in actions such as POST /auth/signout still run once cookies are cleared
	if route == Public || (route == SignIn && api) {
		return d
	}
	d.Reason = ReasonExpired
	if api {
		d.Outcome = Unauthorized
		d.Status = http.StatusUnauthorized
		return d
	}
	d.Outcome = Redirect
	d.Status = http.StatusSeeOther
	d.Location = g.cfg.SignInPath + "?" + url.Values{"reason": {ReasonExpired}}.Encode()
	return d
}

// unexpected fails closed for protected routes and open for the rest. Cookies are left alone.
func (g *Guard) unexpected(r *http.Request, route RouteClass, err error) Decision {
	d := g.deny(r, route, Unauthenticated, ReasonUnverified)
	d.Err = err
	d.Unexpected = true
	return d
}

func (g *Guard) clearAll(r *http.Request) []*http.Cookie {
	return append(clearAuthCookies(r, g.cfg.AuthCookieName, g.cfg.SecureCookies), g.timer.clear())
}

// Middleware evaluates every request and applies the decision.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d := g.Evaluate(r, g.now())

		L := log.FromContext(ctx)
		switch {
		case d.Unexpected:
			L.Error(ctx, d.Err, "session check failed",
				"session.route", d.Route.String(),
				"session.outcome", d.Outcome.String(),
			)
		case d.Err != nil:
			L.Info(ctx, "session rejected by auth provider, clearing cookies",
				"session.route", d.Route.String(),
				"err", d.Err.Error(),
			)
		case d.State == Expired:
			L.Info(ctx, "session exceeded max age, forcing logout",
				"session.route", d.Route.String(),
				"session.max_age", g.cfg.MaxAge.String(),
			)
		}
		if g.onOutcome != nil {
			g.onOutcome(d.State, d.Outcome)
		}

		for _, c := range d.Cookies {
			http.SetCookie(w, c)
		}
		if len(d.Cookies) > 0 || d.Outcome != Pass {
			w.Header().Set("Cache-Control", "no-store")
		}
		if len(d.Cookies) > 0 {
			w = &noStoreWriter{ResponseWriter: w}
		}

		switch d.Outcome {
		case Redirect:
			http.Redirect(w, r, d.Location, d.Status)
		case Unauthorized:
			writeUnauthorized(w, d.Reason)
		default:
			next.ServeHTTP(w, r.WithContext(withDecision(ctx, d)))
		}
	})
}

// noStoreWriter re-asserts Cache-Control: no-store when the headers go out,
// so a handler that sets its own caching policy cannot make a response
// carrying session cookies storable by a shared cache.
type noStoreWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *noStoreWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("Cache-Control", "no-store")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *noStoreWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *noStoreWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (w *noStoreWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "reason": reason})
}

// Logout revokes the session with the provider when it supports it, clears
// every session cookie and sends the browser to sign-in.
func (g *Guard) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if token, err := readAuthToken(r, g.cfg.AuthCookieName); err == nil {
		if so, ok := g.provider.(SignOuter); ok {
			if err := so.SignOut(ctx, token); err != nil {
				// local cookies are cleared regardless
				log.FromContext(ctx).Warn(ctx, "provider sign-out failed", "err", err.Error())
			}
		}
	}
	for _, c := range g.clearAll(r) {
		http.SetCookie(w, c)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, g.cfg.SignInPath, http.StatusSeeOther)
}
