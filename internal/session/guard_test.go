package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/catalogweb/internal/log"
)

var testUser = &User{ID: "u-1", Email: "owner@example.com", Role: "owner"}

type fakeProvider struct {
	mu         sync.Mutex
	user       *User
	err        error
	panicWith  any
	calls      int
	lastToken  string
	signedOut  []string
	signOutErr error
}

func (f *fakeProvider) GetUser(_ context.Context, token string) (*User, error) {
	f.mu.Lock()
	f.calls++
	f.lastToken = token
	f.mu.Unlock()
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.user, f.err
}

func (f *fakeProvider) SignOut(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedOut = append(f.signedOut, token)
	return f.signOutErr
}

// spyLogger records Error calls.
type spyLogger struct {
	log.Logger
	mu     sync.Mutex
	errors []error
}

func (s *spyLogger) With(kv ...any) log.Logger { return s }

func (s *spyLogger) Error(_ context.Context, err error, _ string, _ ...any) {
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HashKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.SecureCookies = false
	return cfg
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T, p AuthProvider, mutate func(*Config), opts ...Option) (*Guard, *time.Time) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	now := t0
	all := append([]Option{WithClock(func() time.Time { return now })}, opts...)
	g, err := New(p, cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, &now
}

type result struct {
	rec     *httptest.ResponseRecorder
	called  bool
	user    *User
	state   State
	started time.Time
}

func (r result) cookie(name string) *http.Cookie {
	for _, c := range r.rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func serve(g *Guard, req *http.Request) result {
	var res result
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res.called = true
		res.user = UserFromContext(r.Context())
		res.state = StateFromContext(r.Context())
		res.started = StartedAtFromContext(r.Context())
	}))
	res.rec = httptest.NewRecorder()
	h.ServeHTTP(res.rec, req)
	return res
}

func authedRequest(t *testing.T, g *Guard, method, path string, timerAt *time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	pair := encodePair("access-tok", "refresh-tok")
	req.AddCookie(&http.Cookie{Name: DefaultAuthCookieName + ".0", Value: pair[:12]})
	req.AddCookie(&http.Cookie{Name: DefaultAuthCookieName + ".1", Value: pair[12:]})
	if timerAt != nil {
		c, err := g.timer.issue(*timerAt)
		if err != nil {
			t.Fatal(err)
		}
		req.AddCookie(c)
	}
	return req
}

func assertCleared(t *testing.T, res result, names ...string) {
	t.Helper()
	for _, n := range names {
		c := res.cookie(n)
		if c == nil || c.MaxAge >= 0 {
			t.Errorf("cookie %s not cleared: %+v", n, c)
		}
	}
}

func TestGuard_FirstVisitIssuesTimer(t *testing.T) {
	p := &fakeProvider{user: testUser}
	g, _ := newTestGuard(t, p, nil)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard", nil))

	if !res.called {
		t.Fatalf("request did not proceed, status %d", res.rec.Code)
	}
	if res.state != Stale || res.user != testUser {
		t.Fatalf("state=%v user=%v", res.state, res.user)
	}
	if p.lastToken != "access-tok" {
		t.Fatalf("provider saw token %q", p.lastToken)
	}
	c := res.cookie(DefaultTimerCookieName)
	if c == nil || c.MaxAge <= 0 {
		t.Fatalf("timer cookie not issued: %+v", c)
	}
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.AddCookie(c)
	if got, ok := g.timer.read(r); !ok || !got.Equal(t0) {
		t.Fatalf("timer = %v ok=%v, want %v", got, ok, t0)
	}
	if !res.started.Equal(t0) {
		t.Fatalf("StartedAtFromContext = %v", res.started)
	}
}

func TestGuard_TimerStartsOnProtectedRouteOnly(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)

	for _, path := range []string{"/", "/pricing", "/auth/callback"} {
		res := serve(g, authedRequest(t, g, http.MethodGet, path, nil))
		if !res.called || res.user != testUser {
			t.Fatalf("%s: called=%v user=%v", path, res.called, res.user)
		}
		if c := res.cookie(DefaultTimerCookieName); c != nil {
			t.Fatalf("%s: timer issued outside a protected route: %+v", path, c)
		}
		if !res.started.IsZero() {
			t.Fatalf("%s: started = %v, want zero", path, res.started)
		}
	}

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard", nil))
	if c := res.cookie(DefaultTimerCookieName); c == nil {
		t.Fatal("timer not issued on the first protected request")
	}
}

func TestGuard_CookieResponsesStayNoStore(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	cacheable := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write([]byte("body"))
	}
	h := g.Middleware(http.HandlerFunc(cacheable))

	// timer issued: the handler's caching policy is overridden
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, g, http.MethodGet, "/dashboard", nil))
	if len(rec.Result().Cookies()) == 0 {
		t.Fatal("expected the timer cookie")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q with Set-Cookie, want no-store", cc)
	}

	// expired on a public page: cookies are cleared and the page still renders
	old := t0.Add(-13 * time.Hour)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, g, http.MethodGet, "/", &old))
	if rec.Body.String() != "body" || len(rec.Result().Cookies()) == 0 {
		t.Fatalf("body=%q cookies=%d", rec.Body.String(), len(rec.Result().Cookies()))
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q on cleared cookies, want no-store", cc)
	}

	// no cookies written: the handler keeps control
	started := t0.Add(-time.Hour)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, g, http.MethodGet, "/dashboard", &started))
	if len(rec.Result().Cookies()) != 0 {
		t.Fatalf("fresh session wrote cookies: %v", rec.Result().Cookies())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Fatalf("Cache-Control = %q, want the handler's value", cc)
	}
}

func TestGuard_FreshKeepsTimer(t *testing.T) {
	g, now := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-2 * time.Hour)
	*now = t0

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard/catalogs", &started))

	if !res.called || res.state != Fresh {
		t.Fatalf("called=%v state=%v", res.called, res.state)
	}
	if res.cookie(DefaultTimerCookieName) != nil {
		t.Fatal("fresh session should not re-issue the timer")
	}
	if !res.started.Equal(started) {
		t.Fatalf("started = %v, want %v", res.started, started)
	}
}

func TestGuard_ExactlyMaxAgeIsFresh(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-DefaultMaxAge)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard", &started))
	if res.state != Fresh {
		t.Fatalf("state = %v, want fresh at exactly max age", res.state)
	}
}

func TestGuard_ExpiredForcesLogout(t *testing.T) {
	p := &fakeProvider{user: testUser}
	g, _ := newTestGuard(t, p, nil)
	started := t0.Add(-DefaultMaxAge - time.Minute)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard/catalogs/42", &started))

	if res.called {
		t.Fatal("expired session reached the handler")
	}
	if res.rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", res.rec.Code)
	}
	if loc := res.rec.Header().Get("Location"); loc != "/auth?reason=expired" {
		t.Fatalf("Location = %q", loc)
	}
	assertCleared(t, res, DefaultTimerCookieName, DefaultAuthCookieName, DefaultAuthCookieName+".0", DefaultAuthCookieName+".1")
	if cc := res.rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
}

func TestGuard_ExpiredAPIGets401(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-13 * time.Hour)
	req := authedRequest(t, g, http.MethodGet, "/api/session", &started)
	req.Header.Set("Accept", "application/json")

	res := serve(g, req)

	if res.rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(res.rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "unauthorized" || body["reason"] != ReasonExpired {
		t.Fatalf("body = %v", body)
	}
	assertCleared(t, res, DefaultTimerCookieName)
}

func TestGuard_ExpiredOnPublicPassesAnonymously(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-24 * time.Hour)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/pricing", &started))

	if !res.called {
		t.Fatal("public route should pass")
	}
	if res.user != nil {
		t.Fatal("expired session should not carry a user")
	}
	if res.state != Expired {
		t.Fatalf("state = %v", res.state)
	}
	assertCleared(t, res, DefaultTimerCookieName, DefaultAuthCookieName+".0")
}

func TestGuard_ExpiredOnSignInRedirects(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-24 * time.Hour)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/auth/callback", &started))
	if res.rec.Code != http.StatusSeeOther || res.rec.Header().Get("Location") != "/auth?reason=expired" {
		t.Fatalf("status=%d location=%q", res.rec.Code, res.rec.Header().Get("Location"))
	}
}

func TestGuard_ExpiredSignInActionPasses(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-24 * time.Hour)

	res := serve(g, authedRequest(t, g, http.MethodPost, "/auth/signout", &started))

	if !res.called {
		t.Fatalf("sign-out with an expired session should reach the handler, got %d", res.rec.Code)
	}
	if res.user != nil {
		t.Fatal("expired session should not carry a user")
	}
	assertCleared(t, res, DefaultTimerCookieName)
}

func TestGuard_RefreshTokenNotFoundOnSignIn(t *testing.T) {
	p := &fakeProvider{err: fmt.Errorf("%w: refresh_token_not_found", ErrInvalidSession)}
	g, _ := newTestGuard(t, p, nil)
	started := t0.Add(-time.Hour)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/auth/callback", &started))

	if !res.called {
		t.Fatalf("sign-in route should not redirect, got %d", res.rec.Code)
	}
	if res.user != nil || res.state != Unauthenticated {
		t.Fatalf("user=%v state=%v", res.user, res.state)
	}
	assertCleared(t, res, DefaultTimerCookieName, DefaultAuthCookieName, DefaultAuthCookieName+".0", DefaultAuthCookieName+".1")
}

func TestGuard_InvalidSessionOnProtectedRedirects(t *testing.T) {
	p := &fakeProvider{err: fmt.Errorf("%w: bad_jwt", ErrInvalidSession)}
	g, _ := newTestGuard(t, p, nil)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard/settings", nil))

	if res.rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", res.rec.Code)
	}
	if loc := res.rec.Header().Get("Location"); loc != "/auth?next=%2Fdashboard%2Fsettings" {
		t.Fatalf("Location = %q", loc)
	}
	assertCleared(t, res, DefaultAuthCookieName+".0", DefaultTimerCookieName)
}

func TestGuard_NilUserIsInvalid(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{}, nil)
	res := serve(g, authedRequest(t, g, http.MethodGet, "/dashboard", nil))
	if res.rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", res.rec.Code)
	}
	assertCleared(t, res, DefaultAuthCookieName)
}

func TestGuard_MalformedCookieIsInvalid(t *testing.T) {
	p := &fakeProvider{user: testUser}
	g, _ := newTestGuard(t, p, nil)
	req := httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody)
	req.AddCookie(&http.Cookie{Name: DefaultAuthCookieName, Value: "base64-%%%"})

	res := serve(g, req)
	if res.rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d", res.rec.Code)
	}
	if p.calls != 0 {
		t.Fatal("provider called with an undecodable cookie")
	}
	assertCleared(t, res, DefaultAuthCookieName)
}

func TestGuard_Unauthenticated(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		header     [2]string
		wantStatus int
		wantCalled bool
	}{
		{"public", http.MethodGet, "/", [2]string{}, http.StatusOK, true},
		{"public post", http.MethodPost, "/api/contact", [2]string{}, http.StatusOK, true},
		{"sign-in", http.MethodGet, "/auth", [2]string{}, http.StatusOK, true},
		{"protected page", http.MethodGet, "/dashboard", [2]string{}, http.StatusTemporaryRedirect, false},
		{"protected json", http.MethodGet, "/dashboard", [2]string{"Accept", "application/json, text/plain"}, http.StatusUnauthorized, false},
		{"protected post", http.MethodPost, "/dashboard/catalogs", [2]string{}, http.StatusUnauthorized, false},
		{"protected action", http.MethodGet, "/dashboard", [2]string{"Next-Action", "abc123"}, http.StatusUnauthorized, false},
		{"protected head", http.MethodHead, "/api/session", [2]string{}, http.StatusTemporaryRedirect, false},
		{"lookalike prefix", http.MethodGet, "/dashboards-demo", [2]string{}, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{user: testUser}
			g, _ := newTestGuard(t, p, nil)
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			res := serve(g, req)
			if res.rec.Code != tt.wantStatus || res.called != tt.wantCalled {
				t.Fatalf("status=%d called=%v, want %d %v", res.rec.Code, res.called, tt.wantStatus, tt.wantCalled)
			}
			if p.calls != 0 {
				t.Fatal("provider called without a token")
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]string
				_ = json.NewDecoder(res.rec.Body).Decode(&body)
				if body["reason"] != ReasonUnauthenticated {
					t.Fatalf("body = %v", body)
				}
			}
		})
	}
}

func TestGuard_LeftoverTimerClearedWithoutToken(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	old := t0.Add(-30 * time.Hour)
	c, _ := g.timer.issue(old)
	req := httptest.NewRequest(http.MethodGet, "/auth", http.NoBody)
	req.AddCookie(c)

	res := serve(g, req)
	if !res.called {
		t.Fatal("sign-in page should load")
	}
	assertCleared(t, res, DefaultTimerCookieName)
}

func TestGuard_UnexpectedErrorFailsClosedForProtected(t *testing.T) {
	p := &fakeProvider{err: errors.New("dial tcp: connection refused")}
	spy := &spyLogger{Logger: log.Nop()}
	g, _ := newTestGuard(t, p, nil)

	req := authedRequest(t, g, http.MethodGet, "/dashboard", nil)
	req = req.WithContext(log.WithContext(req.Context(), spy))
	res := serve(g, req)

	if res.called || res.rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("called=%v status=%d", res.called, res.rec.Code)
	}
	if len(res.rec.Result().Cookies()) != 0 {
		t.Fatal("unexpected errors must not clear cookies")
	}
	if len(spy.errors) != 1 {
		t.Fatalf("logged %d errors, want 1", len(spy.errors))
	}
}

func TestGuard_UnexpectedErrorFailsOpenForPublic(t *testing.T) {
	p := &fakeProvider{err: errors.New("502 bad gateway")}
	g, _ := newTestGuard(t, p, nil)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/catalogs/spring", nil))
	if !res.called || res.user != nil {
		t.Fatalf("called=%v user=%v", res.called, res.user)
	}
}

func TestGuard_PanicIsRecovered(t *testing.T) {
	p := &fakeProvider{panicWith: "nil map write"}
	spy := &spyLogger{Logger: log.Nop()}
	g, _ := newTestGuard(t, p, nil)

	req := authedRequest(t, g, http.MethodGet, "/api/session", nil)
	req.Header.Set("Accept", "application/json")
	req = req.WithContext(log.WithContext(req.Context(), spy))
	res := serve(g, req)

	if res.rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.rec.Code)
	}
	if len(spy.errors) != 1 || !strings.Contains(spy.errors[0].Error(), "nil map write") {
		t.Fatalf("logged = %v", spy.errors)
	}

	res = serve(g, authedRequest(t, g, http.MethodGet, "/", nil))
	if !res.called {
		t.Fatal("public route should survive a guard panic")
	}
}

func TestGuard_SignedInRedirect(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil)
	started := t0.Add(-time.Hour)

	res := serve(g, authedRequest(t, g, http.MethodGet, "/auth", &started))
	if res.rec.Code != http.StatusSeeOther || res.rec.Header().Get("Location") != DefaultDashboardPath {
		t.Fatalf("status=%d location=%q", res.rec.Code, res.rec.Header().Get("Location"))
	}

	// sub paths of sign-in (callbacks, sign-out) are left alone
	res = serve(g, authedRequest(t, g, http.MethodGet, "/auth/callback", &started))
	if !res.called {
		t.Fatal("/auth/callback should pass")
	}

	g2, _ := newTestGuard(t, &fakeProvider{user: testUser}, func(c *Config) { c.SignedInRedirect = false })
	res = serve(g2, authedRequest(t, g2, http.MethodGet, "/auth", &started))
	if !res.called || res.user == nil {
		t.Fatal("with SignedInRedirect off the sign-in page should load for a signed-in user")
	}
}

func TestGuard_OnOutcome(t *testing.T) {
	var got []string
	g, _ := newTestGuard(t, &fakeProvider{user: testUser}, nil, WithOnOutcome(func(s State, o Outcome) {
		got = append(got, s.String()+"/"+o.String())
	}))

	serve(g, httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))
	serve(g, authedRequest(t, g, http.MethodGet, "/dashboard", nil))

	want := []string{"unauthenticated/redirect", "stale/pass"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
}

func TestGuard_Logout(t *testing.T) {
	p := &fakeProvider{user: testUser, signOutErr: errors.New("provider down")}
	g, _ := newTestGuard(t, p, nil)
	started := t0.Add(-time.Hour)

	rec := httptest.NewRecorder()
	g.Logout(rec, authedRequest(t, g, http.MethodPost, "/auth/signout", &started))

	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/auth" {
		t.Fatalf("status=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}
	if len(p.signedOut) != 1 || p.signedOut[0] != "access-tok" {
		t.Fatalf("signed out = %v", p.signedOut)
	}
	res := result{rec: rec}
	assertCleared(t, res, DefaultTimerCookieName, DefaultAuthCookieName, DefaultAuthCookieName+".0", DefaultAuthCookieName+".1")
}

func TestGuard_Classify(t *testing.T) {
	g, _ := newTestGuard(t, &fakeProvider{}, nil)
	tests := map[string]RouteClass{
		"/":                Public,
		"/dashboard":       Protected,
		"/dashboard/":      Protected,
		"/dashboard/a/b":   Protected,
		"/dashboardx":      Public,
		"/api/session":     Protected,
		"/api/contact":     Public,
		"/auth":            SignIn,
		"/auth/callback":   SignIn,
		"/authors":         Public,
		"/catalogs/spring": Public,
	}
	for path, want := range tests {
		if got := g.Classify(path); got != want {
			t.Errorf("Classify(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, testConfig()); err == nil {
		t.Fatal("nil provider should fail")
	}

	bad := testConfig()
	bad.HashKey = []byte("short")
	bad.TimerCookieTTL = bad.MaxAge
	bad.ProtectedPrefixes = append(bad.ProtectedPrefixes, "/auth/admin")
	_, err := New(&fakeProvider{}, bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"hash key", "timer cookie ttl", "overlaps sign-in"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
