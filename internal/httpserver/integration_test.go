package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/keithlinneman/catalogweb/internal/contact"
	"github.com/keithlinneman/catalogweb/internal/httpserver"
	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/metrics"
	"github.com/keithlinneman/catalogweb/internal/ratelimit"
	"github.com/keithlinneman/catalogweb/internal/session"
	"github.com/keithlinneman/catalogweb/internal/sitehttp"
	"github.com/keithlinneman/catalogweb/internal/webassets"
)

type stackProvider struct {
	calls atomic.Int32
}

func (p *stackProvider) GetUser(_ context.Context, token string) (*session.User, error) {
	p.calls.Add(1)
	if token != "good-token" {
		return nil, session.ErrInvalidSession
	}
	return &session.User{ID: "u-1", Email: "owner@shop.example", Role: "owner"}, nil
}

type memSink struct {
	mu   sync.Mutex
	subs []contact.Submission
}

func (s *memSink) Store(_ context.Context, sub contact.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

type stack struct {
	handler  http.Handler
	provider *stackProvider
	metrics *metrics.ServerMetrics
	sink    *memSink
	clock   *time.Time
}

// newStack wires the real limiter, guard, routes and metrics the way main does.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := metrics.New()

	lim := ratelimit.New(ctx,
		ratelimit.WithClock(clock),
		ratelimit.WithSweepInterval(0),
		ratelimit.WithOnDenied(m.IncRateLimitDenied),
	)

	cfg := session.DefaultConfig()
	cfg.HashKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.SecureCookies = false
	provider := &stackProvider{}
	guard, err := session.New(provider, cfg,
		session.WithClock(clock),
		session.WithOnOutcome(func(st session.State, o session.Outcome) {
			m.IncSessionDecision(st.String(), o.String())
		}),
	)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	sink := &memSink{}
	routes := &sitehttp.Routes{
		Pages:  webassets.PagesFS(),
		Static: webassets.StaticFS(),
		Logout: guard.Logout,
		MaxAge: guard.MaxAge(),
		Contact: contact.NewHandler(sink,
			contact.WithClock(clock),
			contact.WithOnResult(m.IncContactSubmission),
		),
		ContactLimit: lim.Middleware(ratelimit.Policy{Action: "contact", Limit: 3, Window: time.Minute}),
		MaxBody:      64 << 10,
		Now:          clock,
	}

	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  lim.Middleware(ratelimit.Policy{Action: "global", Limit: 100, Window: time.Minute}),
		SessionMW:    guard.Middleware,
		Routes:       []httpserver.RouteRegistrar{routes},
	})
	return &stack{handler: h, provider: provider, metrics: m, sink: sink, clock: &now}
}

func (s *stack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func contactRequest(ip string) *http.Request {
	form := url.Values{
		"name":    {"Ada"},
		"email":   {"ada@shop.example"},
		"message": {"We have 4,000 SKUs to import."},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", ip)
	return req
}

func authed(req *http.Request, extra ...*http.Cookie) *http.Request {
	req.AddCookie(&http.Cookie{Name: "catalog-auth-token", Value: "good-token"})
	for _, c := range extra {
		req.AddCookie(c)
	}
	return req
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestIntegration_ContactRateLimit(t *testing.T) {
	s := newStack(t)

	for i := range 3 {
		rec := s.do(contactRequest("1.2.3.4"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d: status = %d, body = %s", i+1, rec.Code, rec.Body)
		}
	}

	rec := s.do(contactRequest("1.2.3.4"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th submission: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers missing on 429")
	}

	// another client is unaffected
	if rec := s.do(contactRequest("5.6.7.8")); rec.Code != http.StatusAccepted {
		t.Fatalf("other client: status = %d, want 202", rec.Code)
	}

	// the window resets
	*s.clock = s.clock.Add(time.Minute)
	if rec := s.do(contactRequest("1.2.3.4")); rec.Code != http.StatusAccepted {
		t.Fatalf("after window: status = %d, want 202", rec.Code)
	}

	if len(s.sink.subs) != 5 {
		t.Fatalf("stored = %d, want 5", len(s.sink.subs))
	}
	want := `
# HELP ratelimit_denied_total Total requests rejected by the rate limiter, by action
# TYPE ratelimit_denied_total counter
ratelimit_denied_total{action="contact"} 1
`
	if err := testutil.GatherAndCompare(s.metrics.Registry(), strings.NewReader(want), "ratelimit_denied_total"); err != nil {
		t.Fatal(err)
	}
}

func TestIntegration_DashboardRequiresSession(t *testing.T) {
	s := newStack(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/auth?next=%2Fdashboard" {
		t.Fatalf("Location = %q", loc)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Accept", "application/json")
	if rec := s.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("api status = %d, want 401", rec.Code)
	}
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	s := newStack(t)

	// first authenticated request starts the timer
	rec := s.do(authed(httptest.NewRequest(http.MethodGet, "/dashboard", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	timer := cookieNamed(rec, "session_started_at")
	if timer == nil || timer.MaxAge <= 0 {
		t.Fatalf("timer cookie = %+v, want issued", timer)
	}

	// within max age the session info reflects the age
	*s.clock = s.clock.Add(2 * time.Hour)
	req := authed(httptest.NewRequest(http.MethodGet, "/api/session", nil), timer)
	req.Header.Set("Accept", "application/json")
	rec = s.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"age_seconds":7200`) {
		t.Fatalf("body = %s", rec.Body)
	}

	// past max age the session is forced out
	*s.clock = s.clock.Add(11 * time.Hour)
	rec = s.do(authed(httptest.NewRequest(http.MethodGet, "/dashboard", nil), timer))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expired status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/auth?reason=expired" {
		t.Fatalf("Location = %q", loc)
	}
	if c := cookieNamed(rec, "catalog-auth-token"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("auth cookie not cleared: %+v", c)
	}
}

func TestIntegration_InvalidTokenClearsCookies(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "catalog-auth-token", Value: "revoked"})
	rec := s.do(req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", rec.Code)
	}
	if c := cookieNamed(rec, "catalog-auth-token"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("auth cookie not cleared: %+v", c)
	}
}

func TestIntegration_SignOut(t *testing.T) {
	s := newStack(t)

	rec := s.do(authed(httptest.NewRequest(http.MethodPost, "/auth/signout", nil)))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if c := cookieNamed(rec, "catalog-auth-token"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("auth cookie not cleared: %+v", c)
	}
}

func TestIntegration_PublicPagesAndMetrics(t *testing.T) {
	s := newStack(t)

	for _, p := range []string{"/", "/auth", "/static/site.css"} {
		if rec := s.do(httptest.NewRequest(http.MethodGet, p, nil)); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", p, rec.Code)
		}
	}

	n, err := testutil.GatherAndCount(s.metrics.Registry(), "http_requests_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatal("no http_requests_total series recorded")
	}
	n, _ = testutil.GatherAndCount(s.metrics.Registry(), "session_decisions_total")
	if n == 0 {
		t.Fatal("no session_decisions_total series recorded")
	}
}

// startTimer signs in on the dashboard and returns the issued timer cookie.
func (s *stack) startTimer(t *testing.T) *http.Cookie {
	t.Helper()
	rec := s.do(authed(httptest.NewRequest(http.MethodGet, "/dashboard", nil)))
	timer := cookieNamed(rec, "session_started_at")
	if timer == nil {
		t.Fatal("timer not issued on dashboard")
	}
	return timer
}

func TestIntegration_StaticAssetsSkipGuard(t *testing.T) {
	s := newStack(t)
	timer := s.startTimer(t)
	before := s.provider.calls.Load()

	// past max age, so a guarded request would clear cookies
	*s.clock = s.clock.Add(13 * time.Hour)

	for _, p := range []string{"/static/site.css", "/static/dashboard.js", "/nope"} {
		rec := s.do(authed(httptest.NewRequest(http.MethodGet, p, nil), timer))
		if n := len(rec.Result().Cookies()); n != 0 {
			t.Fatalf("%s: %d Set-Cookie headers, want none", p, n)
		}
		if strings.HasPrefix(p, "/static/") {
			if rec.Code != http.StatusOK {
				t.Fatalf("%s: status = %d, want 200", p, rec.Code)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
				t.Fatalf("%s: Cache-Control = %q", p, cc)
			}
		} else if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", p, rec.Code)
		}
	}
	if n := s.provider.calls.Load() - before; n != 0 {
		t.Fatalf("auth provider called %d times for assets and unmatched paths", n)
	}
}

func TestIntegration_GuardCookiesAreNoStore(t *testing.T) {
	s := newStack(t)
	timer := s.startTimer(t)

	requests := []struct {
		name string
		req  func() *http.Request
		wait time.Duration
	}{
		{"first dashboard visit", func() *http.Request {
			return authed(httptest.NewRequest(http.MethodGet, "/dashboard", nil))
		}, 0},
		{"revoked token on public page", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: "catalog-auth-token", Value: "revoked"})
			return req
		}, 0},
		{"leftover timer without token", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/auth", nil)
			req.AddCookie(timer)
			return req
		}, 0},
		{"sign out", func() *http.Request {
			return authed(httptest.NewRequest(http.MethodPost, "/auth/signout", nil), timer)
		}, 0},
		{"expired on public page", func() *http.Request {
			return authed(httptest.NewRequest(http.MethodGet, "/", nil), timer)
		}, 13 * time.Hour},
		{"expired on dashboard", func() *http.Request {
			return authed(httptest.NewRequest(http.MethodGet, "/dashboard", nil), timer)
		}, 0},
	}
	for _, tt := range requests {
		t.Run(tt.name, func(t *testing.T) {
			*s.clock = s.clock.Add(tt.wait)
			rec := s.do(tt.req())
			if len(rec.Result().Cookies()) == 0 {
				t.Fatalf("status %d: expected the guard to write cookies", rec.Code)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
				t.Fatalf("status %d: Cache-Control = %q with Set-Cookie, want no-store", rec.Code, cc)
			}
		})
	}
}
