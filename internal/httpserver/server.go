package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/catalogweb/internal/health"
	"github.com/keithlinneman/catalogweb/internal/httpmw"
	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// infraPath reports requests that are neither traced nor counted against the
// global rate limit: probes, favicon/robots and static assets.
func infraPath(p string) bool {
	if strings.HasPrefix(p, "/-/") || strings.HasPrefix(p, "/static/") {
		return true
	}
	if p == "/favicon.ico" || p == "/robots.txt" {
		return true
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return true
	}
	return false
}

// assetPath reports requests served without a session check. It matches by
// prefix only, never by extension, so a guarded route is not exempted by its name.
func assetPath(p string) bool {
	return strings.HasPrefix(p, "/static/") || p == "/favicon.ico" || p == "/robots.txt"
}

// bypass runs mw for every request except those skip matches.
func bypass(skip func(string) bool, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found\n", http.StatusNotFound)
}

// NewHandler builds an HTTP handler with routes + middleware
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()

	// Annotate the server span with the chi route pattern once routing is done
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	// Compress text responses (HTML/CSS/JS/JSON)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/javascript",
		"application/javascript",
		"application/json",
	))

	// Probes sit above the guard so an auth outage never fails them
	if opts.Health != nil {
		r.Get("/-/healthy", health.LiveHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyHandler(opts.Readiness))
	}

	r.Group(func(r chi.Router) {
		if mw := bypass(assetPath, opts.SessionMW); mw != nil {
			r.Use(mw)
		}
		for _, rr := range opts.Routes {
			rr.RegisterRoutes(r)
		}
	})
	// set after the group so unmatched paths never reach the guard or the auth provider
	r.NotFound(notFound)

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}

	tracing := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool { return !infraPath(r.URL.Path) }),
			// AnnotateHTTPRoute renames the span to the route pattern later
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}

	// outermost first
	return httpmw.Chain(r,
		// security headers outermost so every response carries them
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		// client id before the limiter and the logger
		httpmw.ClientIP,
		bypass(infraPath, opts.RateLimitMW),
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		// request-scoped logger inside tracing so it sees trace_id
		httpmw.WithLogger(L),
	)
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler, L log.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
		// middleware that runs before WithLogger still finds a logger
		BaseContext: func(net.Listener) context.Context {
			return log.WithContext(context.Background(), L)
		},
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts), opts.Logger)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen addr=%s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
