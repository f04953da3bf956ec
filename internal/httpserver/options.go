package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/catalogweb/internal/health"
	"github.com/keithlinneman/catalogweb/internal/log"
)

// RouteRegistrar mounts a group of routes on the public router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW func(http.Handler) http.Handler
	// RateLimitMW is the global per-client policy. Probes and static assets bypass it.
	RateLimitMW func(http.Handler) http.Handler
	// SessionMW runs on every routed request, ahead of all handlers.
	SessionMW func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	Routes []RouteRegistrar
}

// RouteFunc adapts a plain function into a RouteRegistrar.
type RouteFunc func(r chi.Router)

func (f RouteFunc) RegisterRoutes(r chi.Router) { f(r) }
