package health

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// Probe is checked on every request to a health endpoint. A non-nil error
// fails the endpoint and its message is the reason served.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Up always passes. Liveness uses it: answering at all is the signal.
func Up() CheckFunc { return func(context.Context) error { return nil } }

// Down always fails with reason, or "unhealthy" when reason is empty.
func Down(reason string) CheckFunc {
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// Dependency is something readiness waits on: the shutdown gate or the
// shared rate limit store.
type Dependency struct {
	Name  string
	Probe Probe
}

// DependencyError is returned by Require and names the dependency that failed.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string { return e.Dependency + ": " + e.Err.Error() }
func (e *DependencyError) Unwrap() error { return e.Err }

// FailedDependency returns the dependency named in err's chain, "" if there is none.
func FailedDependency(err error) string {
	var de *DependencyError
	if errors.As(err, &de) {
		return de.Dependency
	}
	return ""
}

// Require passes when every dependency passes. Dependencies are checked in
// order and the first failure stops the check. Nil probes are skipped, so an
// optional dependency can be listed unconditionally.
func Require(deps ...Dependency) CheckFunc {
	return func(ctx context.Context) error {
		for _, d := range deps {
			if d.Probe == nil {
				continue
			}
			if err := d.Probe.Check(ctx); err != nil {
				return &DependencyError{Dependency: d.Name, Err: err}
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness once draining starts so the load balancer
// stops routing here while in-flight requests finish.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Close starts draining. Readiness reports reason, or "draining" when empty.
func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Open undoes Close.
func (g *ShutdownGate) Open() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

// Dependency names the gate "shutdown" for Require.
func (g *ShutdownGate) Dependency() Dependency {
	return Dependency{Name: "shutdown", Probe: CheckFunc(func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	})}
}
