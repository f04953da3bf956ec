package health

import "net/http"

// FailedHeader carries the name of the failed dependency on a 503 so load
// balancer logs show which one without parsing the body.
const FailedHeader = "X-Health-Failed"

// LiveHandler serves liveness: "ok" or 503 with the reason.
func LiveHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ok\n") }

// ReadyHandler serves readiness: "ready" or 503 with the reason.
func ReadyHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ready\n") }

// a nil probe always passes
func serveProbe(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				if dep := FailedDependency(err); dep != "" {
					w.Header().Set(FailedHeader, dep)
				}
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(okBody))
	}
}
