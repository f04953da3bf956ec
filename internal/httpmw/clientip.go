package httpmw

import (
	"context"
	"net/http"
	"strings"
)

// UnknownClient is the shared bucket for requests that carry no usable client address.
const UnknownClient = "unknown"

// Forwarded is the transport-neutral view of the proxy headers the edge trusts
// for client identification.
type Forwarded struct {
	ForwardedFor string
	RealIP       string
}

// FromHeaders normalizes a header set into a Forwarded record.
func FromHeaders(h http.Header) Forwarded {
	if h == nil {
		return Forwarded{}
	}
	return Forwarded{
		ForwardedFor: h.Get("X-Forwarded-For"),
		RealIP:       h.Get("X-Real-IP"),
	}
}

// FromRequest normalizes an inbound request into a Forwarded record.
func FromRequest(r *http.Request) Forwarded {
	if r == nil {
		return Forwarded{}
	}
	return FromHeaders(r.Header)
}

// ClientID returns the leftmost X-Forwarded-For entry (the original client),
// then X-Real-IP, then UnknownClient. The platform proxy in front of the app
// rewrites both headers, so they are trusted as-is.
func (f Forwarded) ClientID() string {
	if first, _, _ := strings.Cut(f.ForwardedFor, ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if ip := strings.TrimSpace(f.RealIP); ip != "" {
		return ip
	}
	return UnknownClient
}

type clientIPKey struct{}

// ClientIP resolves the client id once per request and stores it in the context
// for the rate limiter, session guard and request logger.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromRequest(r).ClientID()
		next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), id)))
	})
}

// ClientIPFromContext returns the resolved client id, UnknownClient if the
// middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return UnknownClient
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
