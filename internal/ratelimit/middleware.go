package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/catalogweb/internal/httpmw"
	"github.com/keithlinneman/catalogweb/internal/log"
)

// Middleware enforces p per client id (from httpmw.ClientIP) and rejects with
// 429 once the window is used up. Every response carries the X-RateLimit-* headers.
func (l *Limiter) Middleware(p Policy) func(http.Handler) http.Handler {
	// an outage fails every request, so log the first and then one per interval
	storeErrLog := &rate.Sometimes{First: 1, Interval: 10 * time.Second}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			client := httpmw.ClientIPFromContext(ctx)

			res, err := l.Check(ctx, client, p)
			if err != nil {
				storeErrLog.Do(func() {
					log.FromContext(ctx).Error(ctx, err, "rate limit check failed, allowing request",
						"ratelimit.action", p.Action,
					)
				})
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(p.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.ResetAt.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				h.Set("Content-Type", "application/json; charset=utf-8")
				h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(res.ResetAt, l.now())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds the time left until resetAt up to whole seconds, minimum 1.
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}
