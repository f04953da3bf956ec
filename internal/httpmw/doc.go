// Package httpmw provides HTTP middleware for the public edge server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request id, client id, global rate limit, OTEL tracing, trace
// headers, metrics, request-scoped logging, then the chi router where the
// session guard and per-route limits run.
//
// Request bodies, query values and cookies are never logged.
package httpmw
