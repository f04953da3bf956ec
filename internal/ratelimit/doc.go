// Package ratelimit is a fixed-window request limiter keyed by "action:client".
//
// Each Policy names an action, a limit and a window. The first request for a
// key opens a window of Policy.Window, requests up to Limit inside it are
// allowed, and everything after is rejected until the window's ResetAt passes.
//
// State lives behind the Store interface. MemoryStore is the default, a
// bounded map swept in the background. RedisStore shares counters between
// instances.
//
// What this does NOT protect against:
//   - distributed attacks across many client ids
//   - clients that spoof X-Forwarded-For when the platform proxy does not rewrite it
//
// With MemoryStore each instance enforces limits on its own, so the effective
// limit of a horizontally scaled deployment is Limit times the instance count.
// RedisStore narrows that gap but the read and write are not atomic across
// instances, so concurrent requests on different instances can overshoot a
// window by a few requests.
package ratelimit
