// Package session guards protected routes with an externally issued auth token
// and an absolute session lifetime.
//
// The auth token lives in cookies owned by the hosted auth provider. The guard
// never refreshes or rewrites it, it only asks the provider who the token
// belongs to. Separately, the guard issues its own signed timer cookie the
// first time it sees an authenticated user and, once that timer is older than
// Config.MaxAge, clears every session cookie and sends the user back to
// sign-in, even while the provider would still accept the token.
//
// States:
//
//	Unauthenticated  no token, or the provider rejected it
//	Stale            valid token, timer absent or unreadable (timer issued now)
//	Fresh            valid token, timer within MaxAge
//	Expired          valid token, timer older than MaxAge (forced logout)
//
// Unexpected failures, including provider outages and panics, deny protected
// routes and let everything else through as anonymous.
package session
