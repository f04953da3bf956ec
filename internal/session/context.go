package session

import (
	"context"
	"time"
)

type ctxKey struct{}

type ctxInfo struct {
	user      *User
	state     State
	startedAt time.Time
}

func withDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, ctxKey{}, ctxInfo{user: d.User, state: d.State, startedAt: d.StartedAt})
}

// WithUser stores an authenticated user in ctx, for handlers tested without the guard.
func WithUser(ctx context.Context, u *User, st State, startedAt time.Time) context.Context {
	return context.WithValue(ctx, ctxKey{}, ctxInfo{user: u, state: st, startedAt: startedAt})
}

// UserFromContext returns the user the guard let through, nil for anonymous requests.
func UserFromContext(ctx context.Context) *User {
	info, _ := ctx.Value(ctxKey{}).(ctxInfo)
	return info.user
}

// StateFromContext returns the guard's state for this request, Unauthenticated if it did not run.
func StateFromContext(ctx context.Context) State {
	info, _ := ctx.Value(ctxKey{}).(ctxInfo)
	return info.state
}

// StartedAtFromContext returns when the session timer started, zero for anonymous requests.
func StartedAtFromContext(ctx context.Context) time.Time {
	info, _ := ctx.Value(ctxKey{}).(ctxInfo)
	if info.user == nil {
		return time.Time{}
	}
	return info.startedAt
}
