package session

import (
	"context"
	"errors"
)

var (
	// ErrNoToken means the request carried no auth cookie.
	ErrNoToken = errors.New("session: no auth token")
	// ErrMalformedToken means the auth cookie could not be decoded.
	ErrMalformedToken = errors.New("session: malformed auth token")
	// ErrInvalidSession is matched (errors.Is) by provider errors that mean the
	// token is invalid, revoked or its refresh token is gone.
	ErrInvalidSession = errors.New("session: invalid session")
)

// User is the authenticated principal returned by the auth provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AuthProvider resolves an access token to a user. It is called at most once per request.
type AuthProvider interface {
	GetUser(ctx context.Context, accessToken string) (*User, error)
}

// SignOuter is implemented by providers that can revoke a session server side.
type SignOuter interface {
	SignOut(ctx context.Context, accessToken string) error
}

type State int

const (
	Unauthenticated State = iota
	Fresh
	Stale
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	}
	return "unknown"
}

type Outcome int

const (
	Pass Outcome = iota
	Redirect
	Unauthorized
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Redirect:
		return "redirect"
	case Unauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// RouteClass is how the guard treats a path.
type RouteClass int

const (
	Public RouteClass = iota
	Protected
	SignIn
)

func (c RouteClass) String() string {
	switch c {
	case Public:
		return "public"
	case Protected:
		return "protected"
	case SignIn:
		return "sign_in"
	}
	return "unknown"
}

// deny reasons, surfaced in 401 bodies and the expired redirect
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonInvalidSession  = "invalid_session"
	ReasonExpired         = "expired"
	ReasonUnverified      = "session_unverified"
)
