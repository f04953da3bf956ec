package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAuthCookieName  = "catalog-auth-token"
	DefaultTimerCookieName = "session_started_at"
	DefaultMaxAge          = 12 * time.Hour
	DefaultTimerCookieTTL  = 7 * 24 * time.Hour
	DefaultSignInPath      = "/auth"
	DefaultDashboardPath   = "/dashboard"
)

type Config struct {
	// AuthCookieName is the provider's cookie, possibly split into Name.0, Name.1, ...
	AuthCookieName  string
	TimerCookieName string

	// MaxAge is the absolute session lifetime measured from the timer.
	MaxAge time.Duration
	// TimerCookieTTL is the browser lifetime of the timer cookie. It must outlive
	// MaxAge or the browser drops the timer before it can expire the session.
	TimerCookieTTL time.Duration
	SecureCookies  bool

	// HashKey signs the timer cookie, BlockKey (optional, 16/24/32 bytes) encrypts it.
	HashKey  []byte
	BlockKey []byte

	ProtectedPrefixes []string
	SignInPath        string
	DashboardPath     string
	// SignedInRedirect sends authenticated users away from the sign-in page.
	SignedInRedirect bool
	// ActionHeaders mark programmatic requests that get 401 JSON instead of redirects.
	ActionHeaders []string
}

func DefaultConfig() Config {
	return Config{
		AuthCookieName:    DefaultAuthCookieName,
		TimerCookieName:   DefaultTimerCookieName,
		MaxAge:            DefaultMaxAge,
		TimerCookieTTL:    DefaultTimerCookieTTL,
		SecureCookies:     true,
		ProtectedPrefixes: []string{"/dashboard", "/api/session"},
		SignInPath:        DefaultSignInPath,
		DashboardPath:     DefaultDashboardPath,
		SignedInRedirect:  true,
		ActionHeaders:     []string{"Next-Action"},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.AuthCookieName == "" {
		errs = append(errs, errors.New("auth cookie name is required"))
	}
	if c.TimerCookieName == "" {
		errs = append(errs, errors.New("timer cookie name is required"))
	}
	if c.TimerCookieName == c.AuthCookieName || strings.HasPrefix(c.TimerCookieName, c.AuthCookieName+".") {
		errs = append(errs, fmt.Errorf("timer cookie %q collides with auth cookie %q", c.TimerCookieName, c.AuthCookieName))
	}
	if c.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("max session age must be > 0, got %s", c.MaxAge))
	}
	if c.TimerCookieTTL <= c.MaxAge {
		errs = append(errs, fmt.Errorf("timer cookie ttl (%s) must be longer than max session age (%s)", c.TimerCookieTTL, c.MaxAge))
	}
	if len(c.HashKey) < 32 {
		errs = append(errs, fmt.Errorf("cookie hash key must be at least 32 bytes, got %d", len(c.HashKey)))
	}
	switch len(c.BlockKey) {
	case 0, 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("cookie block key must be 16, 24 or 32 bytes, got %d", len(c.BlockKey)))
	}
	if !strings.HasPrefix(c.SignInPath, "/") {
		errs = append(errs, fmt.Errorf("sign-in path must start with /, got %q", c.SignInPath))
	}
	if !strings.HasPrefix(c.DashboardPath, "/") {
		errs = append(errs, fmt.Errorf("dashboard path must start with /, got %q", c.DashboardPath))
	}
	for _, p := range c.ProtectedPrefixes {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("protected prefix must start with /, got %q", p))
		}
		if underPrefix(c.SignInPath, p) || underPrefix(p, c.SignInPath) {
			errs = append(errs, fmt.Errorf("protected prefix %q overlaps sign-in path %q", p, c.SignInPath))
		}
	}
	return errors.Join(errs...)
}

// underPrefix matches prefix itself and anything below it, "/auth" matches
// "/auth" and "/auth/x" but not "/authors".
func underPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
