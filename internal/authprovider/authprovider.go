// Package authprovider talks to the hosted auth service (a GoTrue-compatible
// API) to resolve access tokens and revoke sessions.
package authprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/catalogweb/internal/session"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

const (
	DefaultTimeout = 5 * time.Second
	// maxErrorBody bounds how much of an error response is read for decoding.
	maxErrorBody = 64 << 10
)

// authCodes are provider error codes meaning the token will never work again.
var authCodes = map[string]struct{}{
	"bad_jwt":                    {},
	"refresh_token_not_found":    {},
	"refresh_token_already_used": {},
	"session_not_found":          {},
	"session_expired":            {},
	"user_not_found":             {},
	"user_banned":                {},
}

// Error is a non-2xx response from the auth service.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth provider: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth provider: %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether the service rejected the token itself, as
// opposed to failing to answer.
func (e *Error) IsAuthError() bool {
	if _, ok := authCodes[e.Code]; ok {
		return true
	}
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Is lets the session guard match token rejections with session.ErrInvalidSession.
func (e *Error) Is(target error) bool {
	return target == session.ErrInvalidSession && e.IsAuthError()
}

// IsAuthError reports whether err (or anything it wraps) is a token rejection.
func IsAuthError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsAuthError()
}

type Client struct {
	base      *url.URL
	anonKey   string
	userAgent string
	hc        *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the traced default client. Its Timeout is kept as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent sent on every call.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New builds a client for the service at baseURL, authenticating itself with anonKey.
func New(baseURL, anonKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, xerrors.Wrap(err, "parse auth base url")
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, xerrors.Newf("auth base url %q must be an absolute http(s) url", baseURL)
	}
	if anonKey == "" {
		return nil, xerrors.New("auth anon key is required")
	}
	c := &Client{
		base:    u,
		anonKey: anonKey,
		hc: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// GetUser resolves accessToken to its user. One request, no retries.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*session.User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", accessToken)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(err, "auth provider get user")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, decodeError(resp)
	}
	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, xerrors.Wrap(err, "decode auth provider user")
	}
	if u.ID == "" {
		return nil, &Error{Status: resp.StatusCode, Code: "user_not_found", Message: "response has no user id"}
	}
	return &session.User{ID: u.ID, Email: u.Email, Role: u.Role}, nil
}

// SignOut revokes the session behind accessToken. A token the service already
// considers dead counts as signed out.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/logout", accessToken)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "auth provider sign out")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := decodeError(resp); !IsAuthError(err) {
		return err
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// decodeError reads the service's error body, which comes in a few shapes
// depending on the endpoint and version.
func decodeError(resp *http.Response) error {
	var body struct {
		Code             any    `json:"code"`
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)

	e := &Error{Status: resp.StatusCode}
	switch {
	case body.ErrorCode != "":
		e.Code = body.ErrorCode
	case body.Code != nil:
		// older versions send the http status as a number in "code"
		if s, ok := body.Code.(string); ok {
			e.Code = s
		}
	}
	if e.Code == "" && body.Error != "" && !strings.Contains(body.Error, " ") {
		e.Code = body.Error
	}
	for _, m := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
