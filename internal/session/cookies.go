package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

// base64Prefix marks a provider cookie holding a JSON token pair instead of a raw token.
const base64Prefix = "base64-"

// maxAuthChunks bounds how many Name.N cookies are stitched together.
const maxAuthChunks = 16

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// readAuthToken returns the access token from the provider's cookie, which may
// be split across Name.0, Name.1, ... chunks.
func readAuthToken(r *http.Request, name string) (string, error) {
	raw := ""
	if c, err := r.Cookie(name); err == nil {
		raw = c.Value
	} else {
		var b strings.Builder
		for i := range maxAuthChunks {
			c, err := r.Cookie(name + "." + strconv.Itoa(i))
			if err != nil {
				break
			}
			b.WriteString(c.Value)
		}
		raw = b.String()
	}
	if raw == "" {
		return "", ErrNoToken
	}
	if !strings.HasPrefix(raw, base64Prefix) {
		return raw, nil
	}

	enc := strings.TrimRight(strings.TrimPrefix(raw, base64Prefix), "=")
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrMalformedToken
	}
	var tp tokenPair
	if err := json.Unmarshal(b, &tp); err != nil || tp.AccessToken == "" {
		return "", ErrMalformedToken
	}
	return tp.AccessToken, nil
}

// timerCodec signs and reads the session timer cookie.
type timerCodec struct {
	sc     *securecookie.SecureCookie
	name   string
	ttl    time.Duration
	secure bool
}

func newTimerCodec(cfg Config) *timerCodec {
	var block []byte
	if len(cfg.BlockKey) > 0 {
		block = cfg.BlockKey
	}
	sc := securecookie.New(cfg.HashKey, block).
		MaxAge(int(cfg.TimerCookieTTL / time.Second)).
		SetSerializer(securecookie.JSONEncoder{})
	return &timerCodec{sc: sc, name: cfg.TimerCookieName, ttl: cfg.TimerCookieTTL, secure: cfg.SecureCookies}
}

// read returns the session start, ok=false when the cookie is missing or fails verification.
func (t *timerCodec) read(r *http.Request) (time.Time, bool) {
	c, err := r.Cookie(t.name)
	if err != nil || c.Value == "" {
		return time.Time{}, false
	}
	var ms int64
	if err := t.sc.Decode(t.name, c.Value, &ms); err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (t *timerCodec) issue(now time.Time) (*http.Cookie, error) {
	v, err := t.sc.Encode(t.name, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     t.name,
		Value:    v,
		Path:     "/",
		MaxAge:   int(t.ttl / time.Second),
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

func (t *timerCodec) clear() *http.Cookie {
	return expiredCookie(t.name, t.secure)
}

func expiredCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// clearAuthCookies expires the base auth cookie plus every chunk the request carried.
func clearAuthCookies(r *http.Request, name string, secure bool) []*http.Cookie {
	names := map[string]struct{}{name: {}}
	for _, c := range r.Cookies() {
		if c.Name == name || strings.HasPrefix(c.Name, name+".") {
			names[c.Name] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]*http.Cookie, 0, len(sorted))
	for _, n := range sorted {
		out = append(out, expiredCookie(n, secure))
	}
	return out
}
