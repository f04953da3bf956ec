package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/catalogweb/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "CATALOG_"

type App struct {
	EnvFile string

	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	MaxErrorLinks   int

	HTTPPort     int
	AdminPort    int
	MaxBodyBytes int64

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	// rate limiting
	RateLimitStore    string
	RateLimitCapacity int
	RateLimitSweep    time.Duration
	RedisAddr         string
	RedisDB           int
	RedisPassword     string
	GlobalRateLimit   int
	GlobalRateWindow  time.Duration
	ContactRateLimit  int
	ContactRateWindow time.Duration

	// session guard
	AuthCookieName       string
	TimerCookieName      string
	SessionMaxAge        time.Duration
	TimerCookieTTL       time.Duration
	SecureCookies        bool
	CookieSecret         string
	CookieSecretSSMParam string
	SignInPath           string
	DashboardPath        string
	ProtectedPrefixes    string
	SignedInRedirect     bool

	// hosted auth service
	AuthURL             string
	AuthAnonKey         string
	AuthAnonKeySSMParam string
	AuthTimeout         time.Duration

	// contact form storage, logged only when the bucket is empty
	ContactS3Bucket string
	ContactS3Prefix string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading CATALOG_* env vars")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth with source links in logs (0 disables, max 64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max request body size in bytes")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.RateLimitStore, "ratelimit-store", "memory", "memory|redis")
	fs.IntVar(&c.RateLimitCapacity, "ratelimit-capacity", 10_000, "max tracked clients in the memory store")
	fs.DurationVar(&c.RateLimitSweep, "ratelimit-sweep", time.Minute, "how often expired rate limit windows are purged")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for -ratelimit-store=redis")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.GlobalRateLimit, "global-rate-limit", 300, "requests per client per global window")
	fs.DurationVar(&c.GlobalRateWindow, "global-rate-window", time.Minute, "global rate limit window")
	fs.IntVar(&c.ContactRateLimit, "contact-rate-limit", 5, "contact form submissions per client per window")
	fs.DurationVar(&c.ContactRateWindow, "contact-rate-window", 10*time.Minute, "contact form rate limit window")

	fs.StringVar(&c.AuthCookieName, "auth-cookie-name", "catalog-auth-token", "auth provider cookie name (chunks are name.0, name.1, ...)")
	fs.StringVar(&c.TimerCookieName, "timer-cookie-name", "session_started_at", "session timer cookie name")
	fs.DurationVar(&c.SessionMaxAge, "session-max-age", 12*time.Hour, "absolute session lifetime")
	fs.DurationVar(&c.TimerCookieTTL, "timer-cookie-ttl", 7*24*time.Hour, "browser lifetime of the session timer cookie (must exceed session-max-age)")
	fs.BoolVar(&c.SecureCookies, "secure-cookies", true, "set the Secure attribute on cookies the server writes")
	fs.StringVar(&c.CookieSecret, "cookie-secret", "", "key (>= 32 bytes) signing the session timer cookie")
	fs.StringVar(&c.CookieSecretSSMParam, "cookie-secret-ssm-param", "", "SSM SecureString parameter holding the cookie secret")
	fs.StringVar(&c.SignInPath, "sign-in-path", "/auth", "sign-in route prefix")
	fs.StringVar(&c.DashboardPath, "dashboard-path", "/dashboard", "where signed-in users landing on sign-in are sent")
	fs.StringVar(&c.ProtectedPrefixes, "protected-prefixes", "/dashboard,/api/session", "comma separated route prefixes that require a session")
	fs.BoolVar(&c.SignedInRedirect, "signed-in-redirect", true, "redirect signed-in users away from the sign-in page")

	fs.StringVar(&c.AuthURL, "auth-url", "", "hosted auth service base url")
	fs.StringVar(&c.AuthAnonKey, "auth-anon-key", "", "hosted auth service anon (public) api key")
	fs.StringVar(&c.AuthAnonKeySSMParam, "auth-anon-key-ssm-param", "", "SSM parameter holding the auth anon key")
	fs.DurationVar(&c.AuthTimeout, "auth-timeout", 5*time.Second, "timeout for one auth service call")

	fs.StringVar(&c.ContactS3Bucket, "contact-s3-bucket", "", "s3 bucket for contact submissions (empty logs them instead)")
	fs.StringVar(&c.ContactS3Prefix, "contact-s3-prefix", "contact", "s3 key prefix for contact submissions")
}

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// ProtectedPrefixList splits ProtectedPrefixes, dropping blanks.
func (c App) ProtectedPrefixList() []string {
	var out []string
	for _, p := range strings.Split(c.ProtectedPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
// Secret values may still be empty here when an SSM parameter is configured.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.MaxBodyBytes < 1024 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 1024 (got %d)", c.MaxBodyBytes))
	}

	// Logging
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorLinks < 0 || c.MaxErrorLinks > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 0..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing and profiling
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Rate limiting
	switch c.RateLimitStore {
	case "memory":
		if c.RateLimitCapacity < 1 {
			errs = append(errs, fmt.Errorf("RATELIMIT_CAPACITY must be >= 1 (got %d)", c.RateLimitCapacity))
		}
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR required when RATELIMIT_STORE=redis"))
		} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_STORE %q (must be memory|redis)", c.RateLimitStore))
	}
	if c.RateLimitSweep < time.Second {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP must be >= 1s (got %s)", c.RateLimitSweep))
	}
	if c.GlobalRateLimit < 1 || c.GlobalRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("GLOBAL_RATE_LIMIT and GLOBAL_RATE_WINDOW must be positive (got %d per %s)", c.GlobalRateLimit, c.GlobalRateWindow))
	}
	if c.ContactRateLimit < 1 || c.ContactRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("CONTACT_RATE_LIMIT and CONTACT_RATE_WINDOW must be positive (got %d per %s)", c.ContactRateLimit, c.ContactRateWindow))
	}

	// Session
	if c.SessionMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_AGE must be > 0 (got %s)", c.SessionMaxAge))
	}
	if c.TimerCookieTTL <= c.SessionMaxAge {
		errs = append(errs, fmt.Errorf("TIMER_COOKIE_TTL (%s) must exceed SESSION_MAX_AGE (%s)", c.TimerCookieTTL, c.SessionMaxAge))
	}
	switch {
	case c.CookieSecret == "" && c.CookieSecretSSMParam == "":
		errs = append(errs, fmt.Errorf("COOKIE_SECRET or COOKIE_SECRET_SSM_PARAM is required"))
	case c.CookieSecret != "" && len(c.CookieSecret) < 32:
		errs = append(errs, fmt.Errorf("COOKIE_SECRET must be at least 32 bytes (got %d)", len(c.CookieSecret)))
	}
	if len(c.ProtectedPrefixList()) == 0 {
		errs = append(errs, fmt.Errorf("PROTECTED_PREFIXES must name at least one prefix"))
	}

	// Auth service
	if c.AuthURL == "" {
		errs = append(errs, fmt.Errorf("AUTH_URL is required"))
	} else if u, err := url.Parse(c.AuthURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		errs = append(errs, fmt.Errorf("AUTH_URL must be an http(s) URL (got %q)", c.AuthURL))
	}
	if c.AuthAnonKey == "" && c.AuthAnonKeySSMParam == "" {
		errs = append(errs, fmt.Errorf("AUTH_ANON_KEY or AUTH_ANON_KEY_SSM_PARAM is required"))
	}
	if c.AuthTimeout <= 0 || c.AuthTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("AUTH_TIMEOUT must be in (0, 1m] (got %s)", c.AuthTimeout))
	}

	return errors.Join(errs...)
}
