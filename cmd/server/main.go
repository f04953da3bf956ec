package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/catalogweb/internal/authprovider"
	"github.com/keithlinneman/catalogweb/internal/cfg"
	"github.com/keithlinneman/catalogweb/internal/contact"
	"github.com/keithlinneman/catalogweb/internal/health"
	"github.com/keithlinneman/catalogweb/internal/httpserver"
	"github.com/keithlinneman/catalogweb/internal/log"
	"github.com/keithlinneman/catalogweb/internal/metrics"
	"github.com/keithlinneman/catalogweb/internal/opshttp"
	"github.com/keithlinneman/catalogweb/internal/otelx"
	"github.com/keithlinneman/catalogweb/internal/prof"
	"github.com/keithlinneman/catalogweb/internal/ratelimit"
	"github.com/keithlinneman/catalogweb/internal/secrets"
	"github.com/keithlinneman/catalogweb/internal/session"
	"github.com/keithlinneman/catalogweb/internal/sitehttp"
	v "github.com/keithlinneman/catalogweb/internal/version"
	"github.com/keithlinneman/catalogweb/internal/webassets"
)

const (
	appName   = v.Service
	component = "server"

	// how long readiness fails before listeners close, so the load balancer stops routing here
	drainPeriod     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JSON:            conf.LogJSON,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.LogAttrs(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"ratelimit_store", conf.RateLimitStore,
		"session_max_age", conf.SessionMaxAge.String(),
		"auth_url", conf.AuthURL,
		"contact_s3_bucket", conf.ContactS3Bucket,
	)...)

	m := metrics.New()
	m.SetBuildInfo(component, vi)

	stopProf, profActive, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		Component:     component,
		Version:       vi.Version,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(profActive)
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for SSM secrets and the contact bucket
	var awsCfg aws.Config
	sec := secrets.New(nil)
	if conf.CookieSecretSSMParam != "" || conf.AuthAnonKeySSMParam != "" || conf.ContactS3Bucket != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		sec = secrets.NewFromConfig(awsCfg)
	}

	cookieSecret, err := sec.Resolve(ctx, conf.CookieSecret, conf.CookieSecretSSMParam)
	if err != nil {
		L.Error(ctx, err, "failed to resolve cookie secret")
		os.Exit(1)
	}
	anonKey, err := sec.Resolve(ctx, conf.AuthAnonKey, conf.AuthAnonKeySSMParam)
	if err != nil {
		L.Error(ctx, err, "failed to resolve auth anon key")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// rate limiter
	store, closeStore, storeDep := rateLimitStore(conf)
	defer closeStore()
	capacityLog := &rate.Sometimes{First: 1, Interval: time.Minute}
	limiter := ratelimit.New(ctx,
		ratelimit.WithStore(store),
		ratelimit.WithCapacity(conf.RateLimitCapacity),
		ratelimit.WithSweepInterval(conf.RateLimitSweep),
		ratelimit.WithOnDenied(m.IncRateLimitDenied),
		ratelimit.WithOnEvict(m.AddRateLimitSwept),
		ratelimit.WithOnCapacity(func(n int) {
			m.AddRateLimitCapacityEvicted(n)
			capacityLog.Do(func() {
				L.Warn(ctx, "rate limit store at capacity, evicting oldest clients", "evicted", n, "capacity", conf.RateLimitCapacity)
			})
		}),
		ratelimit.WithOnStoreError(m.IncRateLimitStoreError),
	)
	globalPolicy := ratelimit.Policy{Action: "global", Limit: conf.GlobalRateLimit, Window: conf.GlobalRateWindow}
	contactPolicy := ratelimit.Policy{Action: "contact", Limit: conf.ContactRateLimit, Window: conf.ContactRateWindow}

	// session guard
	provider, err := authprovider.New(conf.AuthURL, anonKey,
		authprovider.WithTimeout(conf.AuthTimeout),
		authprovider.WithUserAgent(vi.UserAgent()),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create auth provider client")
		os.Exit(1)
	}
	sessCfg := session.DefaultConfig()
	sessCfg.AuthCookieName = conf.AuthCookieName
	sessCfg.TimerCookieName = conf.TimerCookieName
	sessCfg.MaxAge = conf.SessionMaxAge
	sessCfg.TimerCookieTTL = conf.TimerCookieTTL
	sessCfg.SecureCookies = conf.SecureCookies
	sessCfg.HashKey = []byte(cookieSecret)
	sessCfg.ProtectedPrefixes = conf.ProtectedPrefixList()
	sessCfg.SignInPath = conf.SignInPath
	sessCfg.DashboardPath = conf.DashboardPath
	sessCfg.SignedInRedirect = conf.SignedInRedirect
	guard, err := session.New(provider, sessCfg,
		session.WithOnOutcome(func(st session.State, o session.Outcome) {
			m.IncSessionDecision(st.String(), o.String())
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create session guard")
		os.Exit(1)
	}

	// contact form
	var sink contact.Sink = contact.LogSink{}
	if conf.ContactS3Bucket != "" {
		s3Sink, err := contact.NewS3Sink(s3.NewFromConfig(awsCfg), conf.ContactS3Bucket, conf.ContactS3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create contact sink")
			os.Exit(1)
		}
		sink = s3Sink
	}

	routes := &sitehttp.Routes{
		Pages:        webassets.PagesFS(),
		Static:       webassets.StaticFS(),
		Logout:       guard.Logout,
		MaxAge:       guard.MaxAge(),
		Contact:      contact.NewHandler(sink, contact.WithOnResult(m.IncContactSubmission)),
		ContactLimit: limiter.Middleware(contactPolicy),
		MaxBody:      conf.MaxBodyBytes,
	}

	// the gate goes first so a draining instance never pings redis
	readiness := health.Require(gate.Dependency(), storeDep)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware(globalPolicy),
		SessionMW:    guard.Middleware,
		Health:       health.Up(),
		Readiness:    readiness,
		Routes:       []httpserver.RouteRegistrar{routes},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// ops listener serves metrics, probes and pprof to internal networks only
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Up(),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout anyway
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := log.WithContext(context.Background(), L)
	L.Info(bg, "shutdown signal received")

	gate.Close("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// rateLimitStore builds the shared redis store when configured. A nil store
// leaves the limiter on its own capacity-bounded memory store, and the
// returned dependency then has no probe so readiness skips it.
func rateLimitStore(conf cfg.App) (ratelimit.Store, func(), health.Dependency) {
	if conf.RateLimitStore != "redis" {
		return nil, func() {}, health.Dependency{Name: "redis"}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		DB:       conf.RedisDB,
		Password: conf.RedisPassword,
	})
	return ratelimit.NewRedisStore(rdb, appName+":rl:"), func() { _ = rdb.Close() }, health.Redis(rdb, health.DefaultPingTimeout)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
