package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/linnemanlabs-edge/internal/assetcache"
	"github.com/keithlinneman/linnemanlabs-edge/internal/audit"
	"github.com/keithlinneman/linnemanlabs-edge/internal/cacheguard"
	"github.com/keithlinneman/linnemanlabs-edge/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-edge/internal/edgehttp"
	"github.com/keithlinneman/linnemanlabs-edge/internal/health"
	"github.com/keithlinneman/linnemanlabs-edge/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-edge/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-edge/internal/leads"
	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
	"github.com/keithlinneman/linnemanlabs-edge/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-edge/internal/nonce"
	"github.com/keithlinneman/linnemanlabs-edge/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-edge/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-edge/internal/preview"
	"github.com/keithlinneman/linnemanlabs-edge/internal/prof"
	"github.com/keithlinneman/linnemanlabs-edge/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-edge/internal/signing"
	"github.com/keithlinneman/linnemanlabs-edge/internal/token"
	v "github.com/keithlinneman/linnemanlabs-edge/internal/version"
)

// whitepaperKeys is the allow-list of issuable documents. Whitepapers ship
// with releases, so a code change per document is acceptable for now.
var whitepaperKeys = []string{
	"whitepapers/platform-overview.pdf",
	"whitepapers/edge-architecture.pdf",
	"whitepapers/security-practices.pdf",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix LMEDGE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "LMEDGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	// empty stacktrace level falls back to the logger's default (error)
	var stLvl slog.Level
	if conf.StacktraceLevel != "" {
		if stLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"redis_addr", conf.RedisAddr,
		"audit_db_path", conf.AuditDBPath,
		"downloads_s3_bucket", conf.DownloadsS3Bucket,
		"sign_tolerance", conf.SignTolerance,
		"track_nonces", conf.TrackNonces,
		"token_ttl", conf.TokenTTL,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	profActive := conf.EnablePyroscope
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
		profActive = false
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(profActive)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	secret, err := loadSigningSecret(ctx, ssm.NewFromConfig(awsCfg), conf.SigningSecretParam)
	if err != nil {
		L.Error(ctx, err, "failed to load signing secret", "ssm_param", conf.SigningSecretParam)
		os.Exit(1)
	}
	signer := signing.New(secret)

	// shared kv store for rate limits, nonces, and the preview cache
	redisClient := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
	defer redisClient.Close()
	store := kvstore.NewRedis(redisClient)
	if err := store.Ping(ctx); err != nil {
		// start anyway: rate limiting fails closed and replay tracking
		// rejects, so a late redis is a degradation, not a crash
		L.Warn(ctx, "kv store unreachable at startup", "redis_addr", conf.RedisAddr, "err", err.Error())
	}

	// relational store for audit records and leads
	db, err := sql.Open("sqlite", conf.AuditDBPath)
	if err != nil {
		L.Error(ctx, err, "failed to open audit database", "path", conf.AuditDBPath)
		os.Exit(1)
	}
	defer db.Close()
	// sqlite allows one writer; serialize access instead of returning busy
	db.SetMaxOpenConns(1)

	recorder := audit.NewRecorder(db)
	recorder.OnWriteError = m.IncAuditWriteFailure
	if err := recorder.EnsureSchema(ctx); err != nil {
		L.Error(ctx, err, "failed to ensure audit schema")
		os.Exit(1)
	}
	leadStore := leads.NewStore(db)
	if err := leadStore.EnsureSchema(ctx); err != nil {
		L.Error(ctx, err, "failed to ensure leads schema")
		os.Exit(1)
	}

	var nonces *nonce.Tracker
	if conf.TrackNonces {
		nonces = nonce.NewTracker(store, conf.SignTolerance)
	}

	limiter := ratelimit.NewWindow(store)
	limiter.OnDenied = func(action string) { m.IncRateLimitDenied() }
	limiter.OnStoreError = func(action string, err error) {
		m.IncStoreError("incr_window")
		L.Error(ctx, err, "rate limit store error", "action", action)
	}

	guard := cacheguard.New(store, signer)
	guard.MaxTTL = conf.PreviewCacheTTL
	guard.OnHit = func() { m.IncPreviewCache(true) }
	guard.OnMiss = func() { m.IncPreviewCache(false) }

	assets := assetcache.New(s3Client, conf.DownloadsS3Bucket)
	renderer := &preview.GradientRenderer{
		Assets:     assets,
		OverlayKey: conf.PreviewOverlayKey,
	}

	whitepapers := make(map[string]struct{}, len(whitepaperKeys))
	for _, k := range whitepaperKeys {
		whitepapers[k] = struct{}{}
	}

	handlers := &edgehttp.Handlers{
		Signer:    signer,
		Tolerance: conf.SignTolerance,
		Nonces:    nonces,
		Limiter:   limiter,
		ContactRule: ratelimit.Rule{
			Action: "contact", Max: int64(conf.RateContactMax), Window: conf.RateContactWindow,
		},
		WhitepaperRule: ratelimit.Rule{
			Action: "whitepaper", Max: int64(conf.RateContactMax), Window: conf.RateContactWindow,
		},
		BeaconRule: ratelimit.Rule{
			Action: "beacon", Max: int64(conf.RateDownloadMax), Window: conf.RateDownloadWindow,
		},
		DownloadRule: ratelimit.Rule{
			Action: "download", Max: int64(conf.RateDownloadMax), Window: conf.RateDownloadWindow,
		},
		Audit:       recorder,
		Leads:       leadStore,
		Issuer:      token.NewIssuer(signer, "/downloads/"),
		TokenTTL:    conf.TokenTTL,
		Guard:       guard,
		Renderer:    renderer,
		Store:       store,
		Objects:     s3Client,
		Bucket:      conf.DownloadsS3Bucket,
		Whitepapers: whitepapers,

		OnAuthFailure: func(reason string) {
			if reason == "replay" {
				m.IncNonceReplay()
			}
			m.IncAuthFailure(reason)
		},
		OnVerified:      m.IncVerified,
		OnTokenIssued:   m.IncTokenIssued,
		OnTokenRedeemed: m.IncTokenRedeemed,
		OnTokenRejected: m.IncTokenRejected,
		OnLeadRecorded:  m.IncLeadRecorded,
		OnPreviewRender: m.ObservePreviewRender,
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness needs the relational store; redis outages degrade behavior
	// per-endpoint instead of pulling the instance out of rotation
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(recorder.Ping),
	)

	// per-IP guard in front of the store-backed limiter
	ipguard := ratelimit.NewIPGuard(ctx,
		ratelimit.WithRate(conf.IPRatePerSec, conf.IPBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
	)

	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    handlers.Routes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  ipguard.Middleware,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// ops listener serves metrics, health checks, and pprof
	// sg restricts inbound to internal monitoring infrastructure; middleware
	// rejects public source addresses in case the sg is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// loadSigningSecret resolves the shared HMAC secret. The env var is for
// local development; production instances read SSM with instance-role creds.
func loadSigningSecret(ctx context.Context, client *ssm.Client, param string) ([]byte, error) {
	if env := strings.TrimSpace(os.Getenv("LMEDGE_SIGNING_SECRET")); env != "" {
		return []byte(env), nil
	}
	if param == "" {
		return nil, fmt.Errorf("no signing secret: set LMEDGE_SIGNING_SECRET or -signing-secret-param")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch signing secret from ssm: %w", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return nil, fmt.Errorf("ssm parameter %s is empty", param)
	}
	return []byte(*out.Parameter.Value), nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET to a unix socket path when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
