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

	"github.com/keithlinneman/linnemanlabs-edge/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	RedisAddr          string
	AuditDBPath        string
	DownloadsS3Bucket  string
	SigningSecretParam string
	SignTolerance      time.Duration
	TrackNonces        bool
	TokenTTL           time.Duration
	PreviewOverlayKey  string
	PreviewCacheTTL    time.Duration

	RateContactMax     int
	RateContactWindow  time.Duration
	RateDownloadMax    int
	RateDownloadWindow time.Duration
	IPRatePerSec       float64
	IPBurst            int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "redis address (host:port) for rate limits, nonces, and preview cache")
	fs.StringVar(&c.AuditDBPath, "audit-db-path", "/var/lib/linnemanlabs-edge/edge.db", "sqlite database path for audit records and leads")
	fs.StringVar(&c.DownloadsS3Bucket, "downloads-s3-bucket", "phxi-build-prod-use2-site-downloads", "s3 bucket holding downloadable artifacts")
	fs.StringVar(&c.SigningSecretParam, "signing-secret-param", "/app/linnemanlabs-edge/server/signing/secret", "ssm parameter holding the shared signing secret (env LMEDGE_SIGNING_SECRET overrides)")
	fs.DurationVar(&c.SignTolerance, "sign-tolerance", 5*time.Minute, "max clock skew accepted on signed requests")
	fs.BoolVar(&c.TrackNonces, "track-nonces", true, "reject replayed nonces on signed requests")
	fs.DurationVar(&c.TokenTTL, "token-ttl", 15*time.Minute, "lifetime of issued delivery tokens")
	fs.StringVar(&c.PreviewOverlayKey, "preview-overlay-key", "", "optional s3 key of the logo overlay for preview images")
	fs.DurationVar(&c.PreviewCacheTTL, "preview-cache-ttl", time.Hour, "how long rendered preview images stay cached")

	fs.IntVar(&c.RateContactMax, "rate-contact-max", 5, "max contact submissions per identity per window")
	fs.DurationVar(&c.RateContactWindow, "rate-contact-window", time.Minute, "contact rate limit window")
	fs.IntVar(&c.RateDownloadMax, "rate-download-max", 60, "max download redemptions per identity per window")
	fs.DurationVar(&c.RateDownloadWindow, "rate-download-window", time.Minute, "download rate limit window")
	fs.Float64Var(&c.IPRatePerSec, "ip-rate-per-sec", 5, "per-IP sustained request rate before throttling")
	fs.IntVar(&c.IPBurst, "ip-burst", 10, "per-IP burst allowance")
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
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
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

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Pyroscope tenant
	if c.EnablePyroscope {
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Trust stores
	if c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
		errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
	}
	if c.AuditDBPath == "" {
		errs = append(errs, fmt.Errorf("AUDIT_DB_PATH is required"))
	}
	if c.DownloadsS3Bucket == "" {
		errs = append(errs, fmt.Errorf("DOWNLOADS_S3_BUCKET is required"))
	}

	// Signing
	if c.SignTolerance <= 0 {
		errs = append(errs, fmt.Errorf("SIGN_TOLERANCE must be positive (got %v)", c.SignTolerance))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be positive (got %v)", c.TokenTTL))
	}

	// Rate limits
	if c.RateContactMax < 1 {
		errs = append(errs, fmt.Errorf("RATE_CONTACT_MAX must be >= 1 (got %d)", c.RateContactMax))
	}
	if c.RateContactWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_CONTACT_WINDOW must be positive (got %v)", c.RateContactWindow))
	}
	if c.RateDownloadMax < 1 {
		errs = append(errs, fmt.Errorf("RATE_DOWNLOAD_MAX must be >= 1 (got %d)", c.RateDownloadMax))
	}
	if c.RateDownloadWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_DOWNLOAD_WINDOW must be positive (got %v)", c.RateDownloadWindow))
	}
	if c.IPRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("IP_RATE_PER_SEC must be positive (got %f)", c.IPRatePerSec))
	}
	if c.IPBurst < 1 {
		errs = append(errs, fmt.Errorf("IP_BURST must be >= 1 (got %d)", c.IPBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
