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

	"github.com/keithlinneman/sitegen/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// WebhookSecret is the shared secret task requests must present.
	// Accepts an ssm:// reference.
	WebhookSecret string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	GitHubToken   string
	GitHubOwner   string
	GitHubAPIBase string

	// Ledger location: a local file by default, or S3 when a bucket is set.
	LedgerPath     string
	LedgerS3Bucket string
	LedgerS3Key    string

	// SignKeyARN, when set, enables KMS signing of notification payloads.
	SignKeyARN        string
	SignAlgorithm     string
	NotifyTimeout     time.Duration
	GenerateRateRPS   float64
	GenerateRateBurst int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "shared secret for task requests (value or ssm:// reference)")

	fs.StringVar(&c.LLMBaseURL, "llm-base-url", "https://aipipe.org/openrouter/v1", "OpenAI-compatible API base URL")
	fs.StringVar(&c.LLMAPIKey, "llm-api-key", "", "API key for the LLM service (value or ssm:// reference)")
	fs.StringVar(&c.LLMModel, "llm-model", "openai/gpt-4.1-nano", "model identifier for generation requests")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 10*time.Minute, "per-request generation timeout")

	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub API token (value or ssm:// reference)")
	fs.StringVar(&c.GitHubOwner, "github-owner", "", "GitHub account owning generated repositories")
	fs.StringVar(&c.GitHubAPIBase, "github-api-base", "https://api.github.com", "GitHub API base URL")

	fs.StringVar(&c.LedgerPath, "ledger-path", "nonce_tracking.json", "local ledger file path (ignored when -ledger-s3-bucket is set)")
	fs.StringVar(&c.LedgerS3Bucket, "ledger-s3-bucket", "", "S3 bucket holding the nonce ledger")
	fs.StringVar(&c.LedgerS3Key, "ledger-s3-key", "sitegen/nonce_tracking.json", "S3 key for the nonce ledger object")

	fs.StringVar(&c.SignKeyARN, "sign-key-arn", "", "KMS key ARN for signing notification payloads (empty disables signing)")
	fs.StringVar(&c.SignAlgorithm, "sign-algorithm", "", "KMS signing algorithm (empty selects RSASSA_PSS_SHA_256)")
	fs.DurationVar(&c.NotifyTimeout, "notify-timeout", 60*time.Second, "per-attempt notification delivery timeout")

	fs.Float64Var(&c.GenerateRateRPS, "generate-rate-rps", 1, "sustained task requests per second before throttling")
	fs.IntVar(&c.GenerateRateBurst, "generate-rate-burst", 5, "task request burst allowance")
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

	// Task pipeline
	if c.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET is required"))
	}
	if c.LLMBaseURL == "" {
		errs = append(errs, fmt.Errorf("LLM_BASE_URL is required"))
	} else if u, err := url.Parse(c.LLMBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("LLM_BASE_URL must be a URL (got %q)", c.LLMBaseURL))
	}
	if c.LLMAPIKey == "" {
		errs = append(errs, fmt.Errorf("LLM_API_KEY is required"))
	}
	if c.LLMModel == "" {
		errs = append(errs, fmt.Errorf("LLM_MODEL is required"))
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LLM_TIMEOUT must be positive (got %s)", c.LLMTimeout))
	}
	if c.GitHubToken == "" {
		errs = append(errs, fmt.Errorf("GITHUB_TOKEN is required"))
	}
	if c.GitHubOwner == "" {
		errs = append(errs, fmt.Errorf("GITHUB_OWNER is required"))
	}

	// Ledger
	if c.LedgerS3Bucket != "" {
		if c.LedgerS3Key == "" {
			errs = append(errs, fmt.Errorf("LEDGER_S3_KEY required when LEDGER_S3_BUCKET is set"))
		}
	} else if c.LedgerPath == "" {
		errs = append(errs, fmt.Errorf("LEDGER_PATH is required when no S3 bucket is configured"))
	}

	// Rate limiting
	if c.GenerateRateRPS <= 0 {
		errs = append(errs, fmt.Errorf("GENERATE_RATE_RPS must be positive (got %.2f)", c.GenerateRateRPS))
	}
	if c.GenerateRateBurst < 1 {
		errs = append(errs, fmt.Errorf("GENERATE_RATE_BURST must be at least 1 (got %d)", c.GenerateRateBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
