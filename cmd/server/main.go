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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/keithlinneman/sitegen/internal/cfg"
	"github.com/keithlinneman/sitegen/internal/cryptoutil"
	"github.com/keithlinneman/sitegen/internal/gh"
	"github.com/keithlinneman/sitegen/internal/httpserver"
	"github.com/keithlinneman/sitegen/internal/ledger"
	"github.com/keithlinneman/sitegen/internal/llm"
	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/metrics"
	"github.com/keithlinneman/sitegen/internal/notify"
	"github.com/keithlinneman/sitegen/internal/opshttp"
	"github.com/keithlinneman/sitegen/internal/orchestrate"
	"github.com/keithlinneman/sitegen/internal/otelx"
	"github.com/keithlinneman/sitegen/internal/probe"
	"github.com/keithlinneman/sitegen/internal/prof"
	"github.com/keithlinneman/sitegen/internal/publish"
	"github.com/keithlinneman/sitegen/internal/ratelimit"
	"github.com/keithlinneman/sitegen/internal/secrets"
	"github.com/keithlinneman/sitegen/internal/taskhttp"
	v "github.com/keithlinneman/sitegen/internal/version"
	"github.com/keithlinneman/sitegen/internal/webassets"
)

const appName = "sitegen"

// buildInfo adapts version.Info for the response header middleware.
type buildInfo struct{ vi v.Info }

func (b buildInfo) BuildVersion() string { return b.vi.Version }
func (b buildInfo) BuildCommit() string  { return b.vi.Commit }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local development convenience; missing .env is fine
	_ = godotenv.Load()

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
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SITEGEN_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SITEGEN_", func(format string, args ...any) {
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
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
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
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
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
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"llm_base_url", conf.LLMBaseURL,
		"llm_model", conf.LLMModel,
		"github_owner", conf.GitHubOwner,
		"ledger_path", conf.LedgerPath,
		"ledger_s3_bucket", conf.LedgerS3Bucket,
		"sign_key_arn", conf.SignKeyARN,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// AWS clients are only needed when an AWS-backed feature is configured:
	// S3 ledger, SSM secret references, or KMS payload signing.
	needAWS := conf.LedgerS3Bucket != "" || conf.SignKeyARN != "" ||
		secrets.IsRef(conf.WebhookSecret) || secrets.IsRef(conf.LLMAPIKey) || secrets.IsRef(conf.GitHubToken)

	var s3Client *s3.Client
	var ssmClient *ssm.Client
	var kmsClient *kms.Client
	if needAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		s3Client = s3.NewFromConfig(awsCfg)
		ssmClient = ssm.NewFromConfig(awsCfg)
		if conf.SignKeyARN != "" {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	// Resolve ssm:// references in secret-bearing config values
	resolver := secrets.NewResolver(ssmClient)
	webhookSecret, err := resolver.Resolve(ctx, conf.WebhookSecret)
	if err != nil {
		L.Error(ctx, err, "failed to resolve webhook secret")
		os.Exit(1)
	}
	llmAPIKey, err := resolver.Resolve(ctx, conf.LLMAPIKey)
	if err != nil {
		L.Error(ctx, err, "failed to resolve llm api key")
		os.Exit(1)
	}
	githubToken, err := resolver.Resolve(ctx, conf.GitHubToken)
	if err != nil {
		L.Error(ctx, err, "failed to resolve github token")
		os.Exit(1)
	}

	// Nonce ledger: S3-backed when a bucket is configured, local file otherwise
	var store ledger.Store
	if conf.LedgerS3Bucket != "" {
		store = ledger.NewS3Store(s3Client, conf.LedgerS3Bucket, conf.LedgerS3Key)
		L.Info(ctx, "using S3 nonce ledger", "bucket", conf.LedgerS3Bucket, "key", conf.LedgerS3Key)
	} else {
		store = ledger.NewFileStore(conf.LedgerPath)
		L.Info(ctx, "using file nonce ledger", "path", conf.LedgerPath)
	}

	generator, err := llm.New(llm.Options{
		BaseURL: conf.LLMBaseURL,
		APIKey:  llmAPIKey,
		Model:   conf.LLMModel,
		Timeout: conf.LLMTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create llm client")
		os.Exit(1)
	}

	ghClient, err := gh.New(gh.Options{
		Token:   githubToken,
		Owner:   conf.GitHubOwner,
		BaseURL: conf.GitHubAPIBase,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create github client")
		os.Exit(1)
	}

	pub, err := publish.New(publish.Options{
		API:          ghClient,
		Ledger:       store,
		Logger:       L,
		LicenseOwner: conf.GitHubOwner,
		OnFileWrite:  m.IncFileWrite,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create publisher")
		os.Exit(1)
	}

	// KMS payload signing is opt-in
	var signer notify.Signer
	if kmsClient != nil {
		signer = cryptoutil.NewKMSSigner(kmsClient, conf.SignKeyARN, kmstypes.SigningAlgorithmSpec(conf.SignAlgorithm))
		L.Info(ctx, "notification signing enabled", "key_arn", conf.SignKeyARN)
	}

	notifier := notify.New(notify.Options{
		Logger:    L,
		Timeout:   conf.NotifyTimeout,
		Signer:    signer,
		OnAttempt: m.IncNotifyAttempt,
		OnFailure: m.IncNotifyFailure,
	})

	orch, err := orchestrate.New(orchestrate.Options{
		Secret:    webhookSecret,
		Ledger:    store,
		Generator: generator,
		Publisher: pub,
		Notifier:  notifier,
		Logger:    L,
		OnTask: func(mode orchestrate.Mode, outcome string) {
			m.IncTask(string(mode), outcome)
		},
		ObserveGenerate: m.ObserveGenerateDuration,
		ObservePublish:  m.ObservePublishDuration,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create orchestrator")
		os.Exit(1)
	}

	api := taskhttp.NewAPI(orch, L)

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// readiness: shutdown gate plus ledger reachability
	readiness := probe.Multi(
		gate.Probe(),
		probe.Func(func(ctx context.Context) error {
			_, _, err := store.Lookup(ctx, "readiness-probe")
			return err
		}),
	)

	// Rate limiter for inbound task requests. Generation is expensive, so
	// the bucket is small.
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.GenerateRateRPS, conf.GenerateRateBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start public http server with the webhook API and landing page
	siteHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       probe.Static(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			SiteHandler:  webassets.HomeHandler(),
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			Logger:       L,
			BuildInfo:    buildInfo{vi: vi},
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent accidental
	// exposure if sg is misconfigured or a load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       probe.Static(true, ""),
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
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// in-flight generation can hold a response open for minutes; give it a
	// chance to finish, but allow a second signal to skip the wait
	L.Info(context.Background(), "sleeping 30s for in-flight requests and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
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

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
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
