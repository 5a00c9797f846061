package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/splitfetch/internal/config"
	"github.com/tanq16/splitfetch/internal/output"
	"github.com/tanq16/splitfetch/internal/scheduler"
	"github.com/tanq16/splitfetch/internal/transfer"
	"github.com/tanq16/splitfetch/internal/utils"
)

var (
	cfgFile       string
	outputPath    string
	checksum      string
	connections   int
	chunkSize     string
	workers       int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	noProxy       bool
	bearerToken   string
	headers       []string
	retries       int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	noResume      bool
	resumeDir     string
	s3Bucket      string
	s3Prefix      string
	s3Profile     string
	s3Region      string
	requireLength bool
	metricsListen string
	debug         bool
	logFile       string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:     "splitfetch [URL]",
	Short:   "splitfetch is a resumable multi-connection HTTP downloader",
	Version: utils.Version,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		closer, err := utils.InitLogger(debug, logFile)
		logCloser = closer
		if err != nil {
			output.PrintWarning(fmt.Sprintf("Could not open log file, logging to stderr: %v", err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLog()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		url := args[0]
		if err := validateURL(url); err != nil {
			output.PrintError(err.Error())
			exit(1)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			output.PrintError(err.Error())
			exit(1)
		}
		ctx, stop := signalContext()
		defer stop()
		eng, err := newEngine(ctx, cfg)
		if err != nil {
			output.PrintError(err.Error())
			exit(1)
		}
		jobs := []scheduler.Job{{
			Target: transfer.Target{
				URL:         url,
				Dest:        outputPath,
				Concurrency: cfg.Concurrency,
				ChunkSize:   cfg.ChunkSize,
				Checksum:    checksum,
			},
		}}
		failed := scheduler.Run(ctx, jobs, 1, eng.run, output.NewManager(nil))
		exitOnFailure(ctx, failed)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file or directory (name inferred if not provided)")
	rootCmd.Flags().StringVar(&checksum, "checksum", "", "Expected digest as algo:hex (sha256, sha512, blake3, xxh3, xxh64)")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to YAML config file")
	pf.IntVarP(&connections, "connections", "c", 8, "Number of connections per download (above 8 enables high-thread-mode)")
	pf.StringVar(&chunkSize, "chunk-size", "", "Fixed chunk size (eg. 8MB); default splits by connections")
	pf.IntVarP(&workers, "workers", "w", 1, "Number of links to download in parallel (batch)")
	pf.DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Response header and body idle timeout (eg. 5s, 10m)")
	pf.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	pf.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	pf.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	pf.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	pf.BoolVar(&noProxy, "no-proxy", false, "Ignore proxy settings from the environment")
	pf.StringVar(&bearerToken, "bearer-token", "", "Bearer token sent as Authorization header")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	pf.IntVar(&retries, "retries", 5, "Attempts per chunk before the download fails")
	pf.DurationVar(&retryDelay, "retry-delay", 500*time.Millisecond, "Initial retry backoff")
	pf.DurationVar(&maxRetryDelay, "max-retry-delay", 30*time.Second, "Maximum retry backoff")
	pf.BoolVar(&noResume, "no-resume", false, "Do not keep or use resume manifests")
	pf.StringVar(&resumeDir, "resume-dir", "", "Directory for resume manifests (default: next to the output)")
	pf.StringVar(&s3Bucket, "s3-bucket", "", "Keep resume manifests in this S3 bucket")
	pf.StringVar(&s3Prefix, "s3-prefix", "", "Key prefix for manifests in the S3 bucket")
	pf.StringVar(&s3Profile, "s3-profile", "", "AWS shared config profile for the manifest bucket")
	pf.StringVar(&s3Region, "s3-region", "", "AWS region for the manifest bucket")
	pf.BoolVar(&requireLength, "require-length", false, "Fail when the server does not report a content length")
	pf.StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (eg. :9100)")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")
	pf.StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr (eg. .splitfetch.log)")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newStatusCmd())
}

func validateURL(raw string) error {
	parsed, err := u.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("invalid URL %q: expected an http or https URL", raw)
	}
	return nil
}

// loadConfig layers the config file, SPLITFETCH_* variables and explicitly
// set flags, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("connections") {
		cfg.Concurrency = connections
	}
	if flags.Changed("chunk-size") {
		size, err := utils.ParseBytes(chunkSize)
		if err != nil {
			return cfg, fmt.Errorf("--chunk-size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("timeout") {
		cfg.HTTP.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		cfg.HTTP.KeepAlive = kaTimeout
	}
	if flags.Changed("user-agent") {
		cfg.HTTP.UserAgent = userAgent
	}
	if cfg.HTTP.UserAgent == "randomize" {
		cfg.HTTP.UserAgent = utils.GetRandomUserAgent()
	}
	if flags.Changed("proxy") {
		cfg.HTTP.Proxy = proxyURL
		cfg.HTTP.ProxyMode = string(utils.ProxyCustom)
	}
	if flags.Changed("proxy-username") {
		cfg.HTTP.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		cfg.HTTP.ProxyPassword = proxyPassword
	}
	// Credentials embedded in the proxy URL are moved to the dedicated fields.
	if parsed, err := u.Parse(cfg.HTTP.Proxy); err == nil && cfg.HTTP.Proxy != "" && parsed.User != nil && cfg.HTTP.ProxyUsername == "" {
		cfg.HTTP.ProxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			cfg.HTTP.ProxyPassword = password
		}
		parsed.User = nil
		cfg.HTTP.Proxy = parsed.String()
	}
	if noProxy {
		cfg.HTTP.ProxyMode = string(utils.ProxyOff)
	}
	if flags.Changed("bearer-token") {
		cfg.HTTP.BearerToken = bearerToken
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		cfg.HTTP.Headers[k] = v
	}
	if flags.Changed("retries") {
		cfg.Retry.Attempts = retries
	}
	if flags.Changed("retry-delay") {
		cfg.Retry.Backoff = retryDelay
	}
	if flags.Changed("max-retry-delay") {
		cfg.Retry.MaxBackoff = maxRetryDelay
	}
	if noResume {
		cfg.Resume.Disabled = true
	}
	if flags.Changed("resume-dir") {
		cfg.Resume.Dir = resumeDir
	}
	if flags.Changed("s3-bucket") {
		cfg.Resume.S3Bucket = s3Bucket
	}
	if flags.Changed("s3-prefix") {
		cfg.Resume.S3Prefix = s3Prefix
	}
	if flags.Changed("s3-profile") {
		cfg.Resume.S3Profile = s3Profile
	}
	if flags.Changed("s3-region") {
		cfg.Resume.S3Region = s3Region
	}
	if requireLength {
		cfg.AllowUnknownLength = false
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = metricsListen
	}
	return cfg, cfg.Validate()
}

// signalContext is cancelled on SIGINT or SIGTERM; in-flight transfers then
// stop with their manifest flushed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// osExit is replaced in tests.
var osExit = os.Exit

func closeLog() {
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
}

// exit flushes the log file first; os.Exit skips PersistentPostRun.
func exit(code int) {
	closeLog()
	osExit(code)
}

func exitOnFailure(ctx context.Context, failed int) {
	if errors.Is(ctx.Err(), context.Canceled) {
		output.PrintWarning("Interrupted; run the same command again to resume")
		exit(130)
		return
	}
	if failed > 0 {
		output.PrintError("Encountered failed operation(s)")
		exit(1)
	}
}
