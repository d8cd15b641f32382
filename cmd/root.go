package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/scheduler"
	"github.com/tanq16/partdl/internal/utils"
)

var (
	outputPath     string
	configFile     string
	connections    int
	partSize       string
	bufferSize     string
	rateLimit      string
	connectTimeout time.Duration
	readTimeout    time.Duration
	kaTimeout      time.Duration
	userAgent      string
	proxyURL       string
	proxyUsername  string
	proxyPassword  string
	bearerToken    string
	headers        []string
	s3Profile      string
	s3Region       string
	retries        int
	retryBackoff   time.Duration
	noProgress     bool
	debug          bool
)

var PartdlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "partdl [URL]",
	Short:         "partdl downloads a file over several parallel ranged connections",
	Version:       PartdlVersion,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		url := args[0]
		if _, err := u.Parse(url); err != nil {
			return fmt.Errorf("invalid URL format: %w", err)
		}
		jobs := scheduler.NewJobs([]utils.DownloadEntry{{URL: url, OutputPath: outputPath}}, cfg)
		return run(jobs, cfg, 1)
	},
}

func Execute() {
	rootCmd.AddCommand(newBatchCmd())
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(fmt.Sprintf("%s %v", output.StyleSymbols["fail"], err))
		os.Exit(1)
	}
}

// run executes jobs until done or until SIGINT/SIGTERM raises the stop flag.
// A second signal exits immediately.
func run(jobs []utils.Job, cfg config.Config, workers int) error {
	log := utils.GetLogger("cmd")
	stop := &atomic.Bool{}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Debug().Msg("Stop flag raised by signal")
		output.PrintWarning("Interrupted, finishing in-flight reads (press again to exit now)")
		stop.Store(true)
		<-sigCh
		os.Exit(130)
	}()

	opts := scheduler.Options{
		Workers: workers,
		Stop:    stop,
		Out:     os.Stdout,
		Live:    !noProgress && output.IsTerminal(),
	}
	if err := scheduler.Run(context.Background(), jobs, cfg, opts); err != nil {
		log.Debug().Err(err).Msg("Run finished with errors")
		return fmt.Errorf("encountered failed download(s)")
	}
	return nil
}

// loadConfig layers defaults, the config file, PARTDL_* variables and
// finally any flag the user set explicitly.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}

	override := config.Config{}
	var buffer int64
	sizes := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"part-size", partSize, &override.PartSize},
		{"rate-limit", rateLimit, &override.RateLimit},
		{"buffer-size", bufferSize, &buffer},
	}
	for _, size := range sizes {
		if !flags.Changed(size.name) {
			continue
		}
		n, err := humanize.ParseBytes(size.value)
		if err != nil {
			return cfg, fmt.Errorf("invalid --%s: %w", size.name, err)
		}
		*size.dst = int64(n)
	}
	override.BufferSize = int(buffer)
	if flags.Changed("timeout") {
		override.ConnectTimeout = connectTimeout
	}
	if flags.Changed("read-timeout") {
		override.ReadTimeout = readTimeout
	}
	if flags.Changed("keep-alive-timeout") {
		override.KeepAliveTimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		override.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		override.ProxyURL = proxyURL
	}
	override.ProxyUsername = proxyUsername
	override.ProxyPassword = proxyPassword
	override.BearerToken = bearerToken
	override.Headers = utils.ParseHeaderArgs(headers)
	override.S3Profile = s3Profile
	override.S3Region = s3Region
	if flags.Changed("retry-backoff") {
		override.Retry.Backoff = retryBackoff
	}
	cfg = cfg.Merge(override)
	// Zero is meaningful for these, so they bypass Merge.
	if flags.Changed("connections") {
		cfg.Connections = connections
	}
	if flags.Changed("retries") {
		cfg.Retry.Attempts = retries
	}

	// Credentials embedded in the proxy URL apply unless given separately.
	if parsed, err := u.Parse(cfg.ProxyURL); err == nil && parsed.User != nil && cfg.ProxyUsername == "" {
		cfg.ProxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			cfg.ProxyPassword = password
		}
		parsed.User = nil
		cfg.ProxyURL = parsed.String()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server or URL if not provided)")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file")
	flags.IntVarP(&connections, "connections", "c", utils.DefaultConnections, "Number of parallel connections per download (above 5 enables high-thread-mode)")
	flags.StringVar(&partSize, "part-size", "", "Split into parts of this size instead of one part per connection (eg. 8MiB)")
	flags.StringVar(&bufferSize, "buffer-size", "32KiB", "Read buffer size per connection")
	flags.StringVarP(&rateLimit, "rate-limit", "r", "", "Aggregate download rate limit per file (eg. 5MB)")
	flags.DurationVarP(&connectTimeout, "timeout", "t", utils.DefaultConnectTimeout, "Connection timeout (eg. 5s, 1m)")
	flags.DurationVar(&readTimeout, "read-timeout", utils.DefaultReadTimeout, "Idle read timeout per connection")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", utils.DefaultKATimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringVar(&bearerToken, "bearer-token", "", "OAuth2 bearer token sent with every request")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&s3Profile, "s3-profile", "", "AWS shared config profile for s3:// URLs")
	flags.StringVar(&s3Region, "s3-region", "", "AWS region for s3:// URLs (looked up from the bucket if not set)")
	flags.IntVar(&retries, "retries", 5, "Times to resubmit remaining parts after a transient failure")
	flags.DurationVar(&retryBackoff, "retry-backoff", time.Second, "Initial wait before resubmitting")
	flags.BoolVar(&noProgress, "no-progress", false, "Disable progress output")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}
