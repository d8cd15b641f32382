package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/partdl/internal/utils"
)

// Config holds every tunable of a download run.
type Config struct {
	Connections      int
	PartSize         int64
	BufferSize       int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	KeepAliveTimeout time.Duration
	RateLimit        int64
	UserAgent        string
	ProxyURL         string
	ProxyUsername    string
	ProxyPassword    string
	BearerToken      string
	Headers          map[string]string
	S3Profile        string
	S3Region         string
	Retry            RetryConfig
}

// RetryConfig controls how often an aborted run is resubmitted.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func Default() Config {
	return Config{
		Connections:      utils.DefaultConnections,
		BufferSize:       utils.DefaultBufferSize,
		ConnectTimeout:   utils.DefaultConnectTimeout,
		ReadTimeout:      utils.DefaultReadTimeout,
		KeepAliveTimeout: utils.DefaultKATimeout,
		UserAgent:        utils.ToolUserAgent,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig keeps sizes and durations as strings ("8MiB", "15s").
type yamlConfig struct {
	Connections      int               `yaml:"connections"`
	PartSize         string            `yaml:"part_size"`
	BufferSize       string            `yaml:"buffer_size"`
	ConnectTimeout   string            `yaml:"connect_timeout"`
	ReadTimeout      string            `yaml:"read_timeout"`
	KeepAliveTimeout string            `yaml:"keep_alive_timeout"`
	RateLimit        string            `yaml:"rate_limit"`
	UserAgent        string            `yaml:"user_agent"`
	ProxyURL         string            `yaml:"proxy"`
	ProxyUsername    string            `yaml:"proxy_username"`
	ProxyPassword    string            `yaml:"proxy_password"`
	BearerToken      string            `yaml:"bearer_token"`
	Headers          map[string]string `yaml:"headers"`
	S3Profile        string            `yaml:"s3_profile"`
	S3Region         string            `yaml:"s3_region"`
	Retry            struct {
		Attempts   int    `yaml:"attempts"`
		Backoff    string `yaml:"backoff"`
		MaxBackoff string `yaml:"max_backoff"`
	} `yaml:"retry"`
}

func parseSize(field, value string, dst *int64) error {
	if value == "" {
		return nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = int64(n)
	return nil
}

func parseDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoadFromFile reads a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	override := Config{
		Connections:   yc.Connections,
		UserAgent:     yc.UserAgent,
		ProxyURL:      yc.ProxyURL,
		ProxyUsername: yc.ProxyUsername,
		ProxyPassword: yc.ProxyPassword,
		BearerToken:   yc.BearerToken,
		Headers:       yc.Headers,
		S3Profile:     yc.S3Profile,
		S3Region:      yc.S3Region,
	}
	override.Retry.Attempts = yc.Retry.Attempts
	var bufferSize int64
	if err := errors.Join(
		parseSize("part_size", yc.PartSize, &override.PartSize),
		parseSize("buffer_size", yc.BufferSize, &bufferSize),
		parseSize("rate_limit", yc.RateLimit, &override.RateLimit),
		parseDuration("connect_timeout", yc.ConnectTimeout, &override.ConnectTimeout),
		parseDuration("read_timeout", yc.ReadTimeout, &override.ReadTimeout),
		parseDuration("keep_alive_timeout", yc.KeepAliveTimeout, &override.KeepAliveTimeout),
		parseDuration("retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff),
		parseDuration("retry.max_backoff", yc.Retry.MaxBackoff, &override.Retry.MaxBackoff),
	); err != nil {
		return Config{}, err
	}
	override.BufferSize = int(bufferSize)
	return cfg.Merge(override), nil
}

// LoadFromEnv applies PARTDL_* variables. A .env file in the working
// directory is loaded first when present; real environment values win.
func (c *Config) LoadFromEnv() error {
	log := utils.GetLogger("config")
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Could not load .env file")
	}

	if v := os.Getenv("PARTDL_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PARTDL_CONNECTIONS: %w", err)
		}
		c.Connections = n
	}
	var bufferSize int64
	if err := errors.Join(
		parseSize("PARTDL_PART_SIZE", os.Getenv("PARTDL_PART_SIZE"), &c.PartSize),
		parseSize("PARTDL_BUFFER_SIZE", os.Getenv("PARTDL_BUFFER_SIZE"), &bufferSize),
		parseSize("PARTDL_RATE_LIMIT", os.Getenv("PARTDL_RATE_LIMIT"), &c.RateLimit),
		parseDuration("PARTDL_CONNECT_TIMEOUT", os.Getenv("PARTDL_CONNECT_TIMEOUT"), &c.ConnectTimeout),
		parseDuration("PARTDL_READ_TIMEOUT", os.Getenv("PARTDL_READ_TIMEOUT"), &c.ReadTimeout),
		parseDuration("PARTDL_RETRY_BACKOFF", os.Getenv("PARTDL_RETRY_BACKOFF"), &c.Retry.Backoff),
	); err != nil {
		return err
	}
	if bufferSize > 0 {
		c.BufferSize = int(bufferSize)
	}
	if v := os.Getenv("PARTDL_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PARTDL_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("PARTDL_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("PARTDL_PROXY"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("PARTDL_BEARER_TOKEN"); v != "" {
		c.BearerToken = v
	}
	if v := os.Getenv("PARTDL_S3_PROFILE"); v != "" {
		c.S3Profile = v
	}
	if v := os.Getenv("PARTDL_S3_REGION"); v != "" {
		c.S3Region = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Connections <= 0 {
		return errors.New("config: connections must be positive")
	}
	if c.BufferSize <= 0 {
		return errors.New("config: buffer_size must be positive")
	}
	if c.PartSize < 0 {
		return errors.New("config: part_size cannot be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit cannot be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts cannot be negative")
	}
	return nil
}

// Merge returns c with every non-zero field of override applied.
func (c Config) Merge(override Config) Config {
	if override.Connections != 0 {
		c.Connections = override.Connections
	}
	if override.PartSize != 0 {
		c.PartSize = override.PartSize
	}
	if override.BufferSize != 0 {
		c.BufferSize = override.BufferSize
	}
	if override.ConnectTimeout != 0 {
		c.ConnectTimeout = override.ConnectTimeout
	}
	if override.ReadTimeout != 0 {
		c.ReadTimeout = override.ReadTimeout
	}
	if override.KeepAliveTimeout != 0 {
		c.KeepAliveTimeout = override.KeepAliveTimeout
	}
	if override.RateLimit != 0 {
		c.RateLimit = override.RateLimit
	}
	if override.UserAgent != "" {
		c.UserAgent = override.UserAgent
	}
	if override.ProxyURL != "" {
		c.ProxyURL = override.ProxyURL
	}
	if override.ProxyUsername != "" {
		c.ProxyUsername = override.ProxyUsername
	}
	if override.ProxyPassword != "" {
		c.ProxyPassword = override.ProxyPassword
	}
	if override.BearerToken != "" {
		c.BearerToken = override.BearerToken
	}
	if len(override.Headers) > 0 {
		merged := make(map[string]string, len(c.Headers)+len(override.Headers))
		for k, v := range c.Headers {
			merged[k] = v
		}
		for k, v := range override.Headers {
			merged[k] = v
		}
		c.Headers = merged
	}
	if override.S3Profile != "" {
		c.S3Profile = override.S3Profile
	}
	if override.S3Region != "" {
		c.S3Region = override.S3Region
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}

// HTTPClientConfig projects the transport settings.
func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	return utils.HTTPClientConfig{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       c.ProxyURL,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      userAgent,
		BearerToken:    c.BearerToken,
		Headers:        c.Headers,
		HighThreadMode: c.Connections > 5,
	}
}
