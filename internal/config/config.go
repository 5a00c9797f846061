// Package config loads splitfetch settings from YAML files and the
// environment. Command-line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tanq16/splitfetch/internal/utils"
)

type Config struct {
	Concurrency        int
	ChunkSize          int64 // 0 splits by concurrency
	MinChunkSize       int64
	Workers            int // parallel transfers in batch mode
	AllowUnknownLength bool
	ProgressInterval   time.Duration
	CheckpointInterval time.Duration
	MetricsListen      string
	Retry              RetryConfig
	HTTP               HTTPConfig
	Resume             ResumeConfig
}

type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type HTTPConfig struct {
	Timeout       time.Duration
	KeepAlive     time.Duration
	UserAgent     string
	ProxyMode     string // auto, off or custom
	Proxy         string
	ProxyUsername string
	ProxyPassword string
	BearerToken   string
	Headers       map[string]string
}

type ResumeConfig struct {
	Disabled  bool
	Dir       string // manifest directory; empty keeps manifests beside the output
	S3Bucket  string
	S3Prefix  string
	S3Region  string
	S3Profile string
}

func Default() Config {
	return Config{
		Concurrency:        8,
		MinChunkSize:       1 << 20,
		Workers:            1,
		AllowUnknownLength: true,
		ProgressInterval:   100 * time.Millisecond,
		CheckpointInterval: 5 * time.Second,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:   3 * time.Minute,
			KeepAlive: 90 * time.Second,
			UserAgent: utils.ToolUserAgent,
			ProxyMode: string(utils.ProxyFromEnvironment),
			Headers:   map[string]string{},
		},
	}
}

// yamlConfig mirrors Config with sizes and durations as strings.
type yamlConfig struct {
	Concurrency        int             `yaml:"concurrency"`
	ChunkSize          string          `yaml:"chunk_size"`
	MinChunkSize       string          `yaml:"min_chunk_size"`
	Workers            int             `yaml:"workers"`
	AllowUnknownLength *bool           `yaml:"allow_unknown_length"`
	ProgressInterval   string          `yaml:"progress_interval"`
	CheckpointInterval string          `yaml:"checkpoint_interval"`
	MetricsListen      string          `yaml:"metrics_listen"`
	Retry              yamlRetryConfig `yaml:"retry"`
	HTTP               yamlHTTPConfig  `yaml:"http"`
	Resume             yamlResume      `yaml:"resume"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

type yamlHTTPConfig struct {
	Timeout       string            `yaml:"timeout"`
	KeepAlive     string            `yaml:"keep_alive"`
	UserAgent     string            `yaml:"user_agent"`
	ProxyMode     string            `yaml:"proxy_mode"`
	Proxy         string            `yaml:"proxy"`
	ProxyUsername string            `yaml:"proxy_username"`
	ProxyPassword string            `yaml:"proxy_password"`
	BearerToken   string            `yaml:"bearer_token"`
	Headers       map[string]string `yaml:"headers"`
}

type yamlResume struct {
	Disabled bool   `yaml:"disabled"`
	Dir      string `yaml:"dir"`
	S3       struct {
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
		Region  string `yaml:"region"`
		Profile string `yaml:"profile"`
	} `yaml:"s3"`
}

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
	if yc.Concurrency != 0 {
		cfg.Concurrency = yc.Concurrency
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.AllowUnknownLength != nil {
		cfg.AllowUnknownLength = *yc.AllowUnknownLength
	}
	if yc.MetricsListen != "" {
		cfg.MetricsListen = yc.MetricsListen
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}

	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"chunk_size", yc.ChunkSize, &cfg.ChunkSize},
		{"min_chunk_size", yc.MinChunkSize, &cfg.MinChunkSize},
	}
	for _, s := range sizes {
		if s.raw == "" {
			continue
		}
		n, err := utils.ParseBytes(s.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.dst = n
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"progress_interval", yc.ProgressInterval, &cfg.ProgressInterval},
		{"checkpoint_interval", yc.CheckpointInterval, &cfg.CheckpointInterval},
		{"retry.backoff", yc.Retry.Backoff, &cfg.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &cfg.Retry.MaxBackoff},
		{"http.timeout", yc.HTTP.Timeout, &cfg.HTTP.Timeout},
		{"http.keep_alive", yc.HTTP.KeepAlive, &cfg.HTTP.KeepAlive},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if yc.HTTP.UserAgent != "" {
		cfg.HTTP.UserAgent = yc.HTTP.UserAgent
	}
	if yc.HTTP.ProxyMode != "" {
		cfg.HTTP.ProxyMode = yc.HTTP.ProxyMode
	}
	if yc.HTTP.Proxy != "" {
		cfg.HTTP.Proxy = yc.HTTP.Proxy
		if yc.HTTP.ProxyMode == "" {
			cfg.HTTP.ProxyMode = string(utils.ProxyCustom)
		}
	}
	cfg.HTTP.ProxyUsername = yc.HTTP.ProxyUsername
	cfg.HTTP.ProxyPassword = yc.HTTP.ProxyPassword
	cfg.HTTP.BearerToken = yc.HTTP.BearerToken
	for k, v := range yc.HTTP.Headers {
		cfg.HTTP.Headers[k] = v
	}

	cfg.Resume = ResumeConfig{
		Disabled:  yc.Resume.Disabled,
		Dir:       yc.Resume.Dir,
		S3Bucket:  yc.Resume.S3.Bucket,
		S3Prefix:  yc.Resume.S3.Prefix,
		S3Region:  yc.Resume.S3.Region,
		S3Profile: yc.Resume.S3.Profile,
	}
	return cfg, nil
}

// LoadFromEnv overlays SPLITFETCH_* environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SPLITFETCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SPLITFETCH_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("SPLITFETCH_CHUNK_SIZE"); v != "" {
		size, err := utils.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SPLITFETCH_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("SPLITFETCH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SPLITFETCH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("SPLITFETCH_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SPLITFETCH_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("SPLITFETCH_PROXY"); v != "" {
		c.HTTP.Proxy = v
		c.HTTP.ProxyMode = string(utils.ProxyCustom)
	}
	if v := os.Getenv("SPLITFETCH_BEARER_TOKEN"); v != "" {
		c.HTTP.BearerToken = v
	}
	if v := os.Getenv("SPLITFETCH_RESUME_DIR"); v != "" {
		c.Resume.Dir = v
	}
	if v := os.Getenv("SPLITFETCH_S3_BUCKET"); v != "" {
		c.Resume.S3Bucket = v
	}
	if v := os.Getenv("SPLITFETCH_NO_RESUME"); v != "" {
		c.Resume.Disabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SPLITFETCH_METRICS_LISTEN"); v != "" {
		c.MetricsListen = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.ChunkSize < 0 {
		return errors.New("config: chunk_size must not be negative")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry attempts must be positive")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.Backoff > c.Retry.MaxBackoff {
		return errors.New("config: retry backoff exceeds max_backoff")
	}
	switch utils.ProxyMode(c.HTTP.ProxyMode) {
	case utils.ProxyFromEnvironment, utils.ProxyOff:
	case utils.ProxyCustom:
		if c.HTTP.Proxy == "" {
			return errors.New("config: custom proxy mode needs a proxy URL")
		}
	default:
		return fmt.Errorf("config: unknown proxy mode %q", c.HTTP.ProxyMode)
	}
	if c.Resume.S3Bucket != "" && c.Resume.Dir != "" {
		return errors.New("config: resume dir and s3 bucket are mutually exclusive")
	}
	return nil
}

// ClientConfig converts the http section for utils.NewHTTPClient.
func (c *Config) ClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        c.HTTP.Timeout,
		KATimeout:      c.HTTP.KeepAlive,
		ProxyMode:      utils.ProxyMode(c.HTTP.ProxyMode),
		ProxyURL:       c.HTTP.Proxy,
		ProxyUsername:  c.HTTP.ProxyUsername,
		ProxyPassword:  c.HTTP.ProxyPassword,
		UserAgent:      c.HTTP.UserAgent,
		BearerToken:    c.HTTP.BearerToken,
		Headers:        c.HTTP.Headers,
		HighThreadMode: c.Concurrency > 8,
	}
}

// DownloadEntry is one line of a batch file.
type DownloadEntry struct {
	Link       string `yaml:"link"`
	OutputPath string `yaml:"op,omitempty"`
	Checksum   string `yaml:"checksum,omitempty"`
}

// ReadDownloadList reads a batch file. Both a plain list of entries and
// a map of section name to entries are accepted; entries without a link
// are skipped.
func ReadDownloadList(path string) ([]DownloadEntry, error) {
	log := utils.GetLogger("config")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read download list: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse download list: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var raw []DownloadEntry
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse download list: %w", err)
		}
	case yaml.MappingNode:
		// Keys and values alternate; decode in file order.
		for i := 0; i+1 < len(root.Content); i += 2 {
			var section []DownloadEntry
			if err := root.Content[i+1].Decode(&section); err != nil {
				return nil, fmt.Errorf("parse download list section %q: %w", root.Content[i].Value, err)
			}
			raw = append(raw, section...)
		}
	default:
		return nil, fmt.Errorf("parse download list: unexpected %s at top level", nodeKind(root.Kind))
	}

	entries := make([]DownloadEntry, 0, len(raw))
	for i, e := range raw {
		e.Link = strings.TrimSpace(e.Link)
		if e.Link == "" {
			log.Warn().Str("op", "read-list").Int("entry", i).Msg("Skipping entry without link")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "node"
}
