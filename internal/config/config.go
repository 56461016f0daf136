// Package config provides the finite configuration struct for the
// download engine (spec §6 "Recognized configuration options"; the
// redesign flag in §9 calls for "a finite configuration struct with
// every option enumerated; unknown keys rejected at load" in place of
// a dynamic option bag).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's complete, finite configuration.
type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Buffers   BuffersConfig   `yaml:"buffers"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Paths     PathsConfig     `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NetworkConfig holds connect/response/idle timeouts, Retry-After
// bounds, and proxy settings (spec §6 "Network").
type NetworkConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after"`
	UserAgent         string        `yaml:"user_agent"`
	ProxyHTTP         string        `yaml:"proxy_http"`
	ProxyHTTPS        string        `yaml:"proxy_https"`
	ProxySOCKS5       string        `yaml:"proxy_socks5"`
	NoProxy           string        `yaml:"no_proxy"`
}

// ChunkingConfig mirrors spec §4.C8 / §6 "Chunking".
type ChunkingConfig struct {
	SizeThreshold string              `yaml:"size_threshold"` // e.g. "50M"
	MinChunks     int                 `yaml:"min_chunks"`
	MaxChunks     int                 `yaml:"max_chunks"`
	MediumBand    string              `yaml:"medium_band_target"`
	LargeBand     string              `yaml:"large_band_target"`
	Adaptive      AdaptiveSizerConfig `yaml:"adaptive"`
}

// AdaptiveSizerConfig mirrors spec §6 "adaptive sizer".
type AdaptiveSizerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	MinSamples   int    `yaml:"min_samples"`
	MinChunkSize string `yaml:"min_chunk_size"`
	MaxChunkSize string `yaml:"max_chunk_size"`
}

// BuffersConfig mirrors spec §6 "Buffers".
type BuffersConfig struct {
	DefaultWriteBuffer string           `yaml:"default_write_buffer"`
	Adaptive           bool             `yaml:"adaptive"`
	BufferPool         BufferPoolConfig `yaml:"buffer_pool"`
}

// BufferPoolConfig mirrors spec §4.C3.
type BufferPoolConfig struct {
	BufferSize  string `yaml:"buffer_size"`
	MaxPooled   int    `yaml:"max_pooled"`
	PreAllocate bool   `yaml:"pre_allocate"`
}

// DownloadsConfig mirrors spec §6 "Downloads".
type DownloadsConfig struct {
	MaxConcurrent                int           `yaml:"max_concurrent"`
	MaxConcurrentPerHost         int           `yaml:"max_concurrent_per_host"`
	MaxQueueSize                 int           `yaml:"max_queue_size"`
	ProgressBatchDelay           time.Duration `yaml:"progress_batch_delay"`
	MaxChunkRetries              int           `yaml:"max_chunk_retries"`
	ChunkOperationTimeoutMinutes int           `yaml:"chunk_operation_timeout_minutes"`
	SkipVerification             bool          `yaml:"skip_verification"`
	DisableChunkedDownloads      bool          `yaml:"disable_chunked_downloads"`
	TurboDownload                bool          `yaml:"turbo_download"`
	OutputDirectory              string        `yaml:"output_directory"`
}

// SchedulerConfig mirrors spec §4.C14 / §6 "Scheduler".
type SchedulerConfig struct {
	AgingEnabled               bool    `yaml:"aging_enabled"`
	AgingIntervalMs            int64   `yaml:"aging_interval_ms"`
	MaxAgingBonus              float64 `yaml:"max_aging_bonus"`
	LowPriorityAgingMultiplier float64 `yaml:"low_priority_aging_multiplier"`
	SJFEnabled                 bool    `yaml:"sjf_enabled"`
	SJFWeight                  float64 `yaml:"sjf_weight"`
	SJFTolerancePercent        float64 `yaml:"sjf_tolerance_percent"`
	RetryPenaltyEnabled        bool    `yaml:"retry_penalty_enabled"`
	RetryPenaltyPerRetry       float64 `yaml:"retry_penalty_per_retry"`
	MaxRetryPenalty            float64 `yaml:"max_retry_penalty"`
	FreeRetries                int     `yaml:"free_retries"`
}

// RetryConfig allows per-category overrides of the built-in retry
// profiles (spec §6 "Retry profiles per category").
type RetryConfig struct {
	Overrides map[string]CategoryOverride `yaml:"overrides,omitempty"`
}

// CategoryOverride overrides any subset of a retry category's fields;
// nil fields fall back to the built-in default for that category.
type CategoryOverride struct {
	BaseDelayMs  *float64 `yaml:"base_delay_ms,omitempty"`
	MaxDelayMs   *float64 `yaml:"max_delay_ms,omitempty"`
	GrowthFactor *float64 `yaml:"growth_factor,omitempty"`
	JitterFactor *float64 `yaml:"jitter_factor,omitempty"`
}

// PathsConfig mirrors spec §6 "Paths".
type PathsConfig struct {
	UserDataDir  string   `yaml:"user_data_dir"`
	ConfigDir    string   `yaml:"config_dir"`
	StateDBPath  string   `yaml:"state_db_path"`
	TempBaseDir  string   `yaml:"temp_base_dir"`
	AllowedHosts []string `yaml:"allowed_hosts,omitempty"`
}

// LoggingConfig holds ambient logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	File   string `yaml:"file"`
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns the engine defaults, matching spec §4's
// per-component defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ConnectTimeout:    30 * time.Second,
			ResponseTimeout:   30 * time.Second,
			IdleTimeout:       60 * time.Second,
			DefaultRetryAfter: 5 * time.Second,
			MaxRetryAfter:     300 * time.Second,
			UserAgent:         "fetchengine/0.1",
			NoProxy:           "localhost,127.0.0.1",
		},
		Chunking: ChunkingConfig{
			SizeThreshold: "50M",
			MinChunks:     1,
			MaxChunks:     16,
			MediumBand:    "8M",
			LargeBand:     "32M",
			Adaptive: AdaptiveSizerConfig{
				Enabled:      true,
				MinSamples:   2,
				MinChunkSize: "1M",
				MaxChunkSize: "64M",
			},
		},
		Buffers: BuffersConfig{
			DefaultWriteBuffer: "64K",
			Adaptive:           true,
			BufferPool: BufferPoolConfig{
				BufferSize:  "64K",
				MaxPooled:   32,
				PreAllocate: false,
			},
		},
		Downloads: DownloadsConfig{
			MaxConcurrent:                6,
			MaxConcurrentPerHost:         4,
			MaxQueueSize:                 1000,
			ProgressBatchDelay:           100 * time.Millisecond,
			MaxChunkRetries:              5,
			ChunkOperationTimeoutMinutes: 5,
		},
		Scheduler: SchedulerConfig{
			AgingEnabled:               true,
			AgingIntervalMs:            30000,
			MaxAgingBonus:              2,
			LowPriorityAgingMultiplier: 2,
			SJFEnabled:                 true,
			SJFWeight:                  0.5,
			SJFTolerancePercent:        20,
			RetryPenaltyEnabled:        true,
			RetryPenaltyPerRetry:       0.25,
			MaxRetryPenalty:            2,
			FreeRetries:                1,
		},
		Retry: RetryConfig{Overrides: map[string]CategoryOverride{}},
		Paths: PathsConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigPaths returns config file paths to try, in priority order.
func ConfigPaths() []string {
	paths := make([]string, 0, 6)

	if envPath := os.Getenv("FETCHENGINE_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}
	paths = append(paths, ".fetchengine.yaml", ".fetchengine.yml")

	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "fetchengine", "config.yaml"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".fetchenginerc"))
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/fetchengine/config.yaml")
	}
	return paths
}

// Load returns defaults overlaid with the first config file found
// among ConfigPaths, if any.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
			return cfg, nil
		}
	}
	return cfg, nil
}

// LoadFile decodes YAML from path into c, strictly rejecting unknown
// keys (spec §9 redesign flag).
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Save writes c to path as YAML, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default path for saving user
// config.
func GetDefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "fetchengine", "config.yaml"), nil
}

// ParseSize parses a size string like "10M", "500K", "1.5G", or a
// bare byte count, to a byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	numEnd := 0
	for numEnd < len(s) {
		c := s[numEnd]
		if !(c >= '0' && c <= '9' || c == '.') {
			break
		}
		numEnd++
	}
	if numEnd == 0 {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	value, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	unit := strings.ToUpper(strings.TrimSpace(s[numEnd:]))
	unit = strings.TrimSuffix(unit, "B")

	var multiplier float64
	switch unit {
	case "":
		multiplier = 1
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size unit: %s", unit)
	}
	return int64(value * multiplier), nil
}

// GenerateDefaultConfig renders a commented default config file.
func GenerateDefaultConfig() string {
	return `# fetchengine configuration file

network:
  connect_timeout: 30s
  response_timeout: 30s
  idle_timeout: 60s
  default_retry_after: 5s
  max_retry_after: 300s
  user_agent: "fetchengine/0.1"
  proxy_http: ""
  proxy_https: ""
  proxy_socks5: ""
  no_proxy: "localhost,127.0.0.1"

chunking:
  size_threshold: "50M"
  min_chunks: 1
  max_chunks: 16
  medium_band_target: "8M"
  large_band_target: "32M"
  adaptive:
    enabled: true
    min_samples: 2
    min_chunk_size: "1M"
    max_chunk_size: "64M"

buffers:
  default_write_buffer: "64K"
  adaptive: true
  buffer_pool:
    buffer_size: "64K"
    max_pooled: 32
    pre_allocate: false

downloads:
  max_concurrent: 6
  max_concurrent_per_host: 4
  max_queue_size: 1000
  progress_batch_delay: 100ms
  max_chunk_retries: 5
  chunk_operation_timeout_minutes: 5
  skip_verification: false
  disable_chunked_downloads: false
  turbo_download: false
  output_directory: ""

scheduler:
  aging_enabled: true
  aging_interval_ms: 30000
  max_aging_bonus: 2
  low_priority_aging_multiplier: 2
  sjf_enabled: true
  sjf_weight: 0.5
  sjf_tolerance_percent: 20
  retry_penalty_enabled: true
  retry_penalty_per_retry: 0.25
  max_retry_penalty: 2
  free_retries: 1

retry:
  overrides: {}

paths:
  user_data_dir: ""
  config_dir: ""
  state_db_path: ""
  temp_base_dir: ""
  allowed_hosts: []

logging:
  level: "info"
  file: ""
  format: "text"
`
}
