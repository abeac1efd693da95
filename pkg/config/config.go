// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config < env < flags
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOGRECON_"

// Config holds all logrecon configuration.
type Config struct {
	Version int `yaml:"version"`

	Search     SearchConfig     `yaml:"search"`
	Output     OutputConfig     `yaml:"output"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
	Download   DownloadConfig   `yaml:"download"`
}

// SearchConfig controls the search backend client.
type SearchConfig struct {
	URL      string            `yaml:"url"`
	Index    string            `yaml:"index"` // empty searches every index
	PageSize int               `yaml:"page_size"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Retry    RetryConfig       `yaml:"retry"`
}

// RetryConfig bounds the search client's retries.
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

// OutputConfig controls where reconstructed logs go.
type OutputConfig struct {
	Dir         string   `yaml:"dir"`
	Format      string   `yaml:"format"`      // text | parquet
	Compression string   `yaml:"compression"` // parquet only: snappy | zstd | gzip | none
	Header      bool     `yaml:"header"`
	S3          S3Config `yaml:"s3"`
}

// S3Config locates an S3 or S3-compatible bucket. An empty bucket disables it.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // none | file | redis | s3

	// Secondary mirrors every save to a second backend and serves loads the
	// primary cannot. Empty or "none" disables it.
	Secondary string `yaml:"secondary"`

	Dir   string      `yaml:"dir"`
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

// RedisConfig for the redis checkpoint backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// TelemetryConfig for optional tracing and metrics.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Metrics     bool    `yaml:"metrics"`
}

// LogConfig for the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DownloadConfig controls multi-container downloads.
type DownloadConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".logrecon")

	return &Config{
		Version: 1,
		Search: SearchConfig{
			URL:      "http://elasticsearch.monitoring.svc.cluster.local:9200",
			PageSize: 2000,
			Timeout:  60 * time.Second,
			Retry: RetryConfig{
				MaxRetries:      5,
				MaxElapsed:      2 * time.Minute,
				InitialInterval: 500 * time.Millisecond,
			},
		},
		Output: OutputConfig{
			Dir:         "logs",
			Format:      "text",
			Compression: "snappy",
			Header:      true,
		},
		Checkpoint: CheckpointConfig{
			Backend: "none",
			Dir:     filepath.Join(stateDir, "checkpoints"),
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "logrecon:checkpoints:",
				TTL:    7 * 24 * time.Hour,
			},
			S3: S3Config{
				Prefix: "logrecon/checkpoints/",
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "logrecon",
			SampleRatio: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Download: DownloadConfig{
			Concurrency: 4,
		},
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSearchPaths replaces the system, user and project config locations.
func WithSearchPaths(paths ...string) Option {
	return func(m *Manager) {
		m.searchPaths = paths
	}
}

// WithEnv replaces the environment lookup.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(m *Manager) {
		m.lookupEnv = lookup
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu          sync.RWMutex
	config      *Config
	paths       []string // Paths that were loaded
	searchPaths []string
	lookupEnv   func(string) (string, bool)
}

// NewManager creates a new configuration manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		config:      Default(),
		searchPaths: defaultPaths(),
		lookupEnv:   os.LookupEnv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load loads configuration from all sources in priority order. explicit is
// the --config file and may be empty; unlike the search paths it must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.searchPaths {
		if err := m.loadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		m.paths = append(m.paths, path)
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return rerrors.Wrap(err, rerrors.CodeInvalidConfig, "config file not found").
					WithContext("path", explicit)
			}
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	return m.loadEnv()
}

// defaultPaths returns config file paths in priority order.
func defaultPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/logrecon/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".logrecon", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".logrecon.yaml"))
	}

	return paths
}

// loadFile decodes path over the current config. Keys absent from the file
// keep their current values.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return rerrors.Wrap(err, rerrors.CodeInvalidConfig, "failed to read config file").
			WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, m.config); err != nil {
		return rerrors.Wrap(err, rerrors.CodeInvalidConfig, "failed to parse config file").
			WithContext("path", path)
	}
	return nil
}

// loadEnv applies LOGRECON_* overrides.
func (m *Manager) loadEnv() error {
	c := m.config

	strs := map[string]*string{
		"SEARCH_URL":           &c.Search.URL,
		"SEARCH_INDEX":         &c.Search.Index,
		"SEARCH_USERNAME":      &c.Search.Username,
		"SEARCH_PASSWORD":      &c.Search.Password,
		"OUTPUT_DIR":           &c.Output.Dir,
		"OUTPUT_FORMAT":        &c.Output.Format,
		"OUTPUT_S3_BUCKET":     &c.Output.S3.Bucket,
		"OUTPUT_S3_PREFIX":     &c.Output.S3.Prefix,
		"S3_REGION":            &c.Output.S3.Region,
		"S3_ENDPOINT":          &c.Output.S3.Endpoint,
		"CHECKPOINT_BACKEND":   &c.Checkpoint.Backend,
		"CHECKPOINT_SECONDARY": &c.Checkpoint.Secondary,
		"CHECKPOINT_DIR":       &c.Checkpoint.Dir,
		"CHECKPOINT_S3_BUCKET": &c.Checkpoint.S3.Bucket,
		"REDIS_ADDR":           &c.Checkpoint.Redis.Addr,
		"REDIS_PASSWORD":       &c.Checkpoint.Redis.Password,
		"OTLP_ENDPOINT":        &c.Telemetry.Endpoint,
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := m.lookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PAGE_SIZE":   &c.Search.PageSize,
		"CONCURRENCY": &c.Download.Concurrency,
		"REDIS_DB":    &c.Checkpoint.Redis.DB,
	}
	for name, dst := range ints {
		v, ok := m.lookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return rerrors.InvalidConfig(EnvPrefix+name, v)
		}
		*dst = n
	}

	if v, ok := m.lookupEnv(EnvPrefix + "SEARCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return rerrors.InvalidConfig(EnvPrefix+"SEARCH_TIMEOUT", v)
		}
		c.Search.Timeout = d
	}

	if v, ok := m.lookupEnv(EnvPrefix + "TELEMETRY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return rerrors.InvalidConfig(EnvPrefix+"TELEMETRY", v)
		}
		c.Telemetry.Enabled = b
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Save writes the current config to path, creating its directory.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// UserPath returns the per-user config file location.
func UserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".logrecon.yaml"
	}
	return filepath.Join(home, ".logrecon", "config.yaml")
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs rerrors.MultiError

	if !strings.HasPrefix(c.Search.URL, "http://") && !strings.HasPrefix(c.Search.URL, "https://") {
		errs.Add(rerrors.InvalidConfig("search.url", c.Search.URL))
	}
	if c.Search.PageSize <= 0 {
		errs.Add(rerrors.InvalidConfig("search.page_size", c.Search.PageSize))
	}
	if c.Search.Timeout <= 0 {
		errs.Add(rerrors.InvalidConfig("search.timeout", c.Search.Timeout))
	}

	if !oneOf(c.Output.Format, "text", "parquet") {
		errs.Add(rerrors.InvalidConfig("output.format", c.Output.Format))
	}
	if !oneOf(c.Output.Compression, "none", "snappy", "gzip", "zstd") {
		errs.Add(rerrors.InvalidConfig("output.compression", c.Output.Compression))
	}

	if c.Checkpoint.Backend != "none" {
		c.Checkpoint.validateBackend(&errs, "checkpoint.backend", c.Checkpoint.Backend)
	}
	switch c.Checkpoint.Secondary {
	case "", "none":
	case c.Checkpoint.Backend:
		errs.Add(rerrors.InvalidConfig("checkpoint.secondary", c.Checkpoint.Secondary))
	default:
		if c.Checkpoint.Backend == "none" {
			errs.Add(rerrors.InvalidConfig("checkpoint.secondary", c.Checkpoint.Secondary))
		} else {
			c.Checkpoint.validateBackend(&errs, "checkpoint.secondary", c.Checkpoint.Secondary)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs.Add(rerrors.InvalidConfig("telemetry.endpoint", c.Telemetry.Endpoint))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs.Add(rerrors.InvalidConfig("telemetry.sample_ratio", c.Telemetry.SampleRatio))
	}

	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errs.Add(rerrors.InvalidConfig("log.level", c.Log.Level))
	}
	if !oneOf(c.Log.Format, "text", "json") {
		errs.Add(rerrors.InvalidConfig("log.format", c.Log.Format))
	}

	if c.Download.Concurrency < 1 {
		errs.Add(rerrors.InvalidConfig("download.concurrency", c.Download.Concurrency))
	}

	return errs.Combined()
}

// validateBackend checks the settings one named backend needs.
func (c CheckpointConfig) validateBackend(errs *rerrors.MultiError, field, name string) {
	switch name {
	case "file":
		if c.Dir == "" {
			errs.Add(rerrors.InvalidConfig("checkpoint.dir", c.Dir))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs.Add(rerrors.InvalidConfig("checkpoint.redis.addr", c.Redis.Addr))
		}
	case "s3":
		if c.S3.Bucket == "" {
			errs.Add(rerrors.InvalidConfig("checkpoint.s3.bucket", c.S3.Bucket))
		}
	default:
		errs.Add(rerrors.InvalidConfig(field, name))
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
