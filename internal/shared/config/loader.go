package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	DefaultBaseURL           = "http://localhost:8080"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultStreamOpenRetries = 3
	DefaultMaxEventBytes     = 1 << 20
	DefaultHistoryCacheSize  = 128
	DefaultDevServerAddr     = "127.0.0.1:8080"
	DefaultConfigFileName    = ".taskpilot.yaml"
	envPrefix                = "TASKPILOT_"
)

// RuntimeConfig captures user-configurable settings for the client.
type RuntimeConfig struct {
	BaseURL           string
	SessionToken      string
	UserID            string
	RequestTimeout    time.Duration
	StreamOpenRetries int
	MaxEventBytes     int
	HistoryCacheSize  int
	LogLevel          string
	MetricsAddr       string
	DevServerAddr     string
	// TraceExporter is none, otlp or zipkin.
	TraceExporter string
	TraceEndpoint string
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
	path     string
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Path returns the config file that was read, or "" when none was found.
func (m Metadata) Path() string {
	return m.path
}

// Overrides conveys caller-specified values that win over env/file sources.
type Overrides struct {
	BaseURL           *string
	SessionToken      *string
	UserID            *string
	RequestTimeout    *time.Duration
	StreamOpenRetries *int
	MaxEventBytes     *int
	HistoryCacheSize  *int
	LogLevel          *string
	MetricsAddr       *string
	DevServerAddr     *string
	TraceExporter     *string
	TraceEndpoint     *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Load builds the runtime configuration from defaults, the YAML config file,
// TASKPILOT_* environment variables and caller overrides, in that order.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := RuntimeConfig{
		BaseURL:           DefaultBaseURL,
		RequestTimeout:    DefaultRequestTimeout,
		StreamOpenRetries: DefaultStreamOpenRetries,
		MaxEventBytes:     DefaultMaxEventBytes,
		HistoryCacheSize:  DefaultHistoryCacheSize,
		LogLevel:          "info",
		DevServerAddr:     DefaultDevServerAddr,
		TraceExporter:     "none",
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	if err := normalize(&cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// fileConfig mirrors RuntimeConfig for YAML decoding.
type fileConfig struct {
	BaseURL           string `yaml:"base_url"`
	SessionToken      string `yaml:"session_token"`
	UserID            string `yaml:"user_id"`
	RequestTimeout    string `yaml:"request_timeout"`
	StreamOpenRetries *int   `yaml:"stream_open_retries"`
	MaxEventBytes     *int   `yaml:"max_event_bytes"`
	HistoryCacheSize  *int   `yaml:"history_cache_size"`
	LogLevel          string `yaml:"log_level"`
	MetricsAddr       string `yaml:"metrics_addr"`
	DevServerAddr     string `yaml:"dev_server_addr"`
	TraceExporter     string `yaml:"trace_exporter"`
	TraceEndpoint     string `yaml:"trace_endpoint"`
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		home, err := opts.homeDir()
		if err != nil {
			return nil
		}
		configPath = filepath.Join(home, DefaultConfigFileName)
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && opts.configPath == "" {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	meta.path = configPath

	setString(&cfg.BaseURL, parsed.BaseURL, meta, "base_url", SourceFile)
	setString(&cfg.SessionToken, parsed.SessionToken, meta, "session_token", SourceFile)
	setString(&cfg.UserID, parsed.UserID, meta, "user_id", SourceFile)
	setString(&cfg.LogLevel, parsed.LogLevel, meta, "log_level", SourceFile)
	setString(&cfg.MetricsAddr, parsed.MetricsAddr, meta, "metrics_addr", SourceFile)
	setString(&cfg.DevServerAddr, parsed.DevServerAddr, meta, "dev_server_addr", SourceFile)
	setString(&cfg.TraceExporter, parsed.TraceExporter, meta, "trace_exporter", SourceFile)
	setString(&cfg.TraceEndpoint, parsed.TraceEndpoint, meta, "trace_endpoint", SourceFile)
	if parsed.RequestTimeout != "" {
		timeout, err := time.ParseDuration(parsed.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parse config file: request_timeout: %w", err)
		}
		cfg.RequestTimeout = timeout
		meta.sources["request_timeout"] = SourceFile
	}
	setInt(&cfg.StreamOpenRetries, parsed.StreamOpenRetries, meta, "stream_open_retries", SourceFile)
	setInt(&cfg.MaxEventBytes, parsed.MaxEventBytes, meta, "max_event_bytes", SourceFile)
	setInt(&cfg.HistoryCacheSize, parsed.HistoryCacheSize, meta, "history_cache_size", SourceFile)
	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	env := func(name string) (string, bool) {
		value, ok := lookup(envPrefix + name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}

	stringFields := []struct {
		env   string
		field string
		dst   *string
	}{
		{"BASE_URL", "base_url", &cfg.BaseURL},
		{"SESSION_TOKEN", "session_token", &cfg.SessionToken},
		{"USER_ID", "user_id", &cfg.UserID},
		{"LOG_LEVEL", "log_level", &cfg.LogLevel},
		{"METRICS_ADDR", "metrics_addr", &cfg.MetricsAddr},
		{"DEV_SERVER_ADDR", "dev_server_addr", &cfg.DevServerAddr},
		{"TRACE_EXPORTER", "trace_exporter", &cfg.TraceExporter},
		{"TRACE_ENDPOINT", "trace_endpoint", &cfg.TraceEndpoint},
	}
	for _, f := range stringFields {
		if value, ok := env(f.env); ok {
			*f.dst = value
			meta.sources[f.field] = SourceEnv
		}
	}

	if value, ok := env("REQUEST_TIMEOUT"); ok {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse %sREQUEST_TIMEOUT: %w", envPrefix, err)
		}
		cfg.RequestTimeout = timeout
		meta.sources["request_timeout"] = SourceEnv
	}

	intFields := []struct {
		env   string
		field string
		dst   *int
	}{
		{"STREAM_OPEN_RETRIES", "stream_open_retries", &cfg.StreamOpenRetries},
		{"MAX_EVENT_BYTES", "max_event_bytes", &cfg.MaxEventBytes},
		{"HISTORY_CACHE_SIZE", "history_cache_size", &cfg.HistoryCacheSize},
	}
	for _, f := range intFields {
		value, ok := env(f.env)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, f.env, err)
		}
		*f.dst = parsed
		meta.sources[f.field] = SourceEnv
	}
	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.BaseURL != nil {
		cfg.BaseURL = *overrides.BaseURL
		meta.sources["base_url"] = SourceOverride
	}
	if overrides.SessionToken != nil {
		cfg.SessionToken = *overrides.SessionToken
		meta.sources["session_token"] = SourceOverride
	}
	if overrides.UserID != nil {
		cfg.UserID = *overrides.UserID
		meta.sources["user_id"] = SourceOverride
	}
	if overrides.RequestTimeout != nil {
		cfg.RequestTimeout = *overrides.RequestTimeout
		meta.sources["request_timeout"] = SourceOverride
	}
	if overrides.StreamOpenRetries != nil {
		cfg.StreamOpenRetries = *overrides.StreamOpenRetries
		meta.sources["stream_open_retries"] = SourceOverride
	}
	if overrides.MaxEventBytes != nil {
		cfg.MaxEventBytes = *overrides.MaxEventBytes
		meta.sources["max_event_bytes"] = SourceOverride
	}
	if overrides.HistoryCacheSize != nil {
		cfg.HistoryCacheSize = *overrides.HistoryCacheSize
		meta.sources["history_cache_size"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
	if overrides.MetricsAddr != nil {
		cfg.MetricsAddr = *overrides.MetricsAddr
		meta.sources["metrics_addr"] = SourceOverride
	}
	if overrides.DevServerAddr != nil {
		cfg.DevServerAddr = *overrides.DevServerAddr
		meta.sources["dev_server_addr"] = SourceOverride
	}
	if overrides.TraceExporter != nil {
		cfg.TraceExporter = *overrides.TraceExporter
		meta.sources["trace_exporter"] = SourceOverride
	}
	if overrides.TraceEndpoint != nil {
		cfg.TraceEndpoint = *overrides.TraceEndpoint
		meta.sources["trace_endpoint"] = SourceOverride
	}
}

func normalize(cfg *RuntimeConfig) error {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return fmt.Errorf("base_url must not be empty")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StreamOpenRetries < 0 {
		cfg.StreamOpenRetries = 0
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = DefaultMaxEventBytes
	}
	if cfg.HistoryCacheSize <= 0 {
		cfg.HistoryCacheSize = DefaultHistoryCacheSize
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.TraceExporter = strings.ToLower(strings.TrimSpace(cfg.TraceExporter))
	switch cfg.TraceExporter {
	case "", "none":
		cfg.TraceExporter = "none"
	case "otlp", "zipkin":
	default:
		return fmt.Errorf("trace_exporter must be none, otlp or zipkin, got %q", cfg.TraceExporter)
	}
	return nil
}

func setString(dst *string, value string, meta *Metadata, field string, source ValueSource) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	*dst = value
	meta.sources[field] = source
}

func setInt(dst *int, value *int, meta *Metadata, field string, source ValueSource) {
	if value == nil {
		return
	}
	*dst = *value
	meta.sources[field] = source
}
