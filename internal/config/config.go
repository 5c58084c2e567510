package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvConfigPath names the environment variable holding the default config path.
const EnvConfigPath = "RAGMETRICS_CONFIG"

// EnvOpenAIKey is used for embeddings and judge API keys when the config leaves them empty.
const EnvOpenAIKey = "OPENAI_API_KEY"

// Config is the main configuration structure for ragmetrics.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Limits        LimitsConfig        `yaml:"limits"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Judge         JudgeConfig         `yaml:"judge"`
	Cache         CacheConfig         `yaml:"cache"`
	Export        ExportConfig        `yaml:"export"`
	Retention     RetentionConfig     `yaml:"retention"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	CORS          CORSConfig          `yaml:"cors"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// DatabaseConfig selects the saved-analysis store.
// Driver is one of "memory", "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type LimitsConfig struct {
	MaxFileBytes  int64 `yaml:"max_file_bytes"`
	MaxRows       int   `yaml:"max_rows"`
	MaxFieldChars int   `yaml:"max_field_chars"`
	PreviewRows   int   `yaml:"preview_rows"`
}

type MetricsConfig struct {
	// Workers bounds concurrent row evaluation. Zero means GOMAXPROCS.
	Workers        int      `yaml:"workers"`
	DefaultTypes   []string `yaml:"default_types"`
	LowF1Threshold float64  `yaml:"low_f1_threshold"`
}

type EmbeddingsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type JudgeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CacheConfig bounds the in-memory cache of freshly calculated results.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type ExportConfig struct {
	IncludeDetailedBreakdown bool     `yaml:"include_detailed_breakdown"`
	S3                       S3Config `yaml:"s3"`
}

// S3Config configures the optional upload of exported reports.
// Uploads are disabled when Bucket is empty.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ConfigValidationError collects every problem found in a loaded config.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns a config with every default applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges and validates the configuration file at path.
// An empty path returns Default().
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns flagPath, falling back to $RAGMETRICS_CONFIG.
func ResolvePath(flagPath string) string {
	if strings.TrimSpace(flagPath) != "" {
		return flagPath
	}
	return os.Getenv(EnvConfigPath)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8000
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "file:ragmetrics.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}

	if cfg.Limits.MaxFileBytes == 0 {
		cfg.Limits.MaxFileBytes = 50 << 20
	}
	if cfg.Limits.MaxRows == 0 {
		cfg.Limits.MaxRows = 10000
	}
	if cfg.Limits.MaxFieldChars == 0 {
		cfg.Limits.MaxFieldChars = 10000
	}
	if cfg.Limits.PreviewRows == 0 {
		cfg.Limits.PreviewRows = 10
	}

	if cfg.Metrics.LowF1Threshold == 0 {
		cfg.Metrics.LowF1Threshold = 0.3
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}
	if cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = os.Getenv(EnvOpenAIKey)
	}

	if cfg.Judge.Provider == "" {
		cfg.Judge.Provider = "openai"
	}
	if cfg.Judge.Model == "" {
		cfg.Judge.Model = "gpt-4o-mini"
	}
	if cfg.Judge.Timeout == 0 {
		cfg.Judge.Timeout = 60 * time.Second
	}
	if cfg.Judge.APIKey == "" {
		cfg.Judge.APIKey = os.Getenv(EnvOpenAIKey)
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = time.Hour
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 100
	}

	if cfg.Export.S3.Region == "" {
		cfg.Export.S3.Region = "us-east-1"
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 90 * 24 * time.Hour
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{
			"http://localhost:5173",
			"http://localhost:3000",
			"http://127.0.0.1:5173",
			"http://127.0.0.1:3000",
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "ragmetrics"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}
