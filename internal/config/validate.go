package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

func validate(cfg *Config) error {
	var issues []string

	if err := ValidateVersion(cfg.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port must be between 1 and 65535 (got %d)", cfg.Server.HTTPPort))
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			issues = append(issues, fmt.Sprintf("database.url is required for driver %q", cfg.Database.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("database.driver must be memory, sqlite or postgres (got %q)", cfg.Database.Driver))
	}

	if cfg.Limits.MaxFileBytes < 0 {
		issues = append(issues, "limits.max_file_bytes must be positive")
	}
	if cfg.Limits.MaxRows < 0 {
		issues = append(issues, "limits.max_rows must be positive")
	}
	if cfg.Limits.MaxFieldChars < 0 {
		issues = append(issues, "limits.max_field_chars must be positive")
	}

	if cfg.Metrics.Workers < 0 {
		issues = append(issues, "metrics.workers must not be negative")
	}
	if cfg.Metrics.LowF1Threshold < 0 || cfg.Metrics.LowF1Threshold > 1 {
		issues = append(issues, "metrics.low_f1_threshold must be within [0, 1]")
	}

	if cfg.Embeddings.Enabled {
		if cfg.Embeddings.Provider != "openai" {
			issues = append(issues, fmt.Sprintf("embeddings.provider %q is not supported", cfg.Embeddings.Provider))
		}
		if cfg.Embeddings.APIKey == "" {
			issues = append(issues, "embeddings.api_key is required when embeddings are enabled")
		}
	}
	if cfg.Judge.Enabled {
		if cfg.Judge.Provider != "openai" {
			issues = append(issues, fmt.Sprintf("judge.provider %q is not supported", cfg.Judge.Provider))
		}
		if cfg.Judge.APIKey == "" {
			issues = append(issues, "judge.api_key is required when the judge is enabled")
		}
	}

	if cfg.Cache.MaxEntries < 0 {
		issues = append(issues, "cache.max_entries must not be negative")
	}

	s3 := cfg.Export.S3
	if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
		issues = append(issues, "export.s3.access_key_id and export.s3.secret_access_key must be set together")
	}

	if cfg.Retention.Enabled {
		if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
			issues = append(issues, fmt.Sprintf("retention.schedule is invalid: %v", err))
		}
		if cfg.Retention.MaxAge <= 0 {
			issues = append(issues, "retention.max_age must be positive")
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			issues = append(issues, "rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.Burst <= 0 {
			issues = append(issues, "rate_limit.burst must be positive")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is invalid", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is invalid", cfg.Logging.Format))
	}

	tracing := cfg.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		issues = append(issues, "observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be within [0, 1]")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
