package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvOpenAIKey, "")
	path := writeConfig(t, "ragmetrics.yaml", `
server:
  http_port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Server.Host)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Limits.MaxFileBytes != 50<<20 || cfg.Limits.MaxRows != 10000 || cfg.Limits.MaxFieldChars != 10000 {
		t.Errorf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.URL == "" {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if len(cfg.CORS.AllowedOrigins) != 4 {
		t.Errorf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8000" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
}

func TestLoadNormalizesDriver(t *testing.T) {
	path := writeConfig(t, "ragmetrics.yaml", `
database:
  driver: " SQLite "
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		t.Error("sqlite default URL not applied")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "ragmetrics.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RAGMETRICS_TEST_DSN", "postgres://u:p@localhost/ragmetrics")
	path := writeConfig(t, "ragmetrics.yaml", `
database:
  driver: postgres
  url: ${RAGMETRICS_TEST_DSN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://u:p@localhost/ragmetrics" {
		t.Errorf("URL = %q", cfg.Database.URL)
	}
}

func TestLoadOpenAIKeyFallback(t *testing.T) {
	t.Setenv(EnvOpenAIKey, "sk-from-env")
	path := writeConfig(t, "ragmetrics.yaml", `
judge:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Judge.APIKey != "sk-from-env" || cfg.Embeddings.APIKey != "sk-from-env" {
		t.Errorf("expected env key fallback, got judge=%q embeddings=%q", cfg.Judge.APIKey, cfg.Embeddings.APIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bad driver",
			content: "database:\n  driver: mongo\n",
			want:    "database.driver",
		},
		{
			name:    "postgres without url",
			content: "database:\n  driver: postgres\n",
			want:    "database.url",
		},
		{
			name:    "bad port",
			content: "server:\n  http_port: 70000\n",
			want:    "http_port",
		},
		{
			name:    "bad retention schedule",
			content: "retention:\n  enabled: true\n  schedule: \"every day\"\n",
			want:    "retention.schedule",
		},
		{
			name:    "judge without key",
			content: "judge:\n  enabled: true\n",
			want:    "judge.api_key",
		},
		{
			name:    "half s3 credentials",
			content: "export:\n  s3:\n    bucket: reports\n    access_key_id: AKIA\n",
			want:    "secret_access_key",
		},
		{
			name:    "tracing without endpoint",
			content: "observability:\n  tracing:\n    enabled: true\n",
			want:    "tracing.endpoint",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\n",
			want:    "logging.level",
		},
		{
			name:    "newer version",
			content: "version: 99\n",
			want:    "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvOpenAIKey, "")
			path := writeConfig(t, "ragmetrics.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ConfigValidationError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
server:
  http_port: 9100
  host: 127.0.0.1
logging:
  level: debug
`)
	path := writeFile(t, filepath.Join(dir, "ragmetrics.yaml"), `
$include: base.yaml
server:
  http_port: 9200
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9200 {
		t.Errorf("HTTPPort = %d, want including file to win", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want value from include", cfg.Server.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "ragmetrics.json5", `{
  // comments are allowed
  server: { http_port: 9300 },
  metrics: { workers: 4, default_types: ["bleu", "rouge"] },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9300 || cfg.Metrics.Workers != 4 {
		t.Errorf("unexpected config: %+v %+v", cfg.Server, cfg.Metrics)
	}
	if strings.Join(cfg.Metrics.DefaultTypes, ",") != "bleu,rouge" {
		t.Errorf("DefaultTypes = %v", cfg.Metrics.DefaultTypes)
	}
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, "ragmetrics.yaml", `
retention:
  enabled: true
  schedule: "@daily"
  max_age: 720h
cache:
  ttl: 15m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retention.MaxAge != 720*time.Hour {
		t.Errorf("MaxAge = %v", cfg.Retention.MaxAge)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Errorf("TTL = %v", cfg.Cache.TTL)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/ragmetrics.yaml")
	if got := ResolvePath("local.yaml"); got != "local.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := ResolvePath(""); got != "/etc/ragmetrics.yaml" {
		t.Errorf("env fallback = %q", got)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	for _, key := range []string{"rate_limit", "retention", "observability", "http_port"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), name), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
