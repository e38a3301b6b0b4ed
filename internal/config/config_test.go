package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "7070" {
		t.Errorf("expected default port 7070, got %s", cfg.Port)
	}
	if cfg.MaxParallelism != 4 {
		t.Errorf("expected default parallelism 4, got %d", cfg.MaxParallelism)
	}
	if cfg.RunStoreTTL != 7*24*time.Hour {
		t.Errorf("unexpected TTL %v", cfg.RunStoreTTL)
	}
	if len(cfg.CheckCommand) != 1 || cfg.CheckCommand[0] != "taskflow-check" {
		t.Errorf("unexpected check command %v", cfg.CheckCommand)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ORCH_MAX_PARALLELISM", "8")
	t.Setenv("ORCH_ABANDON_AFTER", "30s")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("OTEL_SAMPLE_RATE", "0.25")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CHECK_COMMAND", "python -m checks.run")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	if cfg.Port != "9090" || cfg.MaxParallelism != 8 {
		t.Errorf("env not applied: port=%s parallelism=%d", cfg.Port, cfg.MaxParallelism)
	}
	if cfg.AbandonAfter != 30*time.Second || !cfg.S3UseSSL || cfg.OTelSampleRate != 0.25 {
		t.Errorf("typed env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if strings.Join(cfg.CheckCommand, " ") != "python -m checks.run" {
		t.Errorf("unexpected check command %v", cfg.CheckCommand)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.RedisDB)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"runstore", func(c *Config) { c.RunStoreType = "postgres" }},
		{"pipelinestore", func(c *Config) { c.PipelineStoreType = "disk" }},
		{"storage", func(c *Config) { c.StorageBackend = "gcs" }},
		{"notify", func(c *Config) { c.NotifyBackend = "sns" }},
		{"parallelism", func(c *Config) { c.MaxParallelism = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected log output %q", out)
	}
}
