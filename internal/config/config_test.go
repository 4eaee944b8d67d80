package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnv = []string{
	EnvConfig, envListenAddr, envDBDSN, envLogLevel, envConcurrency, envTimeout,
	envGracePeriod, envMaxRetries, envRateLimitRPS, envWorkDir, envKeepScratch,
	envWorkerCommand, envWorkerArgs, envNATSURL, envNATSPrefix, envS3Endpoint,
	envS3AccessKey, envS3SecretKey, envS3Region, envS3UseSSL,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBDSN != defaultDBDSN {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, defaultDBDSN)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	if cfg.Concurrency != 5 || cfg.Timeout != 2*time.Minute || cfg.GracePeriod != 5*time.Second {
		t.Errorf("run defaults = %d/%s/%s", cfg.Concurrency, cfg.Timeout, cfg.GracePeriod)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.MaxRetries)
	}
	if cfg.Worker.Command != defaultWorkerCommand {
		t.Errorf("Worker.Command = %q", cfg.Worker.Command)
	}
	if cfg.NATS.URL != "" || cfg.NATS.Prefix != defaultNATSPrefix {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBDSN, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envConcurrency, "12")
	t.Setenv(envTimeout, "90s")
	t.Setenv(envMaxRetries, "2")
	t.Setenv(envKeepScratch, "true")
	t.Setenv(envWorkerArgs, "--model fast")
	t.Setenv(envS3UseSSL, "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBDSN != "/tmp/test.db" {
		t.Errorf("DBDSN = %q, want %q", cfg.DBDSN, "/tmp/test.db")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
	if cfg.Concurrency != 12 || cfg.Timeout != 90*time.Second || cfg.MaxRetries != 2 {
		t.Errorf("got %d/%s/%d", cfg.Concurrency, cfg.Timeout, cfg.MaxRetries)
	}
	if !cfg.KeepScratch || !cfg.ObjectStore.UseSSL {
		t.Error("bool env values not applied")
	}
	if strings.Join(cfg.Worker.Args, "|") != "--model|fast" {
		t.Errorf("Worker.Args = %v", cfg.Worker.Args)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConcurrency, "many")
	t.Setenv(envTimeout, "soon")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{envConcurrency, envTimeout} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadFileUnderEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
concurrency: 8
timeout: 45s
worker:
  command: /opt/forge/worker
  args: ["--verbose"]
  env:
    GEMINI_MODEL: gemini-2.5-pro
nats:
  url: nats://bus:4222
`)
	t.Setenv(envConcurrency, "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want env value 3", cfg.Concurrency)
	}
	if cfg.Timeout != 45*time.Second {
		t.Errorf("Timeout = %s, want file value 45s", cfg.Timeout)
	}
	if cfg.Worker.Command != "/opt/forge/worker" || cfg.Worker.Env["GEMINI_MODEL"] != "gemini-2.5-pro" {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.NATS.URL != "nats://bus:4222" || cfg.NATS.Prefix != defaultNATSPrefix {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
	if cfg.GracePeriod != DefaultGracePeriod {
		t.Errorf("GracePeriod = %s, want default", cfg.GracePeriod)
	}
}

func TestLoadFileFromEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfig, writeFile(t, "listen_addr: \":7070\"\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "concurrency: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	base := defaults()
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
