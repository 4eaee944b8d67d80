package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Run defaults shared with command-line flags.
const (
	DefaultConcurrency = 5
	DefaultTimeout     = 2 * time.Minute
	DefaultGracePeriod = 5 * time.Second
)

// EnvConfig names the YAML config file when no path is given.
const EnvConfig = "FORGE_CONFIG"

const (
	defaultListenAddr    = ":8080"
	defaultDBDSN         = "forge.db"
	defaultLogLevel      = "info"
	defaultWorkerCommand = "forge-worker"
	defaultNATSPrefix    = "forge.runs"
	defaultS3Region      = "us-east-1"

	envListenAddr    = "FORGE_LISTEN_ADDR"
	envDBDSN         = "FORGE_DB"
	envLogLevel      = "FORGE_LOG_LEVEL"
	envConcurrency   = "FORGE_CONCURRENCY"
	envTimeout       = "FORGE_TIMEOUT"
	envGracePeriod   = "FORGE_GRACE_PERIOD"
	envMaxRetries    = "FORGE_MAX_RETRIES"
	envRateLimitRPS  = "FORGE_RATE_LIMIT_RPS"
	envWorkDir       = "FORGE_WORK_DIR"
	envKeepScratch   = "FORGE_KEEP_SCRATCH"
	envWorkerCommand = "FORGE_WORKER_COMMAND"
	envWorkerArgs    = "FORGE_WORKER_ARGS"
	envNATSURL       = "FORGE_NATS_URL"
	envNATSPrefix    = "FORGE_NATS_PREFIX"
	envS3Endpoint    = "FORGE_S3_ENDPOINT"
	envS3AccessKey   = "FORGE_S3_ACCESS_KEY"
	envS3SecretKey   = "FORGE_S3_SECRET_KEY"
	envS3Region      = "FORGE_S3_REGION"
	envS3UseSSL      = "FORGE_S3_USE_SSL"
)

// Config holds application configuration. Values come from, in order of
// precedence: environment variables (including a .env file), an optional
// YAML file, then defaults.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// DBDSN is a SQLite path, ":memory:" or a postgres:// URL.
	DBDSN    string `yaml:"db"`
	LogLevel string `yaml:"log_level"`

	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	WorkDir      string        `yaml:"work_dir"`
	KeepScratch  bool          `yaml:"keep_scratch"`

	Worker      Worker      `yaml:"worker"`
	NATS        NATS        `yaml:"nats"`
	ObjectStore ObjectStore `yaml:"object_store"`
}

// Worker describes the enrichment subprocess.
type Worker struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// NATS enables task event publishing when URL is set.
type NATS struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// ObjectStore holds S3-compatible credentials for s3:// outputs.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func defaults() Config {
	return Config{
		ListenAddr:  defaultListenAddr,
		DBDSN:       defaultDBDSN,
		LogLevel:    defaultLogLevel,
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
		GracePeriod: DefaultGracePeriod,
		Worker:      Worker{Command: defaultWorkerCommand},
		NATS:        NATS{Prefix: defaultNATSPrefix},
		ObjectStore: ObjectStore{Region: defaultS3Region},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// FORGE_CONFIG is consulted and no file is read if that is unset too.
func Load(path string) (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := fromEnv()
	if err != nil {
		return Config{}, err
	}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := mergo.Merge(&cfg, file); err != nil {
			return Config{}, fmt.Errorf("merge config file: %w", err)
		}
	}

	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return Config{}, fmt.Errorf("merge defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config file without applying defaults.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// fromEnv returns only the values set in the environment.
func fromEnv() (Config, error) {
	var cfg Config
	var errs []error

	cfg.ListenAddr = os.Getenv(envListenAddr)
	cfg.DBDSN = os.Getenv(envDBDSN)
	cfg.LogLevel = os.Getenv(envLogLevel)
	cfg.WorkDir = os.Getenv(envWorkDir)
	cfg.Worker.Command = os.Getenv(envWorkerCommand)
	cfg.Worker.Args = strings.Fields(os.Getenv(envWorkerArgs))
	cfg.NATS.URL = os.Getenv(envNATSURL)
	cfg.NATS.Prefix = os.Getenv(envNATSPrefix)
	cfg.ObjectStore.Endpoint = os.Getenv(envS3Endpoint)
	cfg.ObjectStore.AccessKey = os.Getenv(envS3AccessKey)
	cfg.ObjectStore.SecretKey = os.Getenv(envS3SecretKey)
	cfg.ObjectStore.Region = os.Getenv(envS3Region)

	if v := os.Getenv(envConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr(envConcurrency, err))
		cfg.Concurrency = n
	}
	if v := os.Getenv(envMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr(envMaxRetries, err))
		cfg.MaxRetries = n
	}
	if v := os.Getenv(envTimeout); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr(envTimeout, err))
		cfg.Timeout = d
	}
	if v := os.Getenv(envGracePeriod); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr(envGracePeriod, err))
		cfg.GracePeriod = d
	}
	if v := os.Getenv(envRateLimitRPS); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr(envRateLimitRPS, err))
		cfg.RateLimitRPS = f
	}
	if v := os.Getenv(envKeepScratch); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(envKeepScratch, err))
		cfg.KeepScratch = b
	}
	if v := os.Getenv(envS3UseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr(envS3UseSSL, err))
		cfg.ObjectStore.UseSSL = b
	}

	return cfg, errors.Join(errs...)
}

func envErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

// Validate rejects values the dispatcher cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
