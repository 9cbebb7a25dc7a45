// Package config resolves service settings from flags, the environment and an
// optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the triage service reads at startup.
type Config struct {
	DatabaseURL string
	ListenAddr  string

	QueueEnabled       bool
	RedisURL           string
	QueueConcurrency   int
	QueueRatePerSecond float64

	PythonPath   string
	MLScriptsDir string
	ModelTimeout time.Duration

	GenerationURL     string
	GenerationModel   string
	GenerationToken   string
	GenerationTimeout time.Duration

	WebhookSecret      string
	TokenEncryptionKey string
	LogDownloadTimeout time.Duration

	ArchiveBucket string
	ArchivePrefix string
	ArchiveRegion string
}

// LoadDotEnv reads .env files into the process environment. Variables already set
// win, and missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Bind registers the service flags on flags, defaulting each to its environment
// variable. Environment values that do not parse are reported by the returned
// function after flags.Parse.
func Bind(flags *flag.FlagSet) (*Config, func() error) {
	cfg := &Config{}
	var envErrs []error
	env := envReader{errs: &envErrs}

	flags.StringVar(&cfg.DatabaseURL, "database-url", env.String("DATABASE_URL", ""), "Postgres DSN")
	flags.StringVar(&cfg.ListenAddr, "listen", env.String("LISTEN_ADDR", ":8080"), "Listen address")

	flags.BoolVar(&cfg.QueueEnabled, "queue-enabled", env.Bool("QUEUE_ENABLED", false), "Process webhooks through the Redis queue")
	flags.StringVar(&cfg.RedisURL, "redis-url", env.String("REDIS_URL", "redis://localhost:6379/0"), "Redis URL for the durable queue")
	flags.IntVar(&cfg.QueueConcurrency, "queue-concurrency", env.Int("QUEUE_CONCURRENCY", 2), "Queue worker count")
	flags.Float64Var(&cfg.QueueRatePerSecond, "queue-rate", env.Float("QUEUE_RATE_PER_SECOND", 10), "Jobs started per second across workers")

	flags.StringVar(&cfg.PythonPath, "python", env.String("PYTHON_PATH", "python3"), "Interpreter for the model scripts")
	flags.StringVar(&cfg.MLScriptsDir, "ml-scripts-dir", env.String("ML_SCRIPTS_DIR", "ml/scripts"), "Directory holding the model scripts")
	flags.DurationVar(&cfg.ModelTimeout, "model-timeout", env.Duration("MODEL_TIMEOUT", 10*time.Second), "Model script timeout")

	flags.StringVar(&cfg.GenerationURL, "generation-url", env.Optional("OLLAMA_URL", "http://localhost:11434/api/generate"), "Text generation endpoint; empty disables generation")
	flags.StringVar(&cfg.GenerationModel, "generation-model", env.String("OLLAMA_MODEL", "llama3"), "Text generation model")
	flags.StringVar(&cfg.GenerationToken, "generation-token", env.String("OLLAMA_TOKEN", ""), "Bearer token for the generation endpoint")
	flags.DurationVar(&cfg.GenerationTimeout, "generation-timeout", env.Duration("GENERATION_TIMEOUT", 60*time.Second), "Text generation timeout")

	flags.StringVar(&cfg.WebhookSecret, "webhook-secret", env.String("GITHUB_WEBHOOK_SECRET", ""), "GitHub webhook secret")
	flags.StringVar(&cfg.TokenEncryptionKey, "token-key", env.String("TOKEN_ENCRYPTION_KEY", ""), "Key for stored access tokens")
	flags.DurationVar(&cfg.LogDownloadTimeout, "log-download-timeout", env.Duration("LOG_DOWNLOAD_TIMEOUT", 30*time.Second), "Log archive download timeout")

	flags.StringVar(&cfg.ArchiveBucket, "s3-bucket", env.String("LOG_ARCHIVE_S3_BUCKET", ""), "S3 bucket for log archive copies")
	flags.StringVar(&cfg.ArchivePrefix, "s3-prefix", env.String("LOG_ARCHIVE_S3_PREFIX", ""), "S3 key prefix for log archive copies")
	flags.StringVar(&cfg.ArchiveRegion, "s3-region", env.String("LOG_ARCHIVE_S3_REGION", ""), "S3 region for log archive copies")

	return cfg, func() error { return errors.Join(envErrs...) }
}

// Load parses args into a Config and validates it.
func Load(name string, args []string) (*Config, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg, envErr := Bind(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := envErr(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database-url or DATABASE_URL required"))
	}
	if c.QueueEnabled && strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("redis-url or REDIS_URL required when the queue is enabled"))
	}
	if c.QueueConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("queue concurrency must be positive, got %d", c.QueueConcurrency))
	}
	if c.QueueRatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("queue rate must be positive, got %v", c.QueueRatePerSecond))
	}
	if c.ModelTimeout <= 0 || c.GenerationTimeout <= 0 || c.LogDownloadTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	errs *[]error
}

func (e envReader) String(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

// Optional is String for settings an explicitly empty value switches off.
func (e envReader) Optional(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e envReader) Int(key string, fallback int) int {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}

func (e envReader) Float(key string, fallback float64) float64 {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}

func (e envReader) Bool(key string, fallback bool) bool {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}

func (e envReader) Duration(key string, fallback time.Duration) time.Duration {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	// Bare numbers are seconds.
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
