// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all vidqueued settings.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// DatabaseURL selects postgres when set; otherwise DatabasePath is
	// opened as a sqlite file.
	DatabaseURL  string
	DatabasePath string

	// OpenAIKey authenticates against the video-generation API.
	OpenAIKey string

	// Scheduler knobs.
	MaxConcurrentJobs int
	MaxRetries        int
	AdmissionInterval time.Duration
	PollInterval      time.Duration
	MaxWait           time.Duration

	// RetentionDays is how long terminal jobs are kept before pruning.
	RetentionDays int

	// Artifact storage. S3 is used when S3Endpoint is set.
	ArtifactDir string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// RedisAddr enables the API rate limiter when set.
	RedisAddr     string
	RedisPassword string

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:              getenv("VIDQUEUE_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DatabasePath:      getenv("VIDQUEUE_DB_PATH", "vidqueue.db"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		MaxConcurrentJobs: getenvInt("MAX_CONCURRENT_JOBS", 1),
		MaxRetries:        getenvInt("MAX_RETRY_ATTEMPTS", 2),
		AdmissionInterval: getenvDuration("ADMISSION_INTERVAL", 5*time.Second),
		PollInterval:      getenvDuration("POLL_INTERVAL", 5*time.Second),
		MaxWait:           getenvDuration("MAX_WAIT", 0),
		RetentionDays:     getenvInt("JOB_RETENTION_DAYS", 30),
		ArtifactDir:       getenv("ARTIFACT_DIR", "artifacts"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3Bucket:          getenv("S3_BUCKET", "vidqueue"),
		S3UseSSL:          getenvBool("S3_USE_SSL", false),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}

	if cfg.OpenAIKey == "" {
		return cfg, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
