/*
Package config loads server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. YAML file passed to Load (optional)
  3. .env file and process environment
  4. Command-line flags, applied by cmd/server

KEYS:
  PORT, DB_PATH, LOG_LEVEL, LOG_FORMAT, LOANS_FILE, MAX_UPLOAD_SIZE_BYTES,
  RECENT_PAYMENTS_WINDOW, UPLOAD_RATE_PER_SECOND, UPLOAD_RATE_BURST,
  ARREARS_SCAN_INTERVAL, LOAN_CACHE_TTL, ALLOWED_ORIGINS (comma separated)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int    `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// LoansFile holds loan definitions loaded at startup (.json/.yaml).
	LoansFile string `yaml:"loans_file"`

	MaxUploadSizeBytes   int64 `yaml:"max_upload_size_bytes"`
	RecentPaymentsWindow int   `yaml:"recent_payments_window"`

	UploadRatePerSecond float64 `yaml:"upload_rate_per_second"`
	UploadRateBurst     int     `yaml:"upload_rate_burst"`

	// ArrearsScanInterval of zero disables the background scanner.
	ArrearsScanInterval time.Duration `yaml:"arrears_scan_interval"`
	LoanCacheTTL        time.Duration `yaml:"loan_cache_ttl"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

func Defaults() *Config {
	return &Config{
		Port:                 8080,
		DBPath:               "ledger.db",
		LogLevel:             "info",
		LogFormat:            "json",
		MaxUploadSizeBytes:   10 << 20,
		RecentPaymentsWindow: 10,
		UploadRatePerSecond:  5,
		UploadRateBurst:      10,
		ArrearsScanInterval:  time.Hour,
		LoanCacheTTL:         5 * time.Minute,
		AllowedOrigins:       []string{"*"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, the given .env files (".env" when none are given) and the
// environment. Missing .env files are not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnvAsInt("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LoansFile = getEnv("LOANS_FILE", cfg.LoansFile)
	cfg.MaxUploadSizeBytes = int64(getEnvAsInt("MAX_UPLOAD_SIZE_BYTES", int(cfg.MaxUploadSizeBytes)))
	cfg.RecentPaymentsWindow = getEnvAsInt("RECENT_PAYMENTS_WINDOW", cfg.RecentPaymentsWindow)
	cfg.UploadRatePerSecond = getEnvAsFloat("UPLOAD_RATE_PER_SECOND", cfg.UploadRatePerSecond)
	cfg.UploadRateBurst = getEnvAsInt("UPLOAD_RATE_BURST", cfg.UploadRateBurst)
	cfg.ArrearsScanInterval = getEnvAsDuration("ARREARS_SCAN_INTERVAL", cfg.ArrearsScanInterval)
	cfg.LoanCacheTTL = getEnvAsDuration("LOAN_CACHE_TTL", cfg.LoanCacheTTL)
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
}

// Validate checks ranges. Flags are validated again by cmd/server.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxUploadSizeBytes <= 0 {
		return fmt.Errorf("max_upload_size_bytes must be positive, got %d", c.MaxUploadSizeBytes)
	}
	if c.RecentPaymentsWindow <= 0 {
		return fmt.Errorf("recent_payments_window must be positive, got %d", c.RecentPaymentsWindow)
	}
	if c.UploadRatePerSecond <= 0 || c.UploadRateBurst <= 0 {
		return fmt.Errorf("upload rate and burst must be positive, got %v/%d", c.UploadRatePerSecond, c.UploadRateBurst)
	}
	if c.ArrearsScanInterval < 0 {
		return fmt.Errorf("arrears_scan_interval must not be negative")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsFloat(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
