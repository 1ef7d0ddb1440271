package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DatabaseURL    string
	AllowedOrigins []string
	Environment    string

	AlgodURL           string
	AlgodToken         string
	AppID              uint64
	ConfirmationRounds uint64
	SignerTimeout      time.Duration

	AdminToken      string
	ServiceMnemonic string

	BackfillInterval    time.Duration
	ExpirySweepInterval time.Duration
	AmountEpsilonMicro  uint64

	RateLimitMax    int
	RateLimitWindow time.Duration

	LogLevel string
	LogFile  string

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnvString("PORT", "5200"),
		DatabaseURL:    getEnvString("DATABASE_URL", ""),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		Environment:    getEnvString("APP_ENV", "development"),

		AlgodURL:           getEnvString("ALGOD_URL", "https://testnet-api.algonode.cloud"),
		AlgodToken:         getEnvString("ALGOD_TOKEN", ""),
		AppID:              getEnvUint("CONTRACT_APP_ID", 0),
		ConfirmationRounds: getEnvUint("CONFIRMATION_ROUNDS", 10),
		SignerTimeout:      getEnvDuration("SIGNER_TIMEOUT", 2*time.Minute),

		AdminToken:      getEnvString("ADMIN_TOKEN", ""),
		ServiceMnemonic: getEnvString("SERVICE_MNEMONIC", ""),

		BackfillInterval:    getEnvDuration("BACKFILL_INTERVAL", 5*time.Minute),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 10*time.Minute),
		AmountEpsilonMicro:  getEnvUint("AMOUNT_EPSILON_MICRO", 1000),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),

		R2AccountID:       getEnvString("CLOUDFLARE_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnvString("R2_ACCESS_KEY_ID", ""),
		R2AccessKeySecret: getEnvString("R2_ACCESS_KEY_SECRET", ""),
		R2Bucket:          getEnvString("R2_BUCKET_NAME", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AppID == 0 {
		return fmt.Errorf("CONTRACT_APP_ID is required")
	}
	if c.AlgodURL == "" {
		return fmt.Errorf("ALGOD_URL is required")
	}
	if c.ConfirmationRounds == 0 {
		return fmt.Errorf("CONFIRMATION_ROUNDS must be at least 1")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.BackfillInterval <= 0 || c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	return nil
}

// ArchiveEnabled reports whether box snapshots should go to R2.
func (c *Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2AccessKeySecret != "" && c.R2Bucket != ""
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
