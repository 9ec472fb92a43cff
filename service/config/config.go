package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. Required fields are validated at startup for fail-fast
// behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration; empty disables event persistence.
	DatabaseURL string

	// NATS configuration; empty disables event publishing.
	NATSURL string

	// Solana RPC configuration; required only for fetch-by-signature paths.
	SolanaRPCURL string

	// Decoder configuration
	MinBalanceChange      *big.Int
	IncludeFeeChanges     bool
	IncludeFeeEvents      bool
	GenerateComplexEvents bool
	ToleranceRatioPPM     uint64

	// HTTP timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads configuration from environment variables and validates it.
// Returns an error listing every invalid field.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")

	minChange := getEnvOrDefault("MIN_BALANCE_CHANGE", "0")
	v, ok := new(big.Int).SetString(minChange, 10)
	if !ok || v.Sign() < 0 {
		errs = append(errs, fmt.Errorf("MIN_BALANCE_CHANGE: must be a non-negative decimal integer, got %q", minChange))
	} else {
		cfg.MinBalanceChange = v
	}

	var err error
	cfg.IncludeFeeChanges, err = parseBool("INCLUDE_FEE_CHANGES", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.IncludeFeeEvents, err = parseBool("INCLUDE_FEE_EVENTS", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.GenerateComplexEvents, err = parseBool("GENERATE_COMPLEX_EVENTS", true)
	if err != nil {
		errs = append(errs, err)
	}

	ppm, err := parseUint("TOLERANCE_RATIO_PPM", 1000)
	if err != nil {
		errs = append(errs, err)
	} else if ppm >= 1_000_000 {
		errs = append(errs, fmt.Errorf("TOLERANCE_RATIO_PPM: must be below 1000000, got %d", ppm))
	} else {
		cfg.ToleranceRatioPPM = ppm
	}

	readTimeout, err := parseDuration("READ_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReadTimeout = readTimeout
	}
	writeTimeout, err := parseDuration("WRITE_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.WriteTimeout = writeTimeout
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid. Useful for
// server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks a configuration built without Load, e.g. in tests.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}
	if c.MinBalanceChange != nil && c.MinBalanceChange.Sign() < 0 {
		errs = append(errs, fmt.Errorf("MinBalanceChange cannot be negative"))
	}
	if c.ToleranceRatioPPM >= 1_000_000 {
		errs = append(errs, fmt.Errorf("ToleranceRatioPPM must be below 1000000"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeouts cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if
// not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}
