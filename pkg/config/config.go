// Package config loads process settings from the environment and
// scenarios from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds process-level settings for the CLI.
type Config struct {
	LogLevel  string
	LogFormat string

	// ArchiveDSN selects the SQL archive; empty disables it.
	ArchiveDSN string
	// BadgerPath selects the Badger archive; empty disables it.
	BadgerPath string

	RedisAddr   string
	RedisStream string

	TelemetryEnabled bool
	OTLPEndpoint     string

	// AttestKey signs audit attestations when set.
	AttestKey string
}

// Load loads configuration from ODYSSEY_* environment variables.
func Load() *Config {
	logLevel := os.Getenv("ODYSSEY_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("ODYSSEY_LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	otlp := os.Getenv("ODYSSEY_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	telemetry, _ := strconv.ParseBool(os.Getenv("ODYSSEY_TELEMETRY"))

	return &Config{
		LogLevel:         logLevel,
		LogFormat:        logFormat,
		ArchiveDSN:       os.Getenv("ODYSSEY_ARCHIVE_DSN"),
		BadgerPath:       os.Getenv("ODYSSEY_BADGER_PATH"),
		RedisAddr:        os.Getenv("ODYSSEY_REDIS_ADDR"),
		RedisStream:      os.Getenv("ODYSSEY_REDIS_STREAM"),
		TelemetryEnabled: telemetry,
		OTLPEndpoint:     otlp,
		AttestKey:        os.Getenv("ODYSSEY_ATTEST_KEY"),
	}
}
