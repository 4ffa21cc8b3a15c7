package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration read from the environment.
type Config struct {
	DBPath        string
	LogLevel      string
	LogFormat     string
	ShadowMode    bool
	PolicyFile    string
	BatchSize     int
	FlushInterval time.Duration
	RedisAddr     string
	DatabaseURL   string
	OTelEndpoint  string
	OTelEnabled   bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbPath := os.Getenv("GOVKERNEL_DB_PATH")
	if dbPath == "" {
		dbPath = "flight_recorder.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if logFormat == "" {
		logFormat = "text"
	}

	batchSize := 100
	if v, err := strconv.Atoi(os.Getenv("GOVKERNEL_BATCH_SIZE")); err == nil && v > 0 {
		batchSize = v
	}

	flushInterval := 5 * time.Second
	if v, err := time.ParseDuration(os.Getenv("GOVKERNEL_FLUSH_INTERVAL")); err == nil && v > 0 {
		flushInterval = v
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelEnabled := endpoint != ""
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		otelEnabled = v == "true"
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	return &Config{
		DBPath:        dbPath,
		LogLevel:      logLevel,
		LogFormat:     logFormat,
		ShadowMode:    os.Getenv("SHADOW_MODE") == "true",
		PolicyFile:    os.Getenv("GOVKERNEL_POLICY_FILE"),
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		OTelEndpoint:  endpoint,
		OTelEnabled:   otelEnabled,
	}
}

// Level parses LogLevel. Unknown values fall back to INFO.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger: JSON when LogFormat is "json", text otherwise.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
