// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration.
//
// Defaults are embedded in the binary and a user file, when given,
// overrides any subset of them.
//
// Thread Safety:
//
//	All exported functions are safe for concurrent use. A loaded *Config
//	is read-only by convention.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/adamsheet/pkg/logging"
	"github.com/AleutianAI/adamsheet/services/adam/sheet"
	"github.com/AleutianAI/adamsheet/services/adam/storage/badger"
	"github.com/AleutianAI/adamsheet/services/adam/telemetry"
)

// MaxYAMLFileSize is the largest configuration file Load accepts (1MB).
const MaxYAMLFileSize = 1024 * 1024

// EnvConfigPath names the environment variable consulted when Load is
// given an empty path.
const EnvConfigPath = "ADAMSHEET_CONFIG"

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adam_config_loads_total",
		Help: "Total configuration loads by source",
	}, []string{"source"})

	configLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adam_config_load_errors_total",
		Help: "Total configuration load errors",
	})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adam_config_load_duration_seconds",
		Help:    "Duration of configuration loading",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1},
	})
)

var configTracer = otel.Tracer("adam.config")

var validate = validator.New()

// Config is the engine configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogFormat selects the console handler, text or json.
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	// LogDir, when set, also appends JSON logs to a daily file there.
	LogDir string `yaml:"log_dir"`

	// MaxCells caps cells per sheet. Zero means unbounded.
	MaxCells int `yaml:"max_cells" validate:"gte=0"`

	Snapshot SnapshotConfig `yaml:"snapshot"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SnapshotConfig configures the snapshot store.
type SnapshotConfig struct {
	Path           string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`

	// MetricsAddr is where watch serves /metrics. Requires the
	// prometheus metric exporter.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Parse(nil)
}

// Parse overlays data on the embedded defaults and validates the result.
// A nil or empty data yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := decode(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("decoding embedded defaults: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode rejects unknown keys so a misspelt option is not silently ignored.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Load reads configuration from path.
//
// Description:
//
//	When path is empty the ADAMSHEET_CONFIG environment variable is used;
//	when that is also empty the embedded defaults are returned. Files
//	larger than MaxYAMLFileSize are rejected.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	path - Optional configuration file.
//
// Outputs:
//
//	*Config - The validated configuration. Never nil on success.
//	error - Non-nil if the file cannot be read, decoded or validated.
func Load(ctx context.Context, path string) (cfg *Config, err error) {
	_, span := configTracer.Start(ctx, "config.Load")
	start := time.Now()
	defer func() {
		configLoadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			configLoadErrors.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "load failed")
		}
		span.End()
	}()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		configLoads.WithLabelValues("embedded").Inc()
		span.SetAttributes(attribute.String("source", "embedded"))
		return Default()
	}

	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("source", "file"),
		attribute.String("path", path),
		attribute.Int("yaml_size", len(data)),
	)
	cfg, err = Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	configLoads.WithLabelValues("file").Inc()
	slog.Debug("configuration loaded", slog.String("path", path))
	return cfg, nil
}

func readFile(path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return data, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Telemetry.MetricsAddr != "" && c.Telemetry.MetricExporter != "prometheus" {
		return fmt.Errorf("invalid config: telemetry.metrics_addr requires metric_exporter prometheus")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Logging returns the logger configuration for the given console.
func (c *Config) Logging(console io.Writer) logging.Config {
	return logging.Config{
		Level:   c.SlogLevel(),
		Console: console,
		JSON:    c.LogFormat == "json",
		LogDir:  c.LogDir,
		Service: "adamsheet",
	}
}

// SheetOptions returns the sheet options this configuration implies.
func (c *Config) SheetOptions(logger *slog.Logger) []sheet.Option {
	return []sheet.Option{
		sheet.WithLogger(logger),
		sheet.WithMaxCells(c.MaxCells),
	}
}

// Badger returns the storage configuration for the snapshot store.
func (c *Config) Badger(logger *slog.Logger) badger.Config {
	cfg := badger.DefaultConfig()
	cfg.Path = c.Snapshot.Path
	cfg.InMemory = c.Snapshot.InMemory
	cfg.SyncWrites = c.Snapshot.SyncWrites
	cfg.GCInterval = c.Snapshot.GCInterval
	cfg.GCDiscardRatio = c.Snapshot.GCDiscardRatio
	cfg.Logger = logger
	return cfg
}

// Exporters returns the telemetry configuration. Stdout exporters write to w.
func (c *Config) Exporters(w io.Writer) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.TraceExporter = c.Telemetry.TraceExporter
	cfg.MetricExporter = c.Telemetry.MetricExporter
	cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	cfg.OTLPInsecure = c.Telemetry.OTLPInsecure
	cfg.Writer = w
	return cfg
}
