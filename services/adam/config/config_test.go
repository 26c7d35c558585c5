// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Parse Tests
// -----------------------------------------------------------------------------

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 0, cfg.MaxCells)
	assert.Equal(t, "./.adamsheet/snapshots", cfg.Snapshot.Path)
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.GCInterval)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.False(t, cfg.Logging(nil).JSON)
	assert.Empty(t, cfg.Logging(nil).LogDir)
}

func TestParse_Overlay(t *testing.T) {
	cfg, err := Parse([]byte("log_level: debug\nlog_format: json\nsnapshot:\n  in_memory: true\n  path: \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.True(t, cfg.Logging(nil).JSON)
	assert.True(t, cfg.Snapshot.InMemory)
	assert.Equal(t, 0.5, cfg.Snapshot.GCDiscardRatio, "unset fields keep defaults")

	b := cfg.Badger(slog.Default())
	assert.True(t, b.InMemory)
	assert.Equal(t, 5*time.Minute, b.GCInterval)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "log_level: loud"},
		{"bad format", "log_format: xml"},
		{"negative cells", "max_cells: -1"},
		{"ratio out of range", "snapshot:\n  gc_discard_ratio: 1.5"},
		{"no path on disk", "snapshot:\n  path: \"\""},
		{"unknown key", "max_cell: 3"},
		{"not yaml", "[:"},
		{"bad trace exporter", "telemetry:\n  trace_exporter: zipkin"},
		{"bad metric exporter", "telemetry:\n  metric_exporter: statsd"},
		{"otlp without endpoint", "telemetry:\n  trace_exporter: otlp\n  otlp_endpoint: \"\""},
		{"metrics addr without prometheus", "telemetry:\n  metrics_addr: localhost:9090"},
		{"metrics addr malformed", "telemetry:\n  metric_exporter: prometheus\n  metrics_addr: nine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestConfig_SheetOptions(t *testing.T) {
	cfg, err := Parse([]byte("max_cells: 10"))
	require.NoError(t, err)
	assert.Len(t, cfg.SheetOptions(slog.Default()), 2)
}

func TestConfig_Exporters(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	ex := cfg.Exporters(nil)
	assert.Equal(t, "none", ex.TraceExporter)
	assert.Equal(t, "none", ex.MetricExporter)
	assert.Equal(t, "adamsheet", ex.ServiceName)

	cfg, err = Parse([]byte("telemetry:\n  trace_exporter: otlp\n  metric_exporter: prometheus\n  metrics_addr: localhost:9464\n"))
	require.NoError(t, err)
	ex = cfg.Exporters(nil)
	assert.Equal(t, "otlp", ex.TraceExporter)
	assert.Equal(t, "localhost:4317", ex.OTLPEndpoint)
	assert.True(t, ex.OTLPInsecure)
	assert.Equal(t, "localhost:9464", cfg.Telemetry.MetricsAddr)
}

// -----------------------------------------------------------------------------
// Load Tests
// -----------------------------------------------------------------------------

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	before := testutil.ToFloat64(configLoads.WithLabelValues("file"))
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	assert.Equal(t, before+1, testutil.ToFloat64(configLoads.WithLabelValues("file")))
}

func TestLoad_Env(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adam.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o600))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, cfg.SlogLevel())
}

func TestLoad_Embedded(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	before := testutil.ToFloat64(configLoadErrors)

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	big := filepath.Join(t.TempDir(), "big.yaml")
	require.NoError(t, os.WriteFile(big, make([]byte, MaxYAMLFileSize+1), 0o600))
	_, err = Load(context.Background(), big)
	assert.ErrorContains(t, err, "too large")

	assert.Equal(t, before+2, testutil.ToFloat64(configLoadErrors))
}
