// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/telemetry"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

const testSheet = `name: pair
sheet:
  - interface: x
    init: 2
  - interface: y
    init: 3
  - output: sum
    expr: [$x, $y, .add]
  - relate:
      terms:
        - names: x
          expr: [$y, 1, .add]
        - names: y
          expr: [$x, 1, .subtract]
`

func writeSheet(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pair.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSheet), 0o600))
	return path
}

// run executes the CLI with a config whose snapshot store lives in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(dir, "adam.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		cfg := "log_level: error\nsnapshot:\n  path: " + filepath.Join(dir, "snapshots") + "\n  gc_interval: 0s\n"
		require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	}
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, s string) report {
	t.Helper()
	var r report
	require.NoError(t, json.Unmarshal([]byte(s), &r))
	return r
}

// -----------------------------------------------------------------------------
// Assignment Tests
// -----------------------------------------------------------------------------

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		arg     string
		name    value.Name
		want    value.Value
		wantErr bool
	}{
		{arg: "a=1", name: "a", want: value.Number(1)},
		{arg: "a=true", name: "a", want: value.Bool(true)},
		{arg: `a="x=y"`, name: "a", want: value.String("x=y")},
		{arg: "a=hello", name: "a", want: value.String("hello")},
		{arg: "a=[1,2]", name: "a", want: value.ArrayOf(value.Number(1), value.Number(2))},
		{arg: "a", wantErr: true},
		{arg: "=1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, v, err := parseAssignment(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.True(t, tt.want.Equal(v), "got %v", v)
		})
	}
}

// -----------------------------------------------------------------------------
// Command Tests
// -----------------------------------------------------------------------------

func TestEvalCmd(t *testing.T) {
	dir := t.TempDir()
	path := writeSheet(t, dir)

	out, err := run(t, dir, "eval", path)
	require.NoError(t, err)
	r := decode(t, out)
	assert.Equal(t, value.Number(4), r.Values["x"])
	assert.Equal(t, value.Number(7), r.Values["sum"])
	assert.Equal(t, []string{"x"}, r.Derived)
	assert.Nil(t, r.Contributing)

	out, err = run(t, dir, "eval", path, "--set", "x=10", "--contributing")
	require.NoError(t, err)
	r = decode(t, out)
	assert.Equal(t, value.Number(9), r.Values["y"])
	assert.Equal(t, []string{"y"}, r.Derived)
	assert.Equal(t, value.Dictionary{"x": value.Number(10)}, r.Contributing)

	out, err = run(t, dir, "eval", path, "--set", "x=10", "--touch", "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, decode(t, out).Derived)
}

func TestEvalCmd_Errors(t *testing.T) {
	dir := t.TempDir()
	path := writeSheet(t, dir)

	_, err := run(t, dir, "eval", path, "--set", "nope=1")
	assert.ErrorIs(t, err, adamerr.ErrVariableNotFound)

	_, err = run(t, dir, "eval", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = run(t, dir, "eval")
	assert.Error(t, err, "file argument required")

	_, err = run(t, dir, "--log-level", "loud", "eval", path)
	assert.Error(t, err)
}

func TestSnapshotCmds(t *testing.T) {
	dir := t.TempDir()
	path := writeSheet(t, dir)

	out, err := run(t, dir, "snapshot", "save", path, "--id", "monday", "--set", "y=20", "--set", "x=5")
	require.NoError(t, err)
	assert.Equal(t, "monday\n", out)

	out, err = run(t, dir, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, "monday\n", out)

	out, err = run(t, dir, "snapshot", "restore", path, "monday")
	require.NoError(t, err)
	r := decode(t, out)
	assert.Equal(t, value.Number(5), r.Values["x"])
	assert.Equal(t, value.Number(4), r.Values["y"], "x was set last and still drives y")

	_, err = run(t, dir, "snapshot", "delete", "monday")
	require.NoError(t, err)
	out, err = run(t, dir, "snapshot", "list")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	_, err = run(t, dir, "snapshot", "restore", path, "monday")
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeSheet(t, dir)
	a := &app{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	require.NoError(t, a.setup(context.Background()))
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- a.watch(ctx, path, func() { runs <- struct{}{} })
	}()

	select {
	case <-runs:
	case <-ctx.Done():
		t.Fatal("initial run did not happen")
	}
	require.NoError(t, os.WriteFile(path, []byte(testSheet+"\n"), 0o600))
	select {
	case <-runs:
	case <-ctx.Done():
		t.Fatal("change was not noticed")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestServeMetrics(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.MetricExporter = "prometheus"
	cfg.Registerer = prometheus.NewRegistry()
	p, err := telemetry.Init(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	a := &app{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), telemetry: p}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serveMetrics(ctx, lis) }()

	for _, path := range []string{"/metrics", "/healthz"} {
		resp, err := http.Get("http://" + lis.Addr().String() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestServeMetrics_NoExporter(t *testing.T) {
	p, err := telemetry.Init(context.Background(), telemetry.DefaultConfig())
	require.NoError(t, err)
	a := &app{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), telemetry: p}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, a.serveMetrics(context.Background(), lis))
}
