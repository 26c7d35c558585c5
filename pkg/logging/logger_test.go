// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: slog.LevelInfo, Console: &buf, Service: "svc"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("shown", "cells", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %q", out)
	}
	for _, want := range []string{"shown", "cells=3", "service=svc"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if logger.Path() != "" {
		t.Errorf("Path() = %q, want empty", logger.Path())
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Console: &buf, JSON: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Slog().Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", rec["msg"])
	}
}

func TestNew_LogDir(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := New(Config{
		Console: &console,
		LogDir:  dir,
		Service: "adam",
		now:     func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := filepath.Join(dir, "adam_2026-03-04.log")
	if logger.Path() != want {
		t.Errorf("Path() = %q, want %q", logger.Path(), want)
	}
	logger.Slog().Warn("disk", "n", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("file output is not JSON: %v", err)
	}
	if rec["msg"] != "disk" || rec["service"] != "adam" {
		t.Errorf("unexpected record %v", rec)
	}
	if !strings.Contains(console.String(), "disk") {
		t.Errorf("console missing record: %q", console.String())
	}
}

func TestNew_LogDirDefaultService(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Console: &bytes.Buffer{}, LogDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()
	if !strings.HasPrefix(filepath.Base(logger.Path()), "adamsheet_") {
		t.Errorf("Path() = %q, want adamsheet_ prefix", logger.Path())
	}
}

func TestNew_LogDirInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{LogDir: filepath.Join(file, "sub")}); err == nil {
		t.Error("New() with a file as parent directory succeeded")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger, err := New(Config{Console: &syncBuffer{}, LogDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Slog().Info("concurrent", "i", i)
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_Levels(t *testing.T) {
	var debug, warn bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Error("Enabled(debug) = false, want true")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info", "a", 1)
	if !strings.Contains(debug.String(), "k=v") || !strings.Contains(debug.String(), "g.a=1") {
		t.Errorf("debug handler output %q", debug.String())
	}
	if warn.Len() != 0 {
		t.Errorf("warn handler received info record: %q", warn.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
